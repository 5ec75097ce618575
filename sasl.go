package amqp

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/coreamqp/go-amqp/internal/encoding"
	"github.com/coreamqp/go-amqp/internal/frames"
)

// SCRAM messages carry their binary fields (nonce, salt, proof) as
// base64 text per RFC 5802; there's no ecosystem codec for this, so
// stdlib encoding/base64 is used directly.
func encodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeBase64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// SASLType configures which SASL mechanism a client offers during the
// connection handshake. Construct one with SASLTypePlain,
// SASLTypeAnonymous, or SASLTypeSCRAMSHA256/SHA512/SHA1.
type SASLType interface {
	mechanism() encoding.Symbol
	initialResponse(hostname string) []byte
	challenge(resp []byte) ([]byte, error) // used by SCRAM only
}

type saslPlain struct {
	username, password string
}

// SASLTypePlain configures the client for SASL PLAIN (RFC 4616): the
// username/password travel in the clear, so this should only be used
// over TLS.
func SASLTypePlain(username, password string) SASLType {
	return &saslPlain{username: username, password: password}
}

func (s *saslPlain) mechanism() encoding.Symbol { return "PLAIN" }

func (s *saslPlain) initialResponse(string) []byte {
	return []byte("\x00" + s.username + "\x00" + s.password)
}

func (s *saslPlain) challenge([]byte) ([]byte, error) {
	return nil, fmt.Errorf("amqp: SASL PLAIN does not support challenges")
}

type saslAnonymous struct{}

// SASLTypeAnonymous configures the client for SASL ANONYMOUS: no
// credentials are presented.
func SASLTypeAnonymous() SASLType {
	return &saslAnonymous{}
}

func (s *saslAnonymous) mechanism() encoding.Symbol    { return "ANONYMOUS" }
func (s *saslAnonymous) initialResponse(string) []byte { return nil }
func (s *saslAnonymous) challenge([]byte) ([]byte, error) {
	return nil, fmt.Errorf("amqp: SASL ANONYMOUS does not support challenges")
}

// scramHashFunc identifies which hash backs a SCRAM mechanism.
type scramHashFunc func() hash.Hash

type saslSCRAM struct {
	username, password string
	mech               encoding.Symbol
	newHash            scramHashFunc

	clientNonce  string
	firstMsgBare string
	saltedPwd    []byte
	authMessage  string
}

// SASLTypeSCRAMSHA256 configures the client for SCRAM-SHA-256 (RFC
// 5802/7677).
func SASLTypeSCRAMSHA256(username, password string) SASLType {
	return &saslSCRAM{username: username, password: password, mech: "SCRAM-SHA-256", newHash: sha256.New}
}

// SASLTypeSCRAMSHA512 configures the client for SCRAM-SHA-512.
func SASLTypeSCRAMSHA512(username, password string) SASLType {
	return &saslSCRAM{username: username, password: password, mech: "SCRAM-SHA-512", newHash: sha512.New}
}

// SASLTypeSCRAMSHA1 configures the client for SCRAM-SHA-1 (RFC 5802).
func SASLTypeSCRAMSHA1(username, password string) SASLType {
	return &saslSCRAM{username: username, password: password, mech: "SCRAM-SHA-1", newHash: sha1.New}
}

func (s *saslSCRAM) mechanism() encoding.Symbol { return s.mech }

func (s *saslSCRAM) initialResponse(string) []byte {
	nonce := make([]byte, 18)
	_, _ = rand.Read(nonce)
	s.clientNonce = encodeBase64(nonce)
	s.firstMsgBare = fmt.Sprintf("n=%s,r=%s", scramEscape(s.username), s.clientNonce)
	return []byte("n,," + s.firstMsgBare)
}

// challenge answers the server's first SCRAM message (salt, iteration
// count, combined nonce) with the client final message, computing the
// salted password via pbkdf2 and deriving the client/server proofs per
// RFC 5802 section 3.
func (s *saslSCRAM) challenge(serverFirst []byte) ([]byte, error) {
	fields := parseSCRAMFields(string(serverFirst))
	combinedNonce := fields["r"]
	saltB64 := fields["s"]
	iterCountStr := fields["i"]
	if combinedNonce == "" || saltB64 == "" || iterCountStr == "" || !strings.HasPrefix(combinedNonce, s.clientNonce) {
		return nil, fmt.Errorf("amqp: malformed SCRAM server-first-message")
	}
	salt, err := decodeBase64(saltB64)
	if err != nil {
		return nil, fmt.Errorf("amqp: decoding SCRAM salt: %w", err)
	}
	var iterCount int
	if _, err := fmt.Sscanf(iterCountStr, "%d", &iterCount); err != nil {
		return nil, fmt.Errorf("amqp: decoding SCRAM iteration count: %w", err)
	}

	s.saltedPwd = pbkdf2.Key([]byte(s.password), salt, iterCount, s.newHash().Size(), s.newHash)

	clientFinalNoProof := "c=biws,r=" + combinedNonce
	s.authMessage = s.firstMsgBare + "," + string(serverFirst) + "," + clientFinalNoProof

	clientKey := hmacSum(s.newHash, s.saltedPwd, []byte("Client Key"))
	storedKey := hashSum(s.newHash, clientKey)
	clientSig := hmacSum(s.newHash, storedKey, []byte(s.authMessage))
	clientProof := xorBytes(clientKey, clientSig)

	final := clientFinalNoProof + ",p=" + encodeBase64(clientProof)
	return []byte(final), nil
}

// verifyServerSignature checks the server's final message against the
// ServerSignature computed from the same salted password, proving the
// server also knows it (and isn't just replaying our proof).
func (s *saslSCRAM) verifyServerSignature(serverFinal []byte) error {
	fields := parseSCRAMFields(string(serverFinal))
	v := fields["v"]
	if v == "" {
		return fmt.Errorf("amqp: missing SCRAM server signature")
	}
	got, err := decodeBase64(v)
	if err != nil {
		return err
	}
	serverKey := hmacSum(s.newHash, s.saltedPwd, []byte("Server Key"))
	want := hmacSum(s.newHash, serverKey, []byte(s.authMessage))
	if !hmac.Equal(got, want) {
		return fmt.Errorf("amqp: SCRAM server signature mismatch")
	}
	return nil
}

func hmacSum(newHash scramHashFunc, key, data []byte) []byte {
	m := hmac.New(newHash, key)
	m.Write(data)
	return m.Sum(nil)
}

func hashSum(newHash scramHashFunc, data []byte) []byte {
	h := newHash()
	h.Write(data)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func scramEscape(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	s = strings.ReplaceAll(s, ",", "=2C")
	return s
}

func parseSCRAMFields(msg string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

// clientSASLHandshake drives the client side of the SASL sub-layer:
// read SASL-MECHANISMS, pick (already fixed by the caller) and send
// SASL-INIT, answer any SASL-CHALLENGE frames, and check the final
// SASL-OUTCOME.
func clientSASLHandshake(ctx context.Context, c *Conn, t SASLType) error {
	fr, err := c.readFrame(ctx)
	if err != nil {
		return err
	}
	mechs, ok := fr.Body.(*frames.SASLMechanisms)
	if !ok {
		return fmt.Errorf("amqp: expected sasl-mechanisms, got %T", fr.Body)
	}
	if !containsMechanism(mechs.Mechanisms, t.mechanism()) {
		return fmt.Errorf("amqp: server does not support mechanism %s", t.mechanism())
	}

	init := &frames.SASLInit{
		Mechanism:       t.mechanism(),
		InitialResponse: t.initialResponse(""),
	}
	if err := c.writeFrame(0, init); err != nil {
		return err
	}

	for {
		fr, err := c.readFrame(ctx)
		if err != nil {
			return err
		}
		switch body := fr.Body.(type) {
		case *frames.SASLChallenge:
			resp, err := t.challenge(body.Challenge)
			if err != nil {
				return err
			}
			if err := c.writeFrame(0, &frames.SASLResponse{Response: resp}); err != nil {
				return err
			}
		case *frames.SASLOutcome:
			if body.Code != frames.SASLCodeOK {
				return fmt.Errorf("amqp: SASL authentication failed: %s", body.Code)
			}
			if scram, ok := t.(*saslSCRAM); ok && len(body.AdditionalData) > 0 {
				if err := scram.verifyServerSignature(body.AdditionalData); err != nil {
					return err
				}
			}
			return nil
		default:
			return fmt.Errorf("amqp: unexpected frame %T during SASL handshake", fr.Body)
		}
	}
}

// SASLVerifier authenticates a client's SASL exchange on the listener
// side. Construct one with SASLVerifyPlain or SASLVerifyAnonymous.
type SASLVerifier interface {
	mechanism() encoding.Symbol
	verify(initialResponse []byte) error
}

type plainVerifier struct {
	check func(username, password string) error
}

// SASLVerifyPlain configures the listener to accept SASL PLAIN,
// checking the presented credentials with check.
func SASLVerifyPlain(check func(username, password string) error) SASLVerifier {
	return &plainVerifier{check: check}
}

func (v *plainVerifier) mechanism() encoding.Symbol { return "PLAIN" }

func (v *plainVerifier) verify(initialResponse []byte) error {
	parts := strings.SplitN(string(initialResponse), "\x00", 3)
	if len(parts) != 3 {
		return fmt.Errorf("amqp: malformed SASL PLAIN initial response")
	}
	return v.check(parts[1], parts[2])
}

type anonymousVerifier struct{}

// SASLVerifyAnonymous configures the listener to accept SASL ANONYMOUS
// unconditionally.
func SASLVerifyAnonymous() SASLVerifier { return &anonymousVerifier{} }

func (v *anonymousVerifier) mechanism() encoding.Symbol   { return "ANONYMOUS" }
func (v *anonymousVerifier) verify(initialResponse []byte) error { return nil }

// serverSASLHandshake drives the listener side of the SASL sub-layer:
// advertise mechanisms, read SASL-INIT, verify, and send the outcome.
// Unlike the client side this does not support a challenge round trip
// (SCRAM-SHA-*, requiring the listener to hold the salted password and
// issue its own challenge, isn't implemented here) — only single
// round-trip mechanisms (PLAIN, ANONYMOUS) are supported.
func serverSASLHandshake(ctx context.Context, c *Conn, verifiers []SASLVerifier) error {
	mechs := make(encoding.MultiSymbol, len(verifiers))
	for i, v := range verifiers {
		mechs[i] = v.mechanism()
	}
	if err := c.writeFrame(0, &frames.SASLMechanisms{Mechanisms: mechs}); err != nil {
		return err
	}

	fr, err := c.readFrame(ctx)
	if err != nil {
		return err
	}
	init, ok := fr.Body.(*frames.SASLInit)
	if !ok {
		return fmt.Errorf("amqp: expected sasl-init, got %T", fr.Body)
	}

	var matched SASLVerifier
	for _, v := range verifiers {
		if v.mechanism() == init.Mechanism {
			matched = v
			break
		}
	}
	if matched == nil {
		_ = c.writeFrame(0, &frames.SASLOutcome{Code: frames.SASLCodeAuth})
		return fmt.Errorf("amqp: client selected unoffered mechanism %s", init.Mechanism)
	}

	verifyErr := matched.verify(init.InitialResponse)
	if verifyErr != nil {
		_ = c.writeFrame(0, &frames.SASLOutcome{Code: frames.SASLCodeAuth})
		return fmt.Errorf("amqp: SASL authentication failed: %w", verifyErr)
	}
	return c.writeFrame(0, &frames.SASLOutcome{Code: frames.SASLCodeOK})
}

func containsMechanism(offered encoding.MultiSymbol, want encoding.Symbol) bool {
	for _, m := range offered {
		if m == want {
			return true
		}
	}
	return false
}
