// Package shared holds small helpers with no natural home in a single
// layer of the stack; used by both the link and session engines.
package shared

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
)

const randCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandString returns a random alphanumeric string of length n, used to
// generate unique link names when the caller doesn't supply one.
func RandString(n int) string {
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(randCharset))))
		if err != nil {
			// crypto/rand failing is unrecoverable; fall back to a
			// fixed character rather than panicking mid-attach.
			b[i] = randCharset[0]
			continue
		}
		b[i] = randCharset[idx.Int64()]
	}
	return string(b)
}

// IsContextErr reports whether err is context.Canceled or
// context.DeadlineExceeded, used to distinguish caller-initiated
// cancellation from protocol errors when unwinding a mux select.
func IsContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
