package frames

import (
	"fmt"

	"github.com/coreamqp/go-amqp/internal/buffer"
	"github.com/coreamqp/go-amqp/internal/encoding"
)

/*
SASLMechanisms advertises the server's supported SASL mechanisms.
*/
type SASLMechanisms struct {
	Mechanisms encoding.MultiSymbol // required, at least one
}

func (m *SASLMechanisms) frameBody() {}

func (m *SASLMechanisms) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLMechanisms, []encoding.MarshalField{
		{Value: &m.Mechanisms, Omit: false},
	})
}

func (m *SASLMechanisms) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLMechanisms, []encoding.UnmarshalField{
		{Field: &m.Mechanisms, HandleNull: func() error { return fmt.Errorf("SASLMechanisms.Mechanisms is required") }},
	})
}

func (m *SASLMechanisms) String() string {
	return fmt.Sprintf("SASLMechanisms{Mechanisms: %v}", m.Mechanisms)
}

/*
SASLInit selects a mechanism and carries the client's initial response.
*/
type SASLInit struct {
	Mechanism       encoding.Symbol // required
	InitialResponse []byte
	Hostname        string
}

func (i *SASLInit) frameBody() {}

func (i *SASLInit) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLInit, []encoding.MarshalField{
		{Value: &i.Mechanism, Omit: false},
		{Value: &i.InitialResponse, Omit: len(i.InitialResponse) == 0},
		{Value: &i.Hostname, Omit: i.Hostname == ""},
	})
}

func (i *SASLInit) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLInit, []encoding.UnmarshalField{
		{Field: &i.Mechanism, HandleNull: func() error { return fmt.Errorf("SASLInit.Mechanism is required") }},
		{Field: &i.InitialResponse},
		{Field: &i.Hostname},
	})
}

func (i *SASLInit) String() string {
	return fmt.Sprintf("SASLInit{Mechanism: %s, Hostname: %q}", i.Mechanism, i.Hostname)
}

/*
SASLChallenge carries a server challenge mid-exchange (SCRAM etc).
*/
type SASLChallenge struct {
	Challenge []byte // required
}

func (c *SASLChallenge) frameBody() {}

func (c *SASLChallenge) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLChallenge, []encoding.MarshalField{
		{Value: &c.Challenge, Omit: false},
	})
}

func (c *SASLChallenge) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLChallenge, []encoding.UnmarshalField{
		{Field: &c.Challenge, HandleNull: func() error { return fmt.Errorf("SASLChallenge.Challenge is required") }},
	})
}

func (c *SASLChallenge) String() string { return "SASLChallenge{...}" }

/*
SASLResponse carries the client's answer to a SASLChallenge.
*/
type SASLResponse struct {
	Response []byte // required
}

func (r *SASLResponse) frameBody() {}

func (resp *SASLResponse) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLResponse, []encoding.MarshalField{
		{Value: &resp.Response, Omit: false},
	})
}

func (resp *SASLResponse) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLResponse, []encoding.UnmarshalField{
		{Field: &resp.Response, HandleNull: func() error { return fmt.Errorf("SASLResponse.Response is required") }},
	})
}

func (resp *SASLResponse) String() string { return "SASLResponse{...}" }

// SASLCode is the outcome code carried by SASLOutcome.
type SASLCode uint8

const (
	SASLCodeOK      SASLCode = 0
	SASLCodeAuth    SASLCode = 1
	SASLCodeSys     SASLCode = 2
	SASLCodeSysPerm SASLCode = 3
	SASLCodeSysTemp SASLCode = 4
)

func (c SASLCode) marshal(wr *buffer.Buffer) error {
	wr.Write([]byte{byte(encoding.TypeCodeUbyte), byte(c)})
	return nil
}

func (c *SASLCode) unmarshal(r *buffer.Buffer) error {
	var n uint8
	if err := encoding.Unmarshal(r, &n); err != nil {
		return err
	}
	*c = SASLCode(n)
	return nil
}

func (c SASLCode) String() string {
	switch c {
	case SASLCodeOK:
		return "ok"
	case SASLCodeAuth:
		return "auth"
	case SASLCodeSys:
		return "sys"
	case SASLCodeSysPerm:
		return "sys-perm"
	case SASLCodeSysTemp:
		return "sys-temp"
	default:
		return fmt.Sprintf("SASLCode(%d)", uint8(c))
	}
}

/*
SASLOutcome concludes the SASL exchange with a final code.
*/
type SASLOutcome struct {
	Code           SASLCode // required
	AdditionalData []byte
}

func (o *SASLOutcome) frameBody() {}

func (o *SASLOutcome) marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLOutcome, []encoding.MarshalField{
		{Value: &o.Code, Omit: false},
		{Value: &o.AdditionalData, Omit: len(o.AdditionalData) == 0},
	})
}

func (o *SASLOutcome) unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLOutcome, []encoding.UnmarshalField{
		{Field: &o.Code, HandleNull: func() error { return fmt.Errorf("SASLOutcome.Code is required") }},
		{Field: &o.AdditionalData},
	})
}

func (o *SASLOutcome) String() string {
	return fmt.Sprintf("SASLOutcome{Code: %s}", o.Code)
}
