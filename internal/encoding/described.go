package encoding

import (
	"fmt"

	"github.com/coreamqp/go-amqp/internal/buffer"
)

// Error is the AMQP "error" described type: a condition symbol plus an
// optional human-readable description and an info map. It satisfies
// the error interface so it can be returned directly from engine code.
type Error struct {
	Condition   ErrCond
	Description string
	Info        map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Description == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

func (e *Error) String() string {
	return e.Error()
}

func (e *Error) marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeError, []MarshalField{
		{Value: &e.Condition, Omit: false},
		{Value: &e.Description, Omit: e.Description == ""},
		{Value: e.Info, Omit: len(e.Info) == 0},
	})
}

func (e *Error) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeError, []UnmarshalField{
		{Field: &e.Condition, HandleNull: func() error { return errNew("Error.Condition is required") }},
		{Field: &e.Description},
		{Field: &e.Info},
	})
}

func (c *ErrCond) unmarshal(r *buffer.Buffer) error {
	s, err := readSymbol(r)
	*c = ErrCond(s)
	return err
}

func (c ErrCond) marshal(wr *buffer.Buffer) error {
	return Symbol(c).marshal(wr)
}

// Source is the AMQP "source" terminus described type.
type Source struct {
	Address               string
	Durable               Durability
	ExpiryPolicy          ExpiryPolicy
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[Symbol]any
	DistributionMode      Symbol
	Filter                Filter
	DefaultOutcome        any
	Outcomes              MultiSymbol
	Capabilities          MultiSymbol
}

func (s *Source) marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeSource, []MarshalField{
		{Value: &s.Address, Omit: s.Address == ""},
		{Value: &s.Durable, Omit: s.Durable == DurabilityNone},
		{Value: &s.ExpiryPolicy, Omit: s.ExpiryPolicy == "" || s.ExpiryPolicy == ExpirySessionEnd},
		{Value: &s.Timeout, Omit: s.Timeout == 0},
		{Value: &s.Dynamic, Omit: !s.Dynamic},
		{Value: s.DynamicNodeProperties, Omit: len(s.DynamicNodeProperties) == 0},
		{Value: &s.DistributionMode, Omit: s.DistributionMode == ""},
		{Value: s.Filter, Omit: len(s.Filter) == 0},
		{Value: &s.DefaultOutcome, Omit: s.DefaultOutcome == nil},
		{Value: &s.Outcomes, Omit: len(s.Outcomes) == 0},
		{Value: &s.Capabilities, Omit: len(s.Capabilities) == 0},
	})
}

func (s *Source) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeSource, []UnmarshalField{
		{Field: &s.Address},
		{Field: &s.Durable},
		{Field: &s.ExpiryPolicy, HandleNull: func() error { s.ExpiryPolicy = ExpirySessionEnd; return nil }},
		{Field: &s.Timeout},
		{Field: &s.Dynamic},
		{Field: &s.DynamicNodeProperties},
		{Field: &s.DistributionMode},
		{Field: &s.Filter},
		{Field: &s.DefaultOutcome},
		{Field: &s.Outcomes},
		{Field: &s.Capabilities},
	})
}

// Target is the AMQP "target" terminus described type.
type Target struct {
	Address               string
	Durable               Durability
	ExpiryPolicy          ExpiryPolicy
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[Symbol]any
	Capabilities          MultiSymbol
}

func (t *Target) marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeTarget, []MarshalField{
		{Value: &t.Address, Omit: t.Address == ""},
		{Value: &t.Durable, Omit: t.Durable == DurabilityNone},
		{Value: &t.ExpiryPolicy, Omit: t.ExpiryPolicy == "" || t.ExpiryPolicy == ExpirySessionEnd},
		{Value: &t.Timeout, Omit: t.Timeout == 0},
		{Value: &t.Dynamic, Omit: !t.Dynamic},
		{Value: t.DynamicNodeProperties, Omit: len(t.DynamicNodeProperties) == 0},
		{Value: &t.Capabilities, Omit: len(t.Capabilities) == 0},
	})
}

func (t *Target) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeTarget, []UnmarshalField{
		{Field: &t.Address},
		{Field: &t.Durable},
		{Field: &t.ExpiryPolicy, HandleNull: func() error { t.ExpiryPolicy = ExpirySessionEnd; return nil }},
		{Field: &t.Timeout},
		{Field: &t.Dynamic},
		{Field: &t.DynamicNodeProperties},
		{Field: &t.Capabilities},
	})
}

// DescribedType is a newtype wrapper for a bare described value whose
// schema isn't otherwise known to the codec (e.g. a filter-set entry
// or an application-defined message section): a descriptor (symbol or
// ulong code) followed by an arbitrary value.
type DescribedType struct {
	Descriptor any // Symbol or uint64
	Value      any
}

func (d *DescribedType) marshal(wr *buffer.Buffer) error {
	wr.WriteByte(0x00)
	if err := Marshal(wr, d.Descriptor); err != nil {
		return err
	}
	return Marshal(wr, d.Value)
}

func (d *DescribedType) unmarshal(r *buffer.Buffer) error {
	descriptor, value, err := readDescribed(r)
	if err != nil {
		return err
	}
	d.Descriptor, d.Value = descriptor, value
	return nil
}

// Filter is the described-map filter-set carried on Source.Filter.
type Filter map[Symbol]*DescribedType

func (f Filter) marshal(wr *buffer.Buffer) error {
	entries := make([][2]any, 0, len(f))
	for k, v := range f {
		entries = append(entries, [2]any{k, v})
	}
	return writeMapEntries(wr, entries)
}

func (f *Filter) unmarshal(r *buffer.Buffer) error {
	count, err := readMapHeader(r)
	if err != nil {
		return err
	}
	m := make(Filter, count/2)
	for i := uint32(0); i < count; i += 2 {
		var key Symbol
		if err := Unmarshal(r, &key); err != nil {
			return err
		}
		v := new(DescribedType)
		if err := v.unmarshal(r); err != nil {
			return err
		}
		m[key] = v
	}
	*f = m
	return nil
}

// StateReceived, StateAccepted, StateRejected, StateReleased, and
// StateModified are the five AMQP delivery-state outcomes.
type (
	StateReceived struct {
		SectionNumber uint32
		SectionOffset uint64
	}
	StateAccepted struct{}
	StateRejected struct {
		Error *Error
	}
	StateReleased struct{}
	StateModified struct {
		DeliveryFailed     bool
		UndeliverableHere  bool
		MessageAnnotations map[Symbol]any
	}
)

func (*StateReceived) deliveryState() {}
func (*StateAccepted) deliveryState() {}
func (*StateRejected) deliveryState() {}
func (*StateReleased) deliveryState() {}
func (*StateModified) deliveryState() {}

func (s *StateReceived) marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReceived, []MarshalField{
		{Value: &s.SectionNumber},
		{Value: &s.SectionOffset},
	})
}
func (s *StateReceived) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReceived, []UnmarshalField{
		{Field: &s.SectionNumber},
		{Field: &s.SectionOffset},
	})
}

func (s *StateAccepted) marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateAccepted, nil)
}
func (s *StateAccepted) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateAccepted, nil)
}

func (s *StateRejected) marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateRejected, []MarshalField{
		{Value: s.Error, Omit: s.Error == nil},
	})
}
func (s *StateRejected) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateRejected, []UnmarshalField{
		{Field: &s.Error},
	})
}

func (s *StateReleased) marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReleased, nil)
}
func (s *StateReleased) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReleased, nil)
}

func (s *StateModified) marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateModified, []MarshalField{
		{Value: &s.DeliveryFailed, Omit: !s.DeliveryFailed},
		{Value: &s.UndeliverableHere, Omit: !s.UndeliverableHere},
		{Value: s.MessageAnnotations, Omit: len(s.MessageAnnotations) == 0},
	})
}
func (s *StateModified) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateModified, []UnmarshalField{
		{Field: &s.DeliveryFailed},
		{Field: &s.UndeliverableHere},
		{Field: &s.MessageAnnotations},
	})
}

func errNew(s string) error { return fmt.Errorf("%s", s) }
