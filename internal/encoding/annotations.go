package encoding

import (
	"fmt"

	"github.com/coreamqp/go-amqp/internal/buffer"
)

// Annotations is the ordered-map representation used for the
// delivery-annotations and message-annotations sections. Map values MUST
// preserve insertion/decoding order on the wire, and equal keys are
// rejected on decode, so a plain Go map (unordered, silently overwriting
// dupes) is not sufficient: Annotations pairs a lookup map with the key
// order it was built or decoded in. Application-properties,
// connection/link properties and filter sets are plain Go maps and do
// not keep their wire order.
type Annotations struct {
	m     map[any]any
	order []any
}

// NewAnnotations creates an empty ordered map.
func NewAnnotations() *Annotations {
	return &Annotations{m: make(map[any]any)}
}

// Len returns the number of entries.
func (a *Annotations) Len() int {
	if a == nil {
		return 0
	}
	return len(a.order)
}

// Get looks up key, following decoded-primitive equality (a Symbol key
// is distinct from an equal-valued string key).
func (a *Annotations) Get(key any) (any, bool) {
	if a == nil {
		return nil, false
	}
	v, ok := a.m[key]
	return v, ok
}

// Set inserts key/value, appending to the order if key is new, or
// replacing the value in place if key already exists.
func (a *Annotations) Set(key, value any) {
	if _, exists := a.m[key]; !exists {
		a.order = append(a.order, key)
	}
	a.m[key] = value
}

// Range calls fn for each entry in decode/insertion order.
func (a *Annotations) Range(fn func(key, value any)) {
	if a == nil {
		return
	}
	for _, k := range a.order {
		fn(k, a.m[k])
	}
}

// MarshalValue encodes the map body only, without a described-type
// wrapper, for callers that write their own section descriptor
// (delivery-annotations, message-annotations, footer).
func (a *Annotations) MarshalValue(wr *buffer.Buffer) error { return a.marshal(wr) }

// UnmarshalValue decodes the map body only, the counterpart to
// MarshalValue.
func (a *Annotations) UnmarshalValue(r *buffer.Buffer) error { return a.unmarshal(r) }

func (a *Annotations) marshal(wr *buffer.Buffer) error {
	entries := make([][2]any, 0, a.Len())
	a.Range(func(k, v any) { entries = append(entries, [2]any{k, v}) })
	return writeMapEntries(wr, entries)
}

func (a *Annotations) unmarshal(r *buffer.Buffer) error {
	count, err := readMapHeader(r)
	if err != nil {
		return err
	}
	out := NewAnnotations()
	for i := uint32(0); i < count; i += 2 {
		var key any
		if err := unmarshalAny(r, &key); err != nil {
			return err
		}
		var value any
		if err := unmarshalAny(r, &value); err != nil {
			return err
		}
		if _, dup := out.m[key]; dup {
			return fmt.Errorf("%s: duplicate map key %v", ErrCondDecodeError, key)
		}
		out.order = append(out.order, key)
		out.m[key] = value
	}
	*a = *out
	return nil
}
