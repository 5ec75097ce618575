package encoding

import (
	"fmt"
	"math"
	"time"

	"github.com/coreamqp/go-amqp/internal/buffer"
)

// marshaler is implemented by any value with a custom described-type
// encoding (performatives, Source/Target/Error/delivery states, ...).
type marshaler interface {
	marshal(*buffer.Buffer) error
}

// Marshal encodes v into wr using the shortest valid wire form.
func Marshal(wr *buffer.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		wr.WriteByte(byte(TypeCodeNull))
	case marshaler:
		return t.marshal(wr)
	case bool:
		writeBool(wr, t)
	case *bool:
		writeBool(wr, *t)
	case uint:
		writeUint64(wr, uint64(t))
	case *uint:
		writeUint64(wr, uint64(*t))
	case uint64:
		writeUint64(wr, t)
	case *uint64:
		writeUint64(wr, *t)
	case uint32:
		writeUint32(wr, t)
	case *uint32:
		writeUint32(wr, *t)
	case uint16:
		wr.WriteByte(byte(TypeCodeUshort))
		wr.WriteUint16(t)
	case *uint16:
		wr.WriteByte(byte(TypeCodeUshort))
		wr.WriteUint16(*t)
	case uint8:
		wr.Write([]byte{byte(TypeCodeUbyte), t})
	case *uint8:
		wr.Write([]byte{byte(TypeCodeUbyte), *t})
	case int:
		writeInt64(wr, int64(t))
	case *int:
		writeInt64(wr, int64(*t))
	case int8:
		wr.Write([]byte{byte(TypeCodeByte), uint8(t)})
	case *int8:
		wr.Write([]byte{byte(TypeCodeByte), uint8(*t)})
	case int16:
		wr.WriteByte(byte(TypeCodeShort))
		wr.WriteUint16(uint16(t))
	case *int16:
		wr.WriteByte(byte(TypeCodeShort))
		wr.WriteUint16(uint16(*t))
	case int32:
		writeInt32(wr, t)
	case *int32:
		writeInt32(wr, *t)
	case int64:
		writeInt64(wr, t)
	case *int64:
		writeInt64(wr, *t)
	case float32:
		writeFloat(wr, t)
	case *float32:
		writeFloat(wr, *t)
	case float64:
		writeDouble(wr, t)
	case *float64:
		writeDouble(wr, *t)
	case string:
		return writeString(wr, t)
	case *string:
		return writeString(wr, *t)
	case []byte:
		return writeBinary(wr, t)
	case Symbol:
		return t.marshal(wr)
	case *Symbol:
		return t.marshal(wr)
	case MultiSymbol:
		return writeSymbolArray(wr, t)
	case *MultiSymbol:
		return writeSymbolArray(wr, *t)
	case time.Time:
		writeTimestamp(wr, t)
	case *time.Time:
		writeTimestamp(wr, *t)
	case Milliseconds:
		return t.marshal(wr)
	case *Milliseconds:
		return t.marshal(wr)
	case UUID:
		writeUUID(wr, t)
	case *UUID:
		writeUUID(wr, *t)
	case map[string]any:
		return writeMap(wr, t)
	case map[Symbol]any:
		return writeMap(wr, t)
	case *map[Symbol]any:
		if *t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		return writeMap(wr, *t)
	case Role:
		writeBool(wr, bool(t))
	case *Role:
		writeBool(wr, bool(*t))
	case SenderSettleMode:
		wr.Write([]byte{byte(TypeCodeUbyte), byte(t)})
	case *SenderSettleMode:
		wr.Write([]byte{byte(TypeCodeUbyte), byte(*t)})
	case ReceiverSettleMode:
		wr.Write([]byte{byte(TypeCodeUbyte), byte(t)})
	case *ReceiverSettleMode:
		wr.Write([]byte{byte(TypeCodeUbyte), byte(*t)})
	case Durability:
		writeUint32(wr, uint32(t))
	case *Durability:
		writeUint32(wr, uint32(*t))
	case ExpiryPolicy:
		return Symbol(t).marshal(wr)
	case *ExpiryPolicy:
		return Symbol(*t).marshal(wr)
	case ErrCond:
		return t.marshal(wr)
	case *ErrCond:
		return t.marshal(wr)
	case *any:
		if t == nil || *t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		return Marshal(wr, *t)
	case DeliveryState:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		if m, ok := t.(marshaler); ok {
			return m.marshal(wr)
		}
		return fmt.Errorf("encoding: delivery state %T has no marshaler", t)
	default:
		return fmt.Errorf("encoding: marshal: unsupported type %T", v)
	}
	return nil
}

func writeBool(wr *buffer.Buffer, b bool) {
	if b {
		wr.WriteByte(byte(TypeCodeBoolTrue))
	} else {
		wr.WriteByte(byte(TypeCodeBoolFalse))
	}
}

func writeUint32(wr *buffer.Buffer, n uint32) {
	switch {
	case n == 0:
		wr.WriteByte(byte(TypeCodeUint0))
	case n <= math.MaxUint8:
		wr.Write([]byte{byte(TypeCodeSmallUint), byte(n)})
	default:
		wr.WriteByte(byte(TypeCodeUint))
		wr.WriteUint32(n)
	}
}

func writeUint64(wr *buffer.Buffer, n uint64) {
	switch {
	case n == 0:
		wr.WriteByte(byte(TypeCodeUlong0))
	case n <= math.MaxUint8:
		wr.Write([]byte{byte(TypeCodeSmallUlong), byte(n)})
	default:
		wr.WriteByte(byte(TypeCodeUlong))
		wr.WriteUint64(n)
	}
}

func writeInt32(wr *buffer.Buffer, n int32) {
	if n >= math.MinInt8 && n <= math.MaxInt8 {
		wr.Write([]byte{byte(TypeCodeSmallint), byte(n)})
		return
	}
	wr.WriteByte(byte(TypeCodeInt))
	wr.WriteUint32(uint32(n))
}

func writeInt64(wr *buffer.Buffer, n int64) {
	if n >= math.MinInt8 && n <= math.MaxInt8 {
		wr.Write([]byte{byte(TypeCodeSmalllong), byte(n)})
		return
	}
	wr.WriteByte(byte(TypeCodeLong))
	wr.WriteUint64(uint64(n))
}

func writeFloat(wr *buffer.Buffer, f float32) {
	wr.WriteByte(byte(TypeCodeFloat))
	wr.WriteUint32(math.Float32bits(f))
}

func writeDouble(wr *buffer.Buffer, f float64) {
	wr.WriteByte(byte(TypeCodeDouble))
	wr.WriteUint64(math.Float64bits(f))
}

func writeTimestamp(wr *buffer.Buffer, t time.Time) {
	wr.WriteByte(byte(TypeCodeTimestamp))
	wr.WriteUint64(uint64(t.UnixNano() / int64(time.Millisecond)))
}

func writeUUID(wr *buffer.Buffer, u UUID) {
	wr.WriteByte(byte(TypeCodeUUID))
	wr.Append(u[:])
}

func writeBinary(wr *buffer.Buffer, b []byte) error {
	if len(b) < 255 {
		wr.Write([]byte{byte(TypeCodeVbin8), byte(len(b))})
		wr.Append(b)
		return nil
	}
	if uint(len(b)) > math.MaxUint32 {
		return fmt.Errorf("encoding: binary too large (%d bytes)", len(b))
	}
	wr.WriteByte(byte(TypeCodeVbin32))
	wr.WriteUint32(uint32(len(b)))
	wr.Append(b)
	return nil
}

func writeString(wr *buffer.Buffer, s string) error {
	if len(s) < 256 {
		wr.Write([]byte{byte(TypeCodeStr8), byte(len(s))})
		wr.Append([]byte(s))
		return nil
	}
	if uint(len(s)) > math.MaxUint32 {
		return fmt.Errorf("encoding: string too large (%d bytes)", len(s))
	}
	wr.WriteByte(byte(TypeCodeStr32))
	wr.WriteUint32(uint32(len(s)))
	wr.Append([]byte(s))
	return nil
}

func (s Symbol) marshal(wr *buffer.Buffer) error {
	if len(s) < 256 {
		wr.Write([]byte{byte(TypeCodeSym8), byte(len(s))})
		wr.Append([]byte(s))
		return nil
	}
	if uint(len(s)) > math.MaxUint32 {
		return fmt.Errorf("encoding: symbol too large (%d bytes)", len(s))
	}
	wr.WriteByte(byte(TypeCodeSym32))
	wr.WriteUint32(uint32(len(s)))
	wr.Append([]byte(s))
	return nil
}

// writeSymbolArray encodes a MultiSymbol as an AMQP array: a single
// shared element format code (sym32, to keep every element's length
// prefix a uniform width) followed by the raw per-element encodings.
// A single-element array still encodes as an array, per spec; the
// decoder separately tolerates a lone non-array symbol in its place.
func writeSymbolArray(wr *buffer.Buffer, syms MultiSymbol) error {
	if len(syms) == 0 {
		wr.WriteByte(byte(TypeCodeNull))
		return nil
	}
	var body buffer.Buffer
	body.WriteByte(byte(TypeCodeSym32))
	for _, s := range syms {
		if uint(len(s)) > math.MaxUint32 {
			return fmt.Errorf("encoding: symbol too large (%d bytes)", len(s))
		}
		body.WriteUint32(uint32(len(s)))
		body.Append([]byte(s))
	}
	return writeArrayCompound(wr, uint32(len(syms)), body.Bytes())
}

// writeArrayCompound wraps a pre-encoded "element code + elements"
// body with the array8/array32 count+size prefix.
func writeArrayCompound(wr *buffer.Buffer, count uint32, body []byte) error {
	if len(body)+1 <= 0xFF {
		wr.WriteByte(byte(TypeCodeArray8))
		wr.WriteByte(byte(len(body) + 1))
		wr.WriteByte(byte(count))
		wr.Append(body)
		return nil
	}
	if uint64(len(body))+4 > math.MaxUint32 {
		return fmt.Errorf("encoding: array body too large (%d bytes)", len(body))
	}
	wr.WriteByte(byte(TypeCodeArray32))
	wr.WriteUint32(uint32(len(body) + 4))
	wr.WriteUint32(count)
	wr.Append(body)
	return nil
}

// MarshalField pairs a value to encode with an omit flag used by
// MarshalComposite to trim trailing nulls and skip unset optional
// fields.
type MarshalField struct {
	Value any
	Omit  bool
}

// MarshalComposite writes a composite (described list) value: the
// 0x00 descriptor constructor, the descriptor code (as a small ulong),
// then a list containing each non-omitted field up to the last
// present one (trailing omitted fields are simply not encoded,
// per the "missing trailing fields decode as null" rule).
func MarshalComposite(wr *buffer.Buffer, code AMQPType, fields []MarshalField) error {
	wr.WriteByte(0x00) // descriptor constructor
	writeUint64(wr, uint64(code))

	// determine how many fields must actually be written: up to and
	// including the last non-omitted field.
	lastSet := -1
	for i, f := range fields {
		if !f.Omit {
			lastSet = i
		}
	}

	if lastSet == -1 {
		wr.WriteByte(byte(TypeCodeList0))
		return nil
	}

	fields = fields[:lastSet+1]

	// probe body size to choose list8 vs list32.
	var body buffer.Buffer
	for _, f := range fields {
		if f.Omit {
			body.WriteByte(byte(TypeCodeNull))
			continue
		}
		if err := Marshal(&body, f.Value); err != nil {
			return err
		}
	}

	return writeCompound(wr, TypeCodeList8, TypeCodeList32, uint32(len(fields)), body.Bytes())
}

func writeCompound(wr *buffer.Buffer, code8, code32 AMQPType, count uint32, body []byte) error {
	if len(body)+1 <= 0xFF {
		wr.WriteByte(byte(code8))
		wr.WriteByte(byte(len(body) + 1))
		wr.WriteByte(byte(count))
		wr.Append(body)
		return nil
	}
	if uint64(len(body))+4 > math.MaxUint32 {
		return fmt.Errorf("encoding: compound body too large (%d bytes)", len(body))
	}
	wr.WriteByte(byte(code32))
	wr.WriteUint32(uint32(len(body) + 4))
	wr.WriteUint32(count)
	wr.Append(body)
	return nil
}

func writeMap(wr *buffer.Buffer, m any) error {
	entries, err := mapEntries(m)
	if err != nil {
		return err
	}
	return writeMapEntries(wr, entries)
}

// writeMapEntries encodes a caller-ordered key/value slice as map8/
// map32. Iteration order of the slice becomes wire order, which is
// what preserves insertion order for the ordered-map types.
func writeMapEntries(wr *buffer.Buffer, entries [][2]any) error {
	var body buffer.Buffer
	for _, kv := range entries {
		if err := Marshal(&body, kv[0]); err != nil {
			return err
		}
		if err := Marshal(&body, kv[1]); err != nil {
			return err
		}
	}
	return writeCompound(wr, TypeCodeMap8, TypeCodeMap32, uint32(len(entries)*2), body.Bytes())
}

// mapEntries flattens a plain (unordered) Go map into a key/value
// slice for encoding. Go's map iteration order is randomized, which is
// acceptable here because these call sites (Error.Info, Source/Target
// properties, Open/Begin "fields") are not subject to the ordered-map
// invariant that Annotations exists to provide.
func mapEntries(m any) ([][2]any, error) {
	switch t := m.(type) {
	case map[string]any:
		out := make([][2]any, 0, len(t))
		for k, v := range t {
			out = append(out, [2]any{k, v})
		}
		return out, nil
	case map[Symbol]any:
		out := make([][2]any, 0, len(t))
		for k, v := range t {
			out = append(out, [2]any{k, v})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("encoding: unsupported map type %T", m)
	}
}

func (m Milliseconds) marshal(wr *buffer.Buffer) error {
	writeUint32(wr, uint32(time.Duration(m)/time.Millisecond))
	return nil
}
