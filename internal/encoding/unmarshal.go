package encoding

import (
	"fmt"
	"math"
	"time"

	"github.com/coreamqp/go-amqp/internal/buffer"
)

// unmarshaler is implemented by any value with a custom described-type
// decoding.
type unmarshaler interface {
	unmarshal(*buffer.Buffer) error
}

// Unmarshal decodes the next value from r into v, which must be a
// pointer. Integer decoders accept any valid-length encoding of the
// value, not just the shortest form the corresponding Marshal would
// produce.
func Unmarshal(r *buffer.Buffer, v any) error {
	switch t := v.(type) {
	case unmarshaler:
		return t.unmarshal(r)
	case *bool:
		b, err := readBool(r)
		*t = b
		return err
	case **bool:
		return unmarshalOptionalPtr(r, t, readBool)
	case *uint8:
		n, err := readUint(r)
		*t = uint8(n)
		return err
	case *uint16:
		n, err := readUint(r)
		*t = uint16(n)
		return err
	case *uint32:
		n, err := readUint(r)
		*t = uint32(n)
		return err
	case **uint32:
		return unmarshalOptionalPtrU32(r, t)
	case *uint64:
		n, err := readUint(r)
		*t = n
		return err
	case *uint:
		n, err := readUint(r)
		*t = uint(n)
		return err
	case *int8:
		n, err := readInt(r)
		*t = int8(n)
		return err
	case *int16:
		n, err := readInt(r)
		*t = int16(n)
		return err
	case *int32:
		n, err := readInt(r)
		*t = int32(n)
		return err
	case *int64:
		n, err := readInt(r)
		*t = n
		return err
	case *int:
		n, err := readInt(r)
		*t = int(n)
		return err
	case *float32:
		f, err := readFloat32(r)
		*t = f
		return err
	case *float64:
		f, err := readFloat64(r)
		*t = f
		return err
	case *string:
		s, err := readString(r)
		*t = s
		return err
	case *[]byte:
		b, err := readBinary(r)
		*t = b
		return err
	case *Symbol:
		s, err := readSymbol(r)
		*t = Symbol(s)
		return err
	case *MultiSymbol:
		return unmarshalMultiSymbol(r, t)
	case *time.Time:
		ts, err := readTimestamp(r)
		*t = ts
		return err
	case *Milliseconds:
		n, err := readUint(r)
		*t = Milliseconds(time.Duration(n) * time.Millisecond)
		return err
	case *UUID:
		u, err := readUUID(r)
		*t = u
		return err
	case *map[string]any:
		return unmarshalMapStringAny(r, t)
	case *map[Symbol]any:
		return unmarshalMapSymbolAny(r, t)
	case *Role:
		b, err := readBool(r)
		*t = Role(b)
		return err
	case *SenderSettleMode:
		n, err := readUint(r)
		*t = SenderSettleMode(n)
		return err
	case **SenderSettleMode:
		return unmarshalSSM(r, t)
	case *ReceiverSettleMode:
		n, err := readUint(r)
		*t = ReceiverSettleMode(n)
		return err
	case **ReceiverSettleMode:
		return unmarshalRSM(r, t)
	case *Durability:
		n, err := readUint(r)
		*t = Durability(n)
		return err
	case *ExpiryPolicy:
		s, err := readSymbolOrNull(r)
		if err != nil {
			return err
		}
		*t = ExpiryPolicy(s)
		return nil
	case *ErrCond:
		return t.unmarshal(r)
	case *DeliveryState:
		return unmarshalDeliveryState(r, t)
	case *any:
		return unmarshalAny(r, t)
	default:
		return fmt.Errorf("encoding: unmarshal: unsupported type %T", v)
	}
}

func typeCode(r *buffer.Buffer) (AMQPType, error) {
	b, err := r.PeekByte()
	return AMQPType(b), err
}

func readBool(r *buffer.Buffer) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	switch AMQPType(b) {
	case TypeCodeNull:
		return false, nil
	case TypeCodeBoolTrue:
		return true, nil
	case TypeCodeBoolFalse:
		return false, nil
	case TypeCodeBool:
		v, err := r.ReadByte()
		return v != 0, err
	default:
		return false, fmt.Errorf("%s: invalid bool type code 0x%x", ErrCondDecodeError, b)
	}
}

// readUint accepts any of the unsigned encodings regardless of the
// target width, per the "decoders MUST accept any valid form" rule.
func readUint(r *buffer.Buffer) (uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch AMQPType(b) {
	case TypeCodeNull:
		return 0, nil
	case TypeCodeUint0, TypeCodeUlong0:
		return 0, nil
	case TypeCodeUbyte, TypeCodeSmallUint, TypeCodeSmallUlong:
		v, err := r.ReadByte()
		return uint64(v), err
	case TypeCodeUshort:
		v, err := r.ReadUint16()
		return uint64(v), err
	case TypeCodeUint:
		v, err := r.ReadUint32()
		return uint64(v), err
	case TypeCodeUlong:
		return r.ReadUint64()
	default:
		return 0, fmt.Errorf("%s: invalid unsigned int type code 0x%x", ErrCondDecodeError, b)
	}
}

func readInt(r *buffer.Buffer) (int64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch AMQPType(b) {
	case TypeCodeNull:
		return 0, nil
	case TypeCodeByte, TypeCodeSmallint, TypeCodeSmalllong:
		v, err := r.ReadByte()
		return int64(int8(v)), err
	case TypeCodeShort:
		v, err := r.ReadUint16()
		return int64(int16(v)), err
	case TypeCodeInt:
		v, err := r.ReadUint32()
		return int64(int32(v)), err
	case TypeCodeLong:
		v, err := r.ReadUint64()
		return int64(v), err
	default:
		return 0, fmt.Errorf("%s: invalid signed int type code 0x%x", ErrCondDecodeError, b)
	}
}

func readFloat32(r *buffer.Buffer) (float32, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if AMQPType(b) == TypeCodeNull {
		return 0, nil
	}
	if AMQPType(b) != TypeCodeFloat {
		return 0, fmt.Errorf("%s: invalid float type code 0x%x", ErrCondDecodeError, b)
	}
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func readFloat64(r *buffer.Buffer) (float64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if AMQPType(b) == TypeCodeNull {
		return 0, nil
	}
	if AMQPType(b) != TypeCodeDouble {
		return 0, fmt.Errorf("%s: invalid double type code 0x%x", ErrCondDecodeError, b)
	}
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

func readTimestamp(r *buffer.Buffer) (time.Time, error) {
	b, err := r.ReadByte()
	if err != nil {
		return time.Time{}, err
	}
	if AMQPType(b) == TypeCodeNull {
		return time.Time{}, nil
	}
	if AMQPType(b) != TypeCodeTimestamp {
		return time.Time{}, fmt.Errorf("%s: invalid timestamp type code 0x%x", ErrCondDecodeError, b)
	}
	ms, err := r.ReadUint64()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

func readUUID(r *buffer.Buffer) (UUID, error) {
	var u UUID
	b, err := r.ReadByte()
	if err != nil {
		return u, err
	}
	if AMQPType(b) == TypeCodeNull {
		return u, nil
	}
	if AMQPType(b) != TypeCodeUUID {
		return u, fmt.Errorf("%s: invalid uuid type code 0x%x", ErrCondDecodeError, b)
	}
	raw, err := r.Next(16)
	if err != nil {
		return u, err
	}
	copy(u[:], raw)
	return u, nil
}

// readBinary accepts both vbin8 and vbin32 regardless of length, since
// some peers emit the 32-bit form even for short payloads.
func readBinary(r *buffer.Buffer) ([]byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch AMQPType(b) {
	case TypeCodeNull:
		return nil, nil
	case TypeCodeVbin8:
		n, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return copyBytes(r, int64(n))
	case TypeCodeVbin32:
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		return copyBytes(r, int64(n))
	default:
		return nil, fmt.Errorf("%s: invalid binary type code 0x%x", ErrCondDecodeError, b)
	}
}

func readString(r *buffer.Buffer) (string, error) {
	b, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	switch AMQPType(b) {
	case TypeCodeNull:
		return "", nil
	case TypeCodeStr8:
		n, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		raw, err := copyBytes(r, int64(n))
		return string(raw), err
	case TypeCodeStr32:
		n, err := r.ReadUint32()
		if err != nil {
			return "", err
		}
		raw, err := copyBytes(r, int64(n))
		return string(raw), err
	default:
		return "", fmt.Errorf("%s: invalid string type code 0x%x", ErrCondDecodeError, b)
	}
}

func readSymbol(r *buffer.Buffer) (string, error) {
	b, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	switch AMQPType(b) {
	case TypeCodeNull:
		return "", nil
	case TypeCodeSym8:
		n, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		raw, err := copyBytes(r, int64(n))
		return string(raw), err
	case TypeCodeSym32:
		n, err := r.ReadUint32()
		if err != nil {
			return "", err
		}
		raw, err := copyBytes(r, int64(n))
		return string(raw), err
	default:
		return "", fmt.Errorf("%s: invalid symbol type code 0x%x", ErrCondDecodeError, b)
	}
}

func readSymbolOrNull(r *buffer.Buffer) (string, error) {
	return readSymbol(r)
}

func copyBytes(r *buffer.Buffer, n int64) ([]byte, error) {
	raw, err := r.Next(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// unmarshalMultiSymbol decodes a symbol array, and also tolerates a
// lone non-array symbol in the array's place (observed interop need),
// decoding it as a one-element slice.
func unmarshalMultiSymbol(r *buffer.Buffer, out *MultiSymbol) error {
	code, err := typeCode(r)
	if err != nil {
		return err
	}
	switch code {
	case TypeCodeNull:
		r.ReadByte()
		*out = nil
		return nil
	case TypeCodeSym8, TypeCodeSym32:
		s, err := readSymbol(r)
		if err != nil {
			return err
		}
		*out = MultiSymbol{Symbol(s)}
		return nil
	case TypeCodeArray8, TypeCodeArray32:
		count, elemCode, body, err := readArrayHeader(r)
		if err != nil {
			return err
		}
		elems := buffer.New(body)
		out2 := make(MultiSymbol, 0, count)
		for i := uint32(0); i < count; i++ {
			s, err := readSymbolElement(elems, elemCode)
			if err != nil {
				return err
			}
			out2 = append(out2, Symbol(s))
		}
		*out = out2
		return nil
	default:
		return fmt.Errorf("%s: invalid symbol array type code 0x%x", ErrCondDecodeError, byte(code))
	}
}

func readSymbolElement(r *buffer.Buffer, elemCode AMQPType) (string, error) {
	switch elemCode {
	case TypeCodeSym8:
		n, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		raw, err := copyBytes(r, int64(n))
		return string(raw), err
	case TypeCodeSym32:
		n, err := r.ReadUint32()
		if err != nil {
			return "", err
		}
		raw, err := copyBytes(r, int64(n))
		return string(raw), err
	default:
		return "", fmt.Errorf("%s: unexpected array element code 0x%x", ErrCondDecodeError, byte(elemCode))
	}
}

// readArrayHeader returns the element count, the shared element
// format code, and the remaining (element-encoded) body.
func readArrayHeader(r *buffer.Buffer) (count uint32, elemCode AMQPType, body []byte, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, 0, nil, err
	}
	switch AMQPType(b) {
	case TypeCodeArray8:
		size, err := r.ReadByte()
		if err != nil {
			return 0, 0, nil, err
		}
		c, err := r.ReadByte()
		if err != nil {
			return 0, 0, nil, err
		}
		code, err := r.ReadByte()
		if err != nil {
			return 0, 0, nil, err
		}
		body, err = r.Next(int64(size) - 2)
		return uint32(c), AMQPType(code), body, err
	case TypeCodeArray32:
		size, err := r.ReadUint32()
		if err != nil {
			return 0, 0, nil, err
		}
		c, err := r.ReadUint32()
		if err != nil {
			return 0, 0, nil, err
		}
		code, err := r.ReadByte()
		if err != nil {
			return 0, 0, nil, err
		}
		body, err = r.Next(int64(size) - 5)
		return c, AMQPType(code), body, err
	default:
		return 0, 0, nil, fmt.Errorf("%s: invalid array type code 0x%x", ErrCondDecodeError, b)
	}
}

// readMapHeader consumes the map constructor and returns the element
// count (keys+values, so always even).
func readMapHeader(r *buffer.Buffer) (uint32, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch AMQPType(b) {
	case TypeCodeNull:
		return 0, nil
	case TypeCodeMap8:
		if _, err := r.ReadByte(); err != nil { // size
			return 0, err
		}
		c, err := r.ReadByte()
		return uint32(c), err
	case TypeCodeMap32:
		if _, err := r.ReadUint32(); err != nil { // size
			return 0, err
		}
		return r.ReadUint32()
	default:
		return 0, fmt.Errorf("%s: invalid map type code 0x%x", ErrCondDecodeError, b)
	}
}

func unmarshalMapStringAny(r *buffer.Buffer, out *map[string]any) error {
	count, err := readMapHeader(r)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	m := make(map[string]any, count/2)
	for i := uint32(0); i < count; i += 2 {
		var k string
		if err := Unmarshal(r, &k); err != nil {
			return err
		}
		var v any
		if err := unmarshalAny(r, &v); err != nil {
			return err
		}
		if _, dup := m[k]; dup {
			return fmt.Errorf("%s: duplicate map key %q", ErrCondDecodeError, k)
		}
		m[k] = v
	}
	*out = m
	return nil
}

func unmarshalMapSymbolAny(r *buffer.Buffer, out *map[Symbol]any) error {
	count, err := readMapHeader(r)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	m := make(map[Symbol]any, count/2)
	for i := uint32(0); i < count; i += 2 {
		var k Symbol
		if err := Unmarshal(r, &k); err != nil {
			return err
		}
		var v any
		if err := unmarshalAny(r, &v); err != nil {
			return err
		}
		if _, dup := m[k]; dup {
			return fmt.Errorf("%s: duplicate map key %q", ErrCondDecodeError, string(k))
		}
		m[k] = v
	}
	*out = m
	return nil
}

// unmarshalAny decodes the next value into an untyped any, picking the
// most natural Go representation for its wire type code.
func unmarshalAny(r *buffer.Buffer, out *any) error {
	code, err := typeCode(r)
	if err != nil {
		return err
	}
	switch code {
	case TypeCodeNull:
		r.ReadByte()
		*out = nil
	case TypeCodeBoolTrue, TypeCodeBoolFalse, TypeCodeBool:
		v, err := readBool(r)
		*out = v
		return err
	case TypeCodeUbyte, TypeCodeSmallUint, TypeCodeUint0, TypeCodeUshort, TypeCodeUint,
		TypeCodeSmallUlong, TypeCodeUlong0, TypeCodeUlong:
		v, err := readUint(r)
		*out = v
		return err
	case TypeCodeByte, TypeCodeSmallint, TypeCodeShort, TypeCodeInt, TypeCodeSmalllong, TypeCodeLong:
		v, err := readInt(r)
		*out = v
		return err
	case TypeCodeFloat:
		v, err := readFloat32(r)
		*out = v
		return err
	case TypeCodeDouble:
		v, err := readFloat64(r)
		*out = v
		return err
	case TypeCodeTimestamp:
		v, err := readTimestamp(r)
		*out = v
		return err
	case TypeCodeUUID:
		v, err := readUUID(r)
		*out = v
		return err
	case TypeCodeVbin8, TypeCodeVbin32:
		v, err := readBinary(r)
		*out = v
		return err
	case TypeCodeStr8, TypeCodeStr32:
		v, err := readString(r)
		*out = v
		return err
	case TypeCodeSym8, TypeCodeSym32:
		v, err := readSymbol(r)
		*out = Symbol(v)
		return err
	case TypeCodeList0, TypeCodeList8, TypeCodeList32:
		return unmarshalAnyList(r, out)
	case TypeCodeMap8, TypeCodeMap32:
		var a Annotations
		if err := a.unmarshal(r); err != nil {
			return err
		}
		*out = &a
		return nil
	case TypeCodeArray8, TypeCodeArray32:
		return unmarshalAnyArray(r, out)
	case 0x00: // described type
		descriptor, value, err := readDescribed(r)
		if err != nil {
			return err
		}
		*out = &DescribedType{Descriptor: descriptor, Value: value}
		return nil
	default:
		return fmt.Errorf("%s: unsupported any type code 0x%x", ErrCondDecodeError, byte(code))
	}
	return nil
}

func unmarshalAnyList(r *buffer.Buffer, out *any) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	var count uint32
	switch AMQPType(b) {
	case TypeCodeList0:
		*out = []any{}
		return nil
	case TypeCodeList8:
		if _, err := r.ReadByte(); err != nil {
			return err
		}
		c, err := r.ReadByte()
		if err != nil {
			return err
		}
		count = uint32(c)
	case TypeCodeList32:
		if _, err := r.ReadUint32(); err != nil {
			return err
		}
		c, err := r.ReadUint32()
		if err != nil {
			return err
		}
		count = c
	default:
		return fmt.Errorf("%s: invalid list type code 0x%x", ErrCondDecodeError, b)
	}
	items := make([]any, count)
	for i := range items {
		if err := unmarshalAny(r, &items[i]); err != nil {
			return err
		}
	}
	*out = items
	return nil
}

func unmarshalAnyArray(r *buffer.Buffer, out *any) error {
	count, elemCode, body, err := readArrayHeader(r)
	if err != nil {
		return err
	}
	elems := buffer.New(body)
	items := make([]any, count)
	for i := range items {
		items[i], err = readArrayElementAny(elems, elemCode)
		if err != nil {
			return err
		}
	}
	*out = items
	return nil
}

// readArrayElementAny decodes one array element given the array's
// shared element format code (elements don't carry their own
// constructor byte).
func readArrayElementAny(r *buffer.Buffer, elemCode AMQPType) (any, error) {
	switch elemCode {
	case TypeCodeSym8:
		s, err := readSymbolElement(r, elemCode)
		return Symbol(s), err
	case TypeCodeSym32:
		s, err := readSymbolElement(r, elemCode)
		return Symbol(s), err
	case TypeCodeUint:
		v, err := r.ReadUint32()
		return v, err
	case TypeCodeUlong:
		v, err := r.ReadUint64()
		return v, err
	default:
		return nil, fmt.Errorf("%s: unsupported array element code 0x%x", ErrCondDecodeError, byte(elemCode))
	}
}

// readDescribed consumes a described-type constructor (0x00), its
// descriptor, and its underlying value.
func readDescribed(r *buffer.Buffer) (descriptor any, value any, err error) {
	if _, err = r.ReadByte(); err != nil { // consume 0x00
		return nil, nil, err
	}
	if err = unmarshalAny(r, &descriptor); err != nil {
		return nil, nil, err
	}
	if err = unmarshalAny(r, &value); err != nil {
		return nil, nil, err
	}
	return descriptor, value, nil
}

func unmarshalDeliveryState(r *buffer.Buffer, out *DeliveryState) error {
	code, err := typeCode(r)
	if err != nil {
		return err
	}
	if code == TypeCodeNull {
		r.ReadByte()
		*out = nil
		return nil
	}
	if code != 0x00 {
		return fmt.Errorf("%s: expected described delivery-state, got 0x%x", ErrCondDecodeError, byte(code))
	}
	save := *r
	r.ReadByte()
	var descCode uint64
	if err := Unmarshal(r, &descCode); err != nil {
		return err
	}
	*r = save
	switch AMQPType(descCode) {
	case TypeCodeStateReceived:
		v := new(StateReceived)
		if err := v.unmarshal(r); err != nil {
			return err
		}
		*out = v
	case TypeCodeStateAccepted:
		v := new(StateAccepted)
		if err := v.unmarshal(r); err != nil {
			return err
		}
		*out = v
	case TypeCodeStateRejected:
		v := new(StateRejected)
		if err := v.unmarshal(r); err != nil {
			return err
		}
		*out = v
	case TypeCodeStateReleased:
		v := new(StateReleased)
		if err := v.unmarshal(r); err != nil {
			return err
		}
		*out = v
	case TypeCodeStateModified:
		v := new(StateModified)
		if err := v.unmarshal(r); err != nil {
			return err
		}
		*out = v
	default:
		return fmt.Errorf("%s: unknown delivery-state descriptor 0x%x", ErrCondDecodeError, descCode)
	}
	return nil
}

func unmarshalOptionalPtr[T any](r *buffer.Buffer, out **T, read func(*buffer.Buffer) (T, error)) error {
	code, err := typeCode(r)
	if err != nil {
		return err
	}
	if code == TypeCodeNull {
		r.ReadByte()
		*out = nil
		return nil
	}
	v, err := read(r)
	if err != nil {
		return err
	}
	*out = &v
	return nil
}

func unmarshalOptionalPtrU32(r *buffer.Buffer, out **uint32) error {
	code, err := typeCode(r)
	if err != nil {
		return err
	}
	if code == TypeCodeNull {
		r.ReadByte()
		*out = nil
		return nil
	}
	n, err := readUint(r)
	if err != nil {
		return err
	}
	v := uint32(n)
	*out = &v
	return nil
}

func unmarshalSSM(r *buffer.Buffer, out **SenderSettleMode) error {
	code, err := typeCode(r)
	if err != nil {
		return err
	}
	if code == TypeCodeNull {
		r.ReadByte()
		*out = nil
		return nil
	}
	n, err := readUint(r)
	if err != nil {
		return err
	}
	v := SenderSettleMode(n)
	*out = &v
	return nil
}

func unmarshalRSM(r *buffer.Buffer, out **ReceiverSettleMode) error {
	code, err := typeCode(r)
	if err != nil {
		return err
	}
	if code == TypeCodeNull {
		r.ReadByte()
		*out = nil
		return nil
	}
	n, err := readUint(r)
	if err != nil {
		return err
	}
	v := ReceiverSettleMode(n)
	*out = &v
	return nil
}

// UnmarshalField pairs a decode target with an optional handleNull
// callback, invoked when the field is absent (either because the
// compound ran out of elements, or the element is an explicit null)
// so schema defaults can be applied.
type UnmarshalField struct {
	Field      any
	HandleNull func() error
}

// UnmarshalComposite validates the 0x00 descriptor + code, then walks
// the list body positionally against fields, applying schema defaults
// for any field beyond what the wire actually encoded (the "missing
// trailing fields decode as null" rule).
func UnmarshalComposite(r *buffer.Buffer, code AMQPType, fields []UnmarshalField) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b != 0x00 {
		return fmt.Errorf("%s: expected described type, got 0x%x", ErrCondDecodeError, b)
	}
	var gotCode uint64
	if err := Unmarshal(r, &gotCode); err != nil {
		return err
	}
	if AMQPType(gotCode) != code {
		return fmt.Errorf("%s: expected descriptor 0x%x, got 0x%x", ErrCondDecodeError, code, gotCode)
	}

	count, isList, err := readCompoundHeader(r)
	if err != nil {
		return err
	}
	if !isList {
		return fmt.Errorf("%s: expected list body for composite 0x%x", ErrCondDecodeError, code)
	}

	for i, f := range fields {
		if uint32(i) >= count {
			if f.HandleNull != nil {
				if err := f.HandleNull(); err != nil {
					return err
				}
			}
			continue
		}
		if isNullNext(r) {
			r.ReadByte()
			if f.HandleNull != nil {
				if err := f.HandleNull(); err != nil {
					return err
				}
			}
			continue
		}
		if err := Unmarshal(r, f.Field); err != nil {
			return err
		}
	}
	return nil
}

func isNullNext(r *buffer.Buffer) bool {
	b, err := r.PeekByte()
	return err == nil && AMQPType(b) == TypeCodeNull
}

// readCompoundHeader consumes a list or map constructor and returns
// the element count and whether it was a list (false means map).
func readCompoundHeader(r *buffer.Buffer) (count uint32, isList bool, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, false, err
	}
	switch AMQPType(b) {
	case TypeCodeList0:
		return 0, true, nil
	case TypeCodeList8:
		if _, err := r.ReadByte(); err != nil {
			return 0, false, err
		}
		c, err := r.ReadByte()
		return uint32(c), true, err
	case TypeCodeList32:
		if _, err := r.ReadUint32(); err != nil {
			return 0, false, err
		}
		c, err := r.ReadUint32()
		return c, true, err
	case TypeCodeMap8, TypeCodeMap32:
		return 0, false, fmt.Errorf("%s: unexpected map where list expected", ErrCondDecodeError)
	default:
		return 0, false, fmt.Errorf("%s: invalid compound type code 0x%x", ErrCondDecodeError, b)
	}
}
