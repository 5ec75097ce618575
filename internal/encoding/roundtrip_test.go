package encoding

import (
	"bytes"
	"testing"

	"github.com/coreamqp/go-amqp/internal/buffer"
	"github.com/stretchr/testify/require"
)

// roundTrip marshals v, then unmarshals into a fresh zero value of the
// same underlying type via out, and returns the decoded buffer so the
// caller can assert Len() == 0 (no trailing garbage).
func roundTrip(t *testing.T, v any, out any) *buffer.Buffer {
	t.Helper()
	wr := buffer.New(nil)
	require.NoError(t, Marshal(wr, v))
	rd := buffer.New(append([]byte(nil), wr.Bytes()...))
	require.NoError(t, Unmarshal(rd, out))
	return rd
}

func TestRoundTripPrimitives(t *testing.T) {
	t.Run("bool true", func(t *testing.T) {
		var got bool
		roundTrip(t, true, &got)
		require.True(t, got)
	})
	t.Run("bool false", func(t *testing.T) {
		var got bool
		roundTrip(t, false, &got)
		require.False(t, got)
	})
	t.Run("uint8", func(t *testing.T) {
		var got uint8
		roundTrip(t, uint8(200), &got)
		require.Equal(t, uint8(200), got)
	})
	t.Run("uint16", func(t *testing.T) {
		var got uint16
		roundTrip(t, uint16(60000), &got)
		require.Equal(t, uint16(60000), got)
	})
	t.Run("uint32", func(t *testing.T) {
		var got uint32
		roundTrip(t, uint32(4000000000), &got)
		require.Equal(t, uint32(4000000000), got)
	})
	t.Run("uint64", func(t *testing.T) {
		var got uint64
		roundTrip(t, uint64(1)<<63, &got)
		require.Equal(t, uint64(1)<<63, got)
	})
	t.Run("int8 negative", func(t *testing.T) {
		var got int8
		roundTrip(t, int8(-100), &got)
		require.Equal(t, int8(-100), got)
	})
	t.Run("int32 negative", func(t *testing.T) {
		var got int32
		roundTrip(t, int32(-123456), &got)
		require.Equal(t, int32(-123456), got)
	})
	t.Run("int64 negative", func(t *testing.T) {
		var got int64
		roundTrip(t, int64(-1234567890123), &got)
		require.Equal(t, int64(-1234567890123), got)
	})
	t.Run("float32", func(t *testing.T) {
		var got float32
		roundTrip(t, float32(3.14), &got)
		require.Equal(t, float32(3.14), got)
	})
	t.Run("float64", func(t *testing.T) {
		var got float64
		roundTrip(t, float64(2.71828), &got)
		require.Equal(t, float64(2.71828), got)
	})
	t.Run("string", func(t *testing.T) {
		var got string
		roundTrip(t, "hello amqp", &got)
		require.Equal(t, "hello amqp", got)
	})
	t.Run("empty string", func(t *testing.T) {
		var got string
		roundTrip(t, "", &got)
		require.Equal(t, "", got)
	})
	t.Run("binary", func(t *testing.T) {
		var got []byte
		in := []byte{0x00, 0x01, 0xff, 0xfe}
		roundTrip(t, in, &got)
		require.Equal(t, in, got)
	})
}

func TestRoundTripSymbol(t *testing.T) {
	var got Symbol
	roundTrip(t, Symbol("amqp.annotation.x-opt-test"), &got)
	require.Equal(t, Symbol("amqp.annotation.x-opt-test"), got)
}

func TestRoundTripSymbolArray(t *testing.T) {
	var got MultiSymbol
	in := MultiSymbol{"sole.anonymous-relay", "amqp:accept-reachable-only", "shared-subscriptions"}
	roundTrip(t, in, &got)
	require.Equal(t, in, got)
}

func TestRoundTripDescribedComposite(t *testing.T) {
	open := &PerformOpenForTest{ContainerID: "test-container", MaxFrameSize: 512}

	wr := buffer.New(nil)
	require.NoError(t, Marshal(wr, open))

	var got PerformOpenForTest
	rd := buffer.New(append([]byte(nil), wr.Bytes()...))
	require.NoError(t, Unmarshal(rd, &got))

	require.Equal(t, open.ContainerID, got.ContainerID)
	require.Equal(t, open.MaxFrameSize, got.MaxFrameSize)
	require.Zero(t, rd.Len())
}

// Boundary values drawn from the encoding's own vbin8/vbin32 and
// smalluint/uint cutoffs: the shortest-encoding invariant means these
// sizes exercise the format-code selection logic, not just the happy
// path of small test fixtures.
func TestRoundTripBoundaryValues(t *testing.T) {
	t.Run("uint zero", func(t *testing.T) {
		var got uint32
		roundTrip(t, uint32(0), &got)
		require.Equal(t, uint32(0), got)
	})
	t.Run("smalluint max", func(t *testing.T) {
		var got uint32
		roundTrip(t, uint32(255), &got)
		require.Equal(t, uint32(255), got)
	})
	t.Run("uint just above smalluint", func(t *testing.T) {
		var got uint32
		roundTrip(t, uint32(256), &got)
		require.Equal(t, uint32(256), got)
	})
	t.Run("vbin8 boundary length 254", func(t *testing.T) {
		var got []byte
		in := bytes.Repeat([]byte{0xAB}, 254)
		roundTrip(t, in, &got)
		require.Equal(t, in, got)
	})
	t.Run("vbin8 boundary length 255 forces vbin32", func(t *testing.T) {
		var got []byte
		in := bytes.Repeat([]byte{0xCD}, 255)
		roundTrip(t, in, &got)
		require.Equal(t, in, got)
	})
	t.Run("empty str32", func(t *testing.T) {
		var got string
		rd := buffer.New([]byte{byte(TypeCodeStr32), 0, 0, 0, 0})
		require.NoError(t, Unmarshal(rd, &got))
		require.Equal(t, "", got)
		require.Equal(t, 0, rd.Len())
	})
	t.Run("large string forces str32", func(t *testing.T) {
		var got string
		in := string(bytes.Repeat([]byte{'z'}, 70000))
		roundTrip(t, in, &got)
		require.Equal(t, in, got)
	})
}

// PerformOpenForTest is a minimal described-list stand-in used only to
// exercise MarshalComposite/UnmarshalComposite without importing the
// frames package (which would create an import cycle back into
// encoding).
type PerformOpenForTest struct {
	ContainerID  string
	MaxFrameSize uint32
}

func (p *PerformOpenForTest) marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeOpen, []MarshalField{
		{Value: &p.ContainerID, Omit: false},
		{Value: &p.MaxFrameSize, Omit: p.MaxFrameSize == 0},
	})
}

func (p *PerformOpenForTest) unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeOpen, []UnmarshalField{
		{Field: &p.ContainerID, HandleNull: func() error { return nil }},
		{Field: &p.MaxFrameSize},
	})
}
