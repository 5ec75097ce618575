package encoding

import "github.com/coreamqp/go-amqp/internal/buffer"

// SizeProbe returns the number of bytes Marshal would emit for v,
// without retaining the encoded bytes. Link and session code uses
// this to decide whether a message must be fragmented across multiple
// TRANSFER frames before committing to the encoding.
func SizeProbe(v any) (int, error) {
	scratch := buffer.New(nil)
	if err := Marshal(scratch, v); err != nil {
		return 0, err
	}
	return scratch.Len(), nil
}
