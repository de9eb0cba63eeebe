package content

import (
	"bytes"
	"fmt"
	"io"
)

// ReadEntry reads r to completion. sizeHint pre-sizes the buffer when known.
// A non-negative limit bounds how many bytes may be read before ErrTooLarge.
func ReadEntry(r io.Reader, sizeHint, limit int64) ([]byte, error) {
	if limit >= 0 && sizeHint > limit {
		return nil, fmt.Errorf("%w (entry of %d bytes)", ErrTooLarge, sizeHint)
	}
	var buf bytes.Buffer
	if sizeHint > 0 {
		buf.Grow(int(sizeHint))
	}
	src := r
	if limit >= 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := buf.ReadFrom(src)
	if err != nil {
		return nil, err
	}
	if limit >= 0 && n > limit {
		return nil, fmt.Errorf("%w (entry exceeds %d bytes)", ErrTooLarge, limit)
	}
	return buf.Bytes(), nil
}
