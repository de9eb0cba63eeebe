package content

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Blob is an immutable piece of content held by a Store. Callers must not
// modify Data.
type Blob struct {
	Key  string
	Data []byte
	MIME string
	ETag string
}

// NewBlob wraps data under key, inferring its MIME type and computing a strong
// ETag from the BLAKE3 digest of the bytes.
func NewBlob(key string, data []byte) *Blob {
	sum := blake3.Sum256(data)
	return &Blob{
		Key:  key,
		Data: data,
		MIME: InferMIME(key),
		ETag: `"` + hex.EncodeToString(sum[:16]) + `"`,
	}
}

// Size reports the number of content bytes.
func (b *Blob) Size() int64 {
	if b == nil {
		return 0
	}
	return int64(len(b.Data))
}
