package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names the codec wrapped around a tar stream.
type Compression string

const (
	CompressionAuto Compression = "auto"
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// ParseCompression validates a compression name. Empty means auto.
func ParseCompression(raw string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(raw))); c {
	case "":
		return CompressionAuto, nil
	case CompressionAuto, CompressionNone, CompressionGzip, CompressionZstd, CompressionLZ4:
		return c, nil
	case "zst":
		return CompressionZstd, nil
	case "gz":
		return CompressionGzip, nil
	default:
		return "", fmt.Errorf("archive: unknown compression %q", raw)
	}
}

// CompressionFromName guesses the codec from a file name.
func CompressionFromName(name string) Compression {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return CompressionGzip
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return CompressionZstd
	case strings.HasSuffix(lower, ".tar.lz4"):
		return CompressionLZ4
	case path.Ext(lower) == ".tar":
		return CompressionNone
	default:
		return CompressionAuto
	}
}

// sniff peeks at the stream header to pick a codec.
func sniff(br *bufio.Reader) Compression {
	head, _ := br.Peek(4)
	switch {
	case bytes.HasPrefix(head, magicZstd):
		return CompressionZstd
	case bytes.HasPrefix(head, magicLZ4):
		return CompressionLZ4
	case bytes.HasPrefix(head, magicGzip):
		return CompressionGzip
	default:
		return CompressionNone
	}
}

// decompress wraps r according to c. The returned closer releases decoder
// resources and never closes r itself.
func decompress(r io.Reader, c Compression) (io.Reader, func(), error) {
	if c == CompressionAuto || c == "" {
		br := bufio.NewReader(r)
		c = sniff(br)
		r = br
	}
	switch c {
	case CompressionNone:
		return r, func() {}, nil
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: open gzip: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("archive: open zstd: %w", err)
		}
		return dec, dec.Close, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("archive: unsupported compression %q", c)
	}
}
