// Package archive builds content stores from tar archives, optionally
// compressed with gzip, zstd or lz4.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/content"
)

const sourceName = "archive"

// Options tunes an archive build.
type Options struct {
	Compression Compression
	// MaxBytes caps the total size of the store (0 disables).
	MaxBytes int64
	Logger   pslog.Logger
}

// BuildFile opens path and builds a store from it. With CompressionAuto the
// codec is taken from the file name when it is conclusive, otherwise sniffed.
func BuildFile(ctx context.Context, path string, opts Options) (*content.Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, content.NewBuildError(sourceName, path, err)
	}
	defer f.Close()
	if opts.Compression == "" || opts.Compression == CompressionAuto {
		opts.Compression = CompressionFromName(path)
	}
	return Build(ctx, f, opts)
}

// Build consumes r fully and sequentially. Entries whose header declares size
// zero are skipped; every other entry is keyed by its name with the leading
// "." segment removed, and a repeated name replaces the earlier entry. Any
// header or read failure aborts the build.
func Build(ctx context.Context, r io.Reader, opts Options) (*content.Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	plain, release, err := decompress(r, opts.Compression)
	if err != nil {
		return nil, content.NewBuildError(sourceName, "", err)
	}
	defer release()

	builder := content.NewBuilder(content.BuilderOptions{Source: sourceName, MaxBytes: opts.MaxBytes})
	tr := tar.NewReader(plain)
	skipped := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, content.NewBuildError(sourceName, "", err)
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, content.NewBuildError(sourceName, "", fmt.Errorf("read header: %w", err))
		}
		if hdr.Size == 0 {
			skipped++
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			skipped++
			logger.Debug("content.archive.skip", "entry", hdr.Name, "type", string(hdr.Typeflag))
			continue
		}
		key := content.KeyFromRelative(hdr.Name)
		if key == "" {
			skipped++
			continue
		}
		data, err := content.ReadEntry(tr, hdr.Size, builder.RemainingFor(key))
		if err != nil {
			return nil, content.NewBuildError(sourceName, hdr.Name, err)
		}
		// Later entries win, as with tar -x.
		if err := builder.Put(key, data); err != nil {
			return nil, err
		}
	}
	store := builder.Build()
	logger.Info("content.archive.built", "entries", store.Len(), "bytes", store.Size(), "skipped", skipped)
	return store, nil
}
