// Package folder builds content stores from a directory tree.
package folder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"pkt.systems/pslog"
	"pkt.systems/staticd/internal/content"
)

const sourceName = "folder"

// Options tunes a folder build.
type Options struct {
	// MaxBytes caps the total size of the store (0 disables).
	MaxBytes int64
	Logger   pslog.Logger
}

// BuildDir walks dir on the local filesystem.
func BuildDir(ctx context.Context, dir string, opts Options) (*content.Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, content.NewBuildError(sourceName, dir, err)
	}
	if !info.IsDir() {
		return nil, content.NewBuildError(sourceName, dir, fmt.Errorf("not a directory"))
	}
	return Build(ctx, osfs.New(dir), "/", opts)
}

// Build walks root within fs and loads every regular file into memory. Keys
// are the slash separated paths relative to root with a leading slash.
// Directories, symlinks and special files are skipped.
func Build(ctx context.Context, fs billy.Filesystem, root string, opts Options) (*content.Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	builder := content.NewBuilder(content.BuilderOptions{Source: sourceName, MaxBytes: opts.MaxBytes})
	skipped := 0
	err := util.Walk(fs, root, func(name string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return content.NewBuildError(sourceName, name, walkErr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			if !info.IsDir() {
				skipped++
				logger.Debug("content.folder.skip", "path", name, "mode", info.Mode().String())
			}
			return nil
		}
		rel, err := filepath.Rel(root, name)
		if err != nil {
			return content.NewBuildError(sourceName, name, err)
		}
		key := content.KeyFromRelative(filepath.ToSlash(rel))
		if key == "" {
			return nil
		}
		data, err := readFile(fs, name, info.Size(), builder.Remaining())
		if err != nil {
			return content.NewBuildError(sourceName, name, err)
		}
		return builder.Add(key, data)
	})
	if err != nil {
		return nil, content.NewBuildError(sourceName, root, err)
	}
	store := builder.Build()
	logger.Info("content.folder.built", "root", root, "entries", store.Len(), "bytes", store.Size(), "skipped", skipped)
	return store, nil
}

func readFile(fs billy.Filesystem, name string, size, limit int64) ([]byte, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return content.ReadEntry(f, size, limit)
}
