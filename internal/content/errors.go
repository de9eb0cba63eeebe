package content

import (
	"errors"
	"fmt"
)

var (
	// ErrBuild matches every error returned by a store builder.
	ErrBuild = errors.New("content: build failed")
	// ErrTooLarge reports that a build exceeded the configured byte ceiling.
	ErrTooLarge = errors.New("content: store exceeds size limit")
	// ErrDuplicateKey reports two entries resolving to the same key.
	ErrDuplicateKey = errors.New("content: duplicate key")
)

// BuildError describes why a Store could not be constructed.
type BuildError struct {
	Source string // folder, archive, s3, aws, azure
	Path   string // entry or object that failed, if any
	Err    error
}

func (e *BuildError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("content: build %s: %s: %v", e.Source, e.Path, e.Err)
	}
	return fmt.Sprintf("content: build %s: %v", e.Source, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrBuild) match any BuildError.
func (e *BuildError) Is(target error) bool { return target == ErrBuild }

// NewBuildError wraps err unless it already is a BuildError.
func NewBuildError(source, path string, err error) error {
	if err == nil {
		return nil
	}
	var be *BuildError
	if errors.As(err, &be) {
		return err
	}
	return &BuildError{Source: source, Path: path, Err: err}
}
