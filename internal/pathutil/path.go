// Package pathutil expands user supplied filesystem paths.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand substitutes environment variables ($HOME, ${XDG_DATA_HOME}) and a
// leading "~" in p. Relative paths stay relative.
func Expand(p string) (string, error) {
	p = os.ExpandEnv(strings.TrimSpace(p))
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// ExpandAbs is Expand followed by filepath.Abs. Empty input yields "".
func ExpandAbs(p string) (string, error) {
	expanded, err := Expand(p)
	if err != nil || expanded == "" {
		return expanded, err
	}
	return filepath.Abs(expanded)
}
