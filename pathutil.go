package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// requireUnder resolves target and checks that it lives inside home,
// rejecting any ".." escape. Adapted from the teacher's config/state-home
// guard: here it protects the optional tool-gate file, which the operator
// points at from the same directory as the main config file rather than
// letting an attacker-influenced config reach arbitrary paths on disk.
func requireUnder(home, target string) (string, error) {
	if home == "" {
		return "", errors.New("pathutil: empty home directory")
	}
	absHome, err := filepath.Abs(home)
	if err != nil {
		return "", err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absHome, absTarget)
	if err != nil {
		return "", err
	}
	if rel == ".." || len(rel) >= 2 && rel[:2] == ".."+string(filepath.Separator) {
		return "", errors.New("pathutil: path escapes configured home")
	}
	return absTarget, nil
}

// envEnabled reports whether the named environment variable holds one of
// the truthy spellings an operator would reasonably type. Used to let an
// operator explicitly opt out of the tool-gate containment check when the
// gate file is deliberately shared from outside the config directory.
func envEnabled(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
