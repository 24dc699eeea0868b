// Package stopsignal implements the process-wide inference kill switch.
// The signal is a sentinel file so it survives restarts and is visible to
// every worker touching the same data directory.
package stopsignal

import (
	"errors"
	"os"
)

// Signal is a file-backed stop flag.
type Signal struct {
	path string
}

// New creates a signal backed by the given sentinel path.
func New(path string) *Signal {
	return &Signal{path: path}
}

// Set raises the stop signal. Idempotent.
func (s *Signal) Set() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Clear lowers the stop signal. Clearing an unset signal is not an error.
func (s *Signal) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// IsSet reports whether the stop signal is raised.
func (s *Signal) IsSet() bool {
	_, err := os.Stat(s.path)
	return err == nil
}
