package lautypes

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"
)

// remote unreachable, or responded with non-2xx
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("network: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// bounded wait exceeded
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s did not complete within %s", e.Op, e.Timeout)
}

type ProcessSpawnError struct {
	Process string
	Err     error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Process, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error {
	return e.Err
}

type FileSystemError struct {
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("filesystem: %s: %v", e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error {
	return e.Err
}

// recoverable errors reset the session instead of being fatal to it
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, syscall.ENOTEMPTY) {
		return true
	}

	// errors that crossed a process boundary lose their errno
	return strings.Contains(strings.ToLower(err.Error()), "directory not empty")
}
