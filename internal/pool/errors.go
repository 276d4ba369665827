package pool

import (
	"errors"

	"devicepool/internal/device"
)

var (
	ErrClosed       = errors.New("device pool closed")
	ErrEmptyKey     = errors.New("job key is required")
	ErrNilJob       = errors.New("job func is nil")
	ErrDuplicateKey = errors.New("job key already pending or active")
	ErrNoDevices    = device.ErrNoDevices

	// ErrCancelled is returned by JobContext.ReportProgress once the job has
	// been asked to cancel. Jobs usually return it as-is.
	ErrCancelled = errors.New("job cancelled")
)
