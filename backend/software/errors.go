package software

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpusched"
)

// Package errors for the software backend. All of them wrap
// gpusched.ErrUnexpected.
var (
	// ErrInvalidUsage is returned when a command buffer is used in the
	// wrong state or records a command where it is not allowed.
	ErrInvalidUsage = fmt.Errorf("%w: software: invalid command buffer usage", gpusched.ErrUnexpected)

	// ErrSemaphore is returned for binary semaphore misuse.
	ErrSemaphore = fmt.Errorf("%w: software: semaphore misuse", gpusched.ErrUnexpected)

	// ErrOutOfOrder is returned when a submission's tick does not follow
	// the previous one.
	ErrOutOfOrder = fmt.Errorf("%w: software: tick submitted out of order", gpusched.ErrUnexpected)

	// ErrForeignObject is returned when an object from another backend is
	// passed in.
	ErrForeignObject = errors.New("software: object not created by this backend")
)
