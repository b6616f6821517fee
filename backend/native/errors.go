// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package native

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpusched"
)

// Package errors for the native backend.
var (
	// ErrNoGPU is returned when no GPU adapter is available.
	ErrNoGPU = errors.New("native: no GPU adapter available")

	// ErrNilHALDevice is returned when a device or queue is missing.
	ErrNilHALDevice = errors.New("native: HAL device is nil")

	// ErrProvider is returned when a device provider does not expose HAL
	// types.
	ErrProvider = errors.New("native: provider does not expose HAL device and queue")

	// ErrUnsupported is returned for commands the HAL cannot record.
	ErrUnsupported = fmt.Errorf("%w: native: operation not supported", gpusched.ErrUnexpected)

	// ErrInvalidUsage is returned when a command buffer or fence is used in
	// the wrong state.
	ErrInvalidUsage = fmt.Errorf("%w: native: invalid usage", gpusched.ErrUnexpected)

	// ErrOutOfOrder is returned when a submission's tick does not follow
	// the previous one.
	ErrOutOfOrder = fmt.Errorf("%w: native: tick submitted out of order", gpusched.ErrUnexpected)

	// ErrForeignObject is returned when an object from another backend is
	// passed in.
	ErrForeignObject = errors.New("native: object not created by this backend")

	// ErrInvalidDimensions is returned when width or height is zero.
	ErrInvalidDimensions = errors.New("native: invalid dimensions")

	// ErrMemoryBudgetExceeded is returned when an allocation would exceed
	// the device's memory budget.
	ErrMemoryBudgetExceeded = errors.New("native: memory budget exceeded")
)

// lost wraps a HAL wait or submit failure as device loss.
func lost(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", gpusched.ErrDeviceLost, op, err)
}
