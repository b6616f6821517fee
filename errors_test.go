package gpusched

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"device lost", ErrDeviceLost, KindDeviceLost},
		{"wrapped device lost", fmt.Errorf("submit: %w", ErrDeviceLost), KindDeviceLost},
		{"surface lost", ErrSurfaceLost, KindSurfaceRecreation},
		{"out of date", ErrOutOfDate, KindSwapchainRecreation},
		{"suboptimal", fmt.Errorf("present: %w", ErrSuboptimal), KindSwapchainRecreation},
		{"unexpected", ErrUnexpected, KindUnexpected},
		{"foreign", errors.New("boom"), KindUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorKindString(t *testing.T) {
	if KindSwapchainRecreation.String() != "swapchain-recreation" {
		t.Errorf("String() = %q", KindSwapchainRecreation.String())
	}
	if ErrorKind(99).String() != "unknown" {
		t.Errorf("String() = %q, want unknown", ErrorKind(99).String())
	}
}

func TestExtent2D(t *testing.T) {
	a := Extent2D{Width: 800, Height: 600}
	b := Extent2D{Width: 640, Height: 720}

	if got := a.Min(b); got != (Extent2D{Width: 640, Height: 600}) {
		t.Errorf("Min() = %v, want 640x600", got)
	}
	if a.Empty() {
		t.Error("800x600 should not be empty")
	}
	if !(Extent2D{Width: 10}).Empty() {
		t.Error("10x0 should be empty")
	}
	if a.String() != "800x600" {
		t.Errorf("String() = %q", a.String())
	}
}
