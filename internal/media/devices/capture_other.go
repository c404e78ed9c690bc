//go:build !linux || !cgo

package devices

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/media"
)

// Devices is unavailable on this platform.
type Devices struct {
	media.Devices
}

// New always fails; use synthetic devices instead.
func New(*zerolog.Logger) (*Devices, error) {
	return nil, fmt.Errorf("capture devices: %w", media.ErrNotSupported)
}
