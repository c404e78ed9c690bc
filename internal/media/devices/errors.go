// Package devices opens real capture devices through pion/mediadevices.
// Capture is only built on linux with cgo; elsewhere New reports
// media.ErrNotSupported.
package devices

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/vovakirdan/wirecall/internal/media"
)

// categorize maps a capture backend error onto the media sentinels.
// Unknown failures while opening user media count as a missing device.
func categorize(err error, fallback error) error {
	if err == nil {
		return nil
	}

	var cause error
	switch {
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		cause = media.ErrPermissionDenied
	case errors.Is(err, syscall.EBUSY):
		cause = media.ErrDeviceBusy
	case errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV):
		cause = media.ErrDeviceNotFound
	default:
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"):
			cause = media.ErrPermissionDenied
		case strings.Contains(msg, "busy"):
			cause = media.ErrDeviceBusy
		case strings.Contains(msg, "not found"), strings.Contains(msg, "failed to find"), strings.Contains(msg, "no such"):
			cause = media.ErrDeviceNotFound
		case strings.Contains(msg, "not supported"), strings.Contains(msg, "unsupported"):
			cause = media.ErrNotSupported
		default:
			cause = fallback
		}
	}
	return fmt.Errorf("%w: %v", cause, err)
}
