//go:build linux && cgo

package devices

import (
	"context"
	"sync"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirecall/internal/media"
)

// Devices opens V4L2 cameras, ALSA/Pulse microphones and X11 screens.
type Devices struct {
	log *zerolog.Logger
}

// New returns capture devices and logs what the drivers can see.
func New(logger *zerolog.Logger) (*Devices, error) {
	found := mediadevices.EnumerateDevices()
	if len(found) == 0 {
		logger.Warn().Msg("no capture devices found")
	}
	for _, d := range found {
		logger.Debug().Interface("kind", d.Kind).Str("label", d.Label).Msg("capture device")
	}
	return &Devices{log: logger}, nil
}

func (d *Devices) OpenUserMedia(ctx context.Context, c media.Constraints) ([]media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatRGBA}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, categorize(err, media.ErrDeviceNotFound)
	}
	return wrap(stream.GetTracks(), media.SourceMicrophone, media.SourceCamera), nil
}

// OpenDisplayMedia captures the primary screen. There is no picker on this
// backend, and system audio is not captured.
func (d *Devices) OpenDisplayMedia(ctx context.Context, withAudio bool) ([]media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if withAudio {
		d.log.Debug().Msg("system audio capture is not available, sharing screen only")
	}

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, categorize(err, media.ErrNotSupported)
	}
	return wrap(stream.GetTracks(), media.SourceSystem, media.SourceScreen), nil
}

func wrap(tracks []mediadevices.Track, audioSrc, videoSrc media.Source) []media.Track {
	out := make([]media.Track, 0, len(tracks))
	for _, t := range tracks {
		w := &track{t: t, enabled: true}
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			w.kind, w.source = media.KindVideo, videoSrc
		} else {
			w.kind, w.source = media.KindAudio, audioSrc
		}
		t.OnEnded(func(error) { w.fireEnded() })
		out = append(out, w)
	}
	return out
}

type track struct {
	t      mediadevices.Track
	kind   media.Kind
	source media.Source

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded []func()
}

func (t *track) ID() string           { return t.t.ID() }
func (t *track) Kind() media.Kind     { return t.kind }
func (t *track) Source() media.Source { return t.source }

// SetEnabled only records the flag. The transport reads it when deciding
// whether to forward samples.
func (t *track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *track) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()
	_ = t.t.Close()
}

func (t *track) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

func (t *track) fireEnded() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	fns := append([]func(){}, t.onEnded...)
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
