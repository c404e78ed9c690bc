// Package media owns local capture tracks on behalf of the active call.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Acquisition failures. Each is surfaced to the user as is.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceBusy       = errors.New("device busy")
	ErrNotSupported     = errors.New("not supported")
)

// Kind is the media type of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Source is where a local track comes from.
type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceCamera     Source = "camera"
	SourceScreen     Source = "screen"
	SourceSystem     Source = "system_audio"
)

// Track is one local capture stream.
type Track interface {
	ID() string
	Kind() Kind
	Source() Source
	SetEnabled(enabled bool)
	Enabled() bool
	// Stop releases the underlying device. It does not fire OnEnded.
	Stop()
	// OnEnded registers fn to run when the device ends the track on its own,
	// for example when the OS stops a screen capture.
	OnEnded(fn func())
}

// Constraints selects which user media to open.
type Constraints struct {
	Audio bool
	Video bool
}

// Devices opens capture tracks. Implementations return all requested tracks
// or none, with an error wrapping one of the package sentinels.
type Devices interface {
	OpenUserMedia(ctx context.Context, c Constraints) ([]Track, error)
	OpenDisplayMedia(ctx context.Context, withAudio bool) ([]Track, error)
}

// CameraAndMic is the result of AcquireCameraAndMic.
type CameraAndMic struct {
	Audio Track
	Video Track
}

// ScreenShare is the result of AcquireScreenShare. Audio is nil unless
// system audio was requested and granted.
type ScreenShare struct {
	Video Track
	Audio Track
}

// State is the local media state of the client.
type State struct {
	AudioEnabled      bool
	VideoEnabled      bool
	ActiveVideoSource Source
}

// Controller tracks every acquired track until it is released.
type Controller struct {
	devices Devices
	log     *zerolog.Logger

	mu      sync.Mutex
	held    map[string]Track
	state   State
	onEnded func(Track)
}

// NewController creates a controller with audio and video enabled.
func NewController(devices Devices, logger *zerolog.Logger) *Controller {
	return &Controller{
		devices: devices,
		log:     logger,
		held:    make(map[string]Track),
		state: State{
			AudioEnabled:      true,
			VideoEnabled:      true,
			ActiveVideoSource: SourceCamera,
		},
	}
}

// OnTrackEnded registers a callback for tracks ended by the device. The
// track is already released when fn runs.
func (c *Controller) OnTrackEnded(fn func(Track)) {
	c.mu.Lock()
	c.onEnded = fn
	c.mu.Unlock()
}

// AcquireCameraAndMic opens the microphone and the camera together.
func (c *Controller) AcquireCameraAndMic(ctx context.Context) (*CameraAndMic, error) {
	tracks, err := c.devices.OpenUserMedia(ctx, Constraints{Audio: true, Video: true})
	if err != nil {
		return nil, fmt.Errorf("acquire camera and microphone: %w", err)
	}

	var out CameraAndMic
	for _, t := range tracks {
		switch t.Kind() {
		case KindAudio:
			out.Audio = t
		case KindVideo:
			out.Video = t
		}
	}
	if out.Audio == nil || out.Video == nil {
		stopAll(tracks)
		return nil, fmt.Errorf("acquire camera and microphone: %w", ErrDeviceNotFound)
	}

	c.adopt(tracks)
	return &out, nil
}

// AcquireCamera opens only the camera. Used to restore the camera after a
// screen share.
func (c *Controller) AcquireCamera(ctx context.Context) (Track, error) {
	tracks, err := c.devices.OpenUserMedia(ctx, Constraints{Video: true})
	if err != nil {
		return nil, fmt.Errorf("acquire camera: %w", err)
	}
	if len(tracks) != 1 || tracks[0].Kind() != KindVideo {
		stopAll(tracks)
		return nil, fmt.Errorf("acquire camera: %w", ErrDeviceNotFound)
	}
	c.adopt(tracks)
	return tracks[0], nil
}

// AcquireScreenShare opens a screen capture and, if asked, system audio.
// A canceled picker surfaces as ErrPermissionDenied.
func (c *Controller) AcquireScreenShare(ctx context.Context, withAudio bool) (*ScreenShare, error) {
	tracks, err := c.devices.OpenDisplayMedia(ctx, withAudio)
	if err != nil {
		return nil, fmt.Errorf("acquire screen share: %w", err)
	}

	var out ScreenShare
	for _, t := range tracks {
		switch t.Kind() {
		case KindVideo:
			out.Video = t
		case KindAudio:
			out.Audio = t
		}
	}
	if out.Video == nil {
		stopAll(tracks)
		return nil, fmt.Errorf("acquire screen share: %w", ErrNotSupported)
	}

	c.adopt(tracks)
	return &out, nil
}

// ToggleAudio enables or disables every held audio track.
func (c *Controller) ToggleAudio(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.AudioEnabled = enabled
	c.applyLocked(KindAudio, enabled)
}

// ToggleVideo enables or disables every held video track.
func (c *Controller) ToggleVideo(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.VideoEnabled = enabled
	c.applyLocked(KindVideo, enabled)
}

// SetActiveVideoSource records which video source is currently published.
func (c *Controller) SetActiveVideoSource(src Source) {
	c.mu.Lock()
	c.state.ActiveVideoSource = src
	c.mu.Unlock()
}

// State returns a copy of the local media state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Held returns the number of tracks acquired and not yet released.
func (c *Controller) Held() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

// Release stops the given tracks. Tracks that were already released, or
// nil tracks, are skipped.
func (c *Controller) Release(tracks ...Track) {
	var stop []Track
	c.mu.Lock()
	for _, t := range tracks {
		if t == nil {
			continue
		}
		if _, ok := c.held[t.ID()]; !ok {
			continue
		}
		delete(c.held, t.ID())
		stop = append(stop, t)
	}
	c.mu.Unlock()

	for _, t := range stop {
		t.Stop()
		c.log.Debug().Str("track_id", t.ID()).Str("source", string(t.Source())).Msg("track released")
	}
}

// ReleaseAll stops every held track and resets the video source to camera.
func (c *Controller) ReleaseAll() {
	c.mu.Lock()
	all := make([]Track, 0, len(c.held))
	for _, t := range c.held {
		all = append(all, t)
	}
	c.state.ActiveVideoSource = SourceCamera
	c.mu.Unlock()

	c.Release(all...)
}

func (c *Controller) adopt(tracks []Track) {
	c.mu.Lock()
	for _, t := range tracks {
		c.held[t.ID()] = t
		switch t.Kind() {
		case KindAudio:
			t.SetEnabled(c.state.AudioEnabled)
		case KindVideo:
			t.SetEnabled(c.state.VideoEnabled)
		}
	}
	c.mu.Unlock()

	for _, t := range tracks {
		t.OnEnded(func() { c.ended(t) })
	}
}

// ended runs the explicit release path for a track the device stopped.
func (c *Controller) ended(t Track) {
	c.mu.Lock()
	_, ok := c.held[t.ID()]
	delete(c.held, t.ID())
	fn := c.onEnded
	c.mu.Unlock()
	if !ok {
		return
	}

	c.log.Info().Str("track_id", t.ID()).Str("source", string(t.Source())).Msg("track ended by device")
	t.Stop()
	if fn != nil {
		fn(t)
	}
}

func (c *Controller) applyLocked(kind Kind, enabled bool) {
	for _, t := range c.held {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

func stopAll(tracks []Track) {
	for _, t := range tracks {
		t.Stop()
	}
}
