// Package synthetic provides capture devices that produce no media. They
// back the headless client and tests, and can be told to fail.
package synthetic

import (
	"context"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/vovakirdan/wirecall/internal/media"
)

// Devices hands out synthetic tracks and counts the live ones.
type Devices struct {
	mu           sync.Mutex
	userErr      error
	displayErr   error
	noAudio      bool
	tracks       []*Track
	userOpens    int
	displayOpens int
}

// New creates devices that succeed until told otherwise.
func New() *Devices {
	return &Devices{}
}

// FailUserMedia makes OpenUserMedia return err. nil restores success.
func (d *Devices) FailUserMedia(err error) {
	d.mu.Lock()
	d.userErr = err
	d.mu.Unlock()
}

// FailDisplayMedia makes OpenDisplayMedia return err. A canceled picker is
// media.ErrPermissionDenied.
func (d *Devices) FailDisplayMedia(err error) {
	d.mu.Lock()
	d.displayErr = err
	d.mu.Unlock()
}

// DenySystemAudio makes display media come without audio even when asked.
func (d *Devices) DenySystemAudio() {
	d.mu.Lock()
	d.noAudio = true
	d.mu.Unlock()
}

func (d *Devices) OpenUserMedia(ctx context.Context, c media.Constraints) ([]media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.userOpens++
	if d.userErr != nil {
		return nil, d.userErr
	}

	var out []media.Track
	if c.Audio {
		out = append(out, d.newTrackLocked(media.KindAudio, media.SourceMicrophone))
	}
	if c.Video {
		out = append(out, d.newTrackLocked(media.KindVideo, media.SourceCamera))
	}
	return out, nil
}

func (d *Devices) OpenDisplayMedia(ctx context.Context, withAudio bool) ([]media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.displayOpens++
	if d.displayErr != nil {
		return nil, d.displayErr
	}

	out := []media.Track{d.newTrackLocked(media.KindVideo, media.SourceScreen)}
	if withAudio && !d.noAudio {
		out = append(out, d.newTrackLocked(media.KindAudio, media.SourceSystem))
	}
	return out, nil
}

// Live returns the tracks that have not been stopped.
func (d *Devices) Live() []*Track {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*Track
	for _, t := range d.tracks {
		if !t.Stopped() {
			out = append(out, t)
		}
	}
	return out
}

// LiveSource returns the first live track of the given source, or nil.
func (d *Devices) LiveSource(src media.Source) *Track {
	for _, t := range d.Live() {
		if t.Source() == src {
			return t
		}
	}
	return nil
}

// Opens returns how many user and display media requests were made.
func (d *Devices) Opens() (user, display int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.userOpens, d.displayOpens
}

func (d *Devices) newTrackLocked(kind media.Kind, src media.Source) *Track {
	t := &Track{
		id:      string(kind) + "-" + gonanoid.Must(10),
		kind:    kind,
		source:  src,
		enabled: true,
	}
	d.tracks = append(d.tracks, t)
	return t
}

// Track is a synthetic capture track.
type Track struct {
	id     string
	kind   media.Kind
	source media.Source

	mu      sync.Mutex
	enabled bool
	stopped bool
	stops   int
	onEnded []func()
}

func (t *Track) ID() string           { return t.id }
func (t *Track) Kind() media.Kind     { return t.kind }
func (t *Track) Source() media.Source { return t.source }

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stops++
	t.stopped = true
	t.mu.Unlock()
}

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stops returns how many times Stop was called.
func (t *Track) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// End simulates the device ending the track, like the OS stopping a
// screen capture. Ended callbacks run synchronously.
func (t *Track) End() {
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
