package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Class identifies where a source's samples come from. Changing a slot's class
// changes the pipeline layout.
type Class string

const (
	ClassCamera      Class = "camera"
	ClassScreen      Class = "screen"
	ClassPlaceholder Class = "placeholder"
	ClassMicrophone  Class = "microphone"
	ClassSilence     Class = "silence"
)

func (c Class) Kind() Kind {
	switch c {
	case ClassMicrophone, ClassSilence:
		return KindAudio
	default:
		return KindVideo
	}
}

// Synthetic reports whether c is one of the stand-ins used when no device is
// available.
func (c Class) Synthetic() bool {
	return c == ClassPlaceholder || c == ClassSilence
}

func (c Class) valid() bool {
	switch c {
	case ClassCamera, ClassScreen, ClassPlaceholder, ClassMicrophone, ClassSilence:
		return true
	}
	return false
}

var (
	videoCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	audioCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)

// Source is one local media source backed by a pion sample track. The same
// track is bound to every peer connection; samples written while the source is
// disabled or ended are dropped.
type Source struct {
	class Class
	track *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	ended   atomic.Bool

	mu      sync.Mutex
	onEnded []func()
}

// NewSource creates a source of class c. The stream ID groups the local audio
// and video tracks on the remote side.
func NewSource(c Class, streamID string) (*Source, error) {
	if !c.valid() {
		return nil, fmt.Errorf("media: unknown source class %q", c)
	}
	codec := videoCodec
	if c.Kind() == KindAudio {
		codec = audioCodec
	}
	id := fmt.Sprintf("%s-%s-%s", c.Kind(), c, uuid.NewString())
	track, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("media: create %s track: %w", c, err)
	}
	return &Source{class: c, track: track}, nil
}

func (s *Source) Class() Class { return s.class }
func (s *Source) Kind() Kind   { return s.class.Kind() }

func (s *Source) Track() webrtc.TrackLocal { return s.track }

func (s *Source) Enabled() bool { return s.enabled.Load() && !s.ended.Load() }

func (s *Source) setEnabled(enabled bool) { s.enabled.Store(enabled) }

// WriteSample forwards sample to every bound peer connection.
func (s *Source) WriteSample(sample pionmedia.Sample) error {
	if !s.Enabled() {
		return nil
	}
	return s.track.WriteSample(sample)
}

// OnEnded registers fn to run once the source ends. If the source has already
// ended fn runs immediately in its own goroutine.
func (s *Source) OnEnded(fn func()) {
	s.mu.Lock()
	if s.ended.Load() {
		s.mu.Unlock()
		go fn()
		return
	}
	s.onEnded = append(s.onEnded, fn)
	s.mu.Unlock()
}

// End marks the source as permanently failed, e.g. after the device went away.
func (s *Source) End() {
	s.mu.Lock()
	if s.ended.Swap(true) {
		s.mu.Unlock()
		return
	}
	fns := s.onEnded
	s.onEnded = nil
	s.mu.Unlock()

	for _, fn := range fns {
		go fn()
	}
}

func (s *Source) Ended() bool { return s.ended.Load() }
