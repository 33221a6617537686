// Package media models the local media pipeline: one video slot and one audio
// slot, each holding a source that can be enabled or disabled without being
// replaced. Slots without a real device hold synthetic placeholders so peers
// always negotiate the same number of tracks.
package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
)

// Track is one outbound track together with the slot it occupies.
type Track struct {
	Slot  Kind
	Class Class
	Local webrtc.TrackLocal
}

type slot struct {
	kind    Kind
	source  *Source
	enabled bool
}

// Pipeline is not safe for concurrent mutation; the negotiation engine
// serializes changes through Engine.Update.
type Pipeline struct {
	streamID string
	video    slot
	audio    slot
}

// NewPipeline returns a pipeline with placeholder sources in both slots.
func NewPipeline(streamID string) (*Pipeline, error) {
	p := &Pipeline{
		streamID: streamID,
		video:    slot{kind: KindVideo},
		audio:    slot{kind: KindAudio},
	}
	if err := p.SetVideo(nil); err != nil {
		return nil, err
	}
	if err := p.SetAudio(nil); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) StreamID() string { return p.streamID }

// SetVideo installs src in the video slot. A nil src installs a placeholder.
// The slot's enabled flag carries over to the new source.
func (p *Pipeline) SetVideo(src *Source) error {
	return p.set(&p.video, src, ClassPlaceholder)
}

// SetAudio installs src in the audio slot. A nil src installs silence.
func (p *Pipeline) SetAudio(src *Source) error {
	return p.set(&p.audio, src, ClassSilence)
}

func (p *Pipeline) set(s *slot, src *Source, placeholder Class) error {
	if src == nil {
		var err error
		src, err = NewSource(placeholder, p.streamID)
		if err != nil {
			return err
		}
	}
	if src.Kind() != s.kind {
		return fmt.Errorf("media: %s source does not fit the %s slot", src.Class(), s.kind)
	}
	src.setEnabled(s.enabled)
	s.source = src
	return nil
}

func (p *Pipeline) Video() *Source { return p.video.source }
func (p *Pipeline) Audio() *Source { return p.audio.source }

func (p *Pipeline) Source(kind Kind) *Source {
	if s := p.slot(kind); s != nil {
		return s.source
	}
	return nil
}

func (p *Pipeline) slot(kind Kind) *slot {
	switch kind {
	case KindVideo:
		return &p.video
	case KindAudio:
		return &p.audio
	default:
		return nil
	}
}

// SetEnabled flips the slot's active flag. The source stays in place, so this
// never changes the layout.
func (p *Pipeline) SetEnabled(kind Kind, enabled bool) error {
	s := p.slot(kind)
	if s == nil {
		return fmt.Errorf("media: unknown slot %q", kind)
	}
	s.enabled = enabled
	s.source.setEnabled(enabled)
	return nil
}

func (p *Pipeline) Enabled(kind Kind) bool {
	if s := p.slot(kind); s != nil {
		return s.enabled
	}
	return false
}

// Tracks lists the outbound tracks, video first.
func (p *Pipeline) Tracks() []Track {
	return []Track{
		{Slot: KindVideo, Class: p.video.source.Class(), Local: p.video.source.Track()},
		{Slot: KindAudio, Class: p.audio.source.Class(), Local: p.audio.source.Track()},
	}
}

// Layout describes the shape of the pipeline as seen by SDP negotiation.
func (p *Pipeline) Layout() Layout {
	tracks := p.Tracks()
	l := Layout{Slots: make([]SlotLayout, len(tracks))}
	for i, t := range tracks {
		l.Slots[i] = SlotLayout{Kind: t.Slot, Class: t.Class}
	}
	return l
}

// State is the media state reported to the room. Synthetic sources never count
// as sending.
func (p *Pipeline) State() protocol.MediaState {
	v, a := p.video.source, p.audio.source
	return protocol.MediaState{
		Camera:      v.Class() == ClassCamera && p.video.enabled && !v.Ended(),
		ScreenShare: v.Class() == ClassScreen && p.video.enabled && !v.Ended(),
		Microphone:  a.Class() == ClassMicrophone && p.audio.enabled && !a.Ended(),
	}
}

type SlotLayout struct {
	Kind  Kind
	Class Class
}

type Layout struct {
	Slots []SlotLayout
}

// Equal reports whether two layouts negotiate identically: same slot count,
// kinds and source classes.
func (l Layout) Equal(o Layout) bool {
	if len(l.Slots) != len(o.Slots) {
		return false
	}
	for i := range l.Slots {
		if l.Slots[i] != o.Slots[i] {
			return false
		}
	}
	return true
}

func (l Layout) String() string {
	s := ""
	for i, sl := range l.Slots {
		if i > 0 {
			s += ","
		}
		s += string(sl.Kind) + ":" + string(sl.Class)
	}
	return s
}
