package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	ErrInvalidSDPType = errors.New("protocol: invalid session description type")
	ErrMissingSDP     = errors.New("protocol: missing session description sdp")
	ErrEmptySignal    = errors.New("protocol: signal payload carries neither sessionDescription nor networkCandidate")
)

// SessionDescription is a JSON-friendly SDP offer, answer or rollback.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

func SessionDescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case SDPTypeOffer:
		t = webrtc.SDPTypeOffer
	case SDPTypeAnswer:
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %q", ErrInvalidSDPType, s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, ErrMissingSDP
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate mirrors RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// SignalPayload is what negotiation engines put inside a relayed signal.
type SignalPayload struct {
	SessionDescription *SessionDescription `json:"sessionDescription,omitempty"`
	NetworkCandidate   *Candidate          `json:"networkCandidate,omitempty"`
}

func (p SignalPayload) Encode() (json.RawMessage, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func DecodeSignalPayload(raw json.RawMessage) (SignalPayload, error) {
	var p SignalPayload
	if err := decodeStrict(raw, &p); err != nil {
		return SignalPayload{}, fmt.Errorf("decode signal payload: %w", err)
	}
	if err := p.validate(); err != nil {
		return SignalPayload{}, err
	}
	return p, nil
}

func (p SignalPayload) validate() error {
	switch {
	case p.SessionDescription != nil && p.NetworkCandidate != nil:
		return fmt.Errorf("protocol: signal payload carries both sessionDescription and networkCandidate")
	case p.SessionDescription != nil:
		if p.SessionDescription.Type != SDPTypeOffer && p.SessionDescription.Type != SDPTypeAnswer {
			return fmt.Errorf("%w: %q", ErrInvalidSDPType, p.SessionDescription.Type)
		}
		if p.SessionDescription.SDP == "" {
			return ErrMissingSDP
		}
	case p.NetworkCandidate != nil:
	default:
		return ErrEmptySignal
	}
	return nil
}
