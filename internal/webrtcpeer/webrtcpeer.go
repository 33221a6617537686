// Package webrtcpeer backs the mesh negotiation engine with pion
// PeerConnections.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/config"
)

type APIConfig struct {
	Network config.WebRTCNetwork
	// Logger receives pion's internal logs. Nil discards them.
	Logger *slog.Logger
	// Net replaces the OS network stack; tests pass a vnet.Net.
	Net transport.Net
}

// NewAPI builds a webrtc.API with the default codecs (VP8 and Opus among
// them) and the participant's ICE network settings.
func NewAPI(cfg APIConfig) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(cfg.Logger)
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}
	if err := ApplyNetworkSettings(&se, cfg.Network); err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, n config.WebRTCNetwork) error {
	if n.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(n.UDPPortRange.Min, n.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(n.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch n.NAT1To1CandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", n.NAT1To1CandidateType)
		}
		se.SetNAT1To1IPs(n.NAT1To1IPs, candidateType)
	}

	// There is no bind-address knob; IPFilter restricts both gathering and
	// socket binding.
	if !config.IsUnspecifiedIP(n.UDPListenIP) {
		listenIP := n.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
