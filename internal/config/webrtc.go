package config

import (
	"fmt"
	"net"
	"strings"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

const DefaultWebRTCUDPListenIP = "0.0.0.0"

// recommendedWebRTCUDPPortRangeSize is a conservative minimum; a mesh
// participant holds one ICE agent per remote peer.
const recommendedWebRTCUDPPortRangeSize = 100

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTCNetwork holds the ICE network settings of a mesh participant.
type WebRTCNetwork struct {
	// UDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	UDPPortRange *UDPPortRange

	// NAT1To1IPs are advertised as ICE candidates when the participant sits
	// behind a 1:1 NAT. Values are literal IPs.
	NAT1To1IPs           []string
	NAT1To1CandidateType NAT1To1IPCandidateType

	// UDPListenIP restricts which local interface ICE binds to. 0.0.0.0 means
	// the library default.
	UDPListenIP net.IP
}

// WebRTCNetworkOptions is the unparsed form of WebRTCNetwork, as taken from
// command-line flags.
type WebRTCNetworkOptions struct {
	UDPPortMin           uint
	UDPPortMax           uint
	UDPListenIP          string
	NAT1To1IPs           string
	NAT1To1CandidateType string
}

func ParseWebRTCNetwork(opts WebRTCNetworkOptions) (WebRTCNetwork, error) {
	var out WebRTCNetwork

	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if opts.UDPPortMin == 0 || opts.UDPPortMax == 0 {
			return WebRTCNetwork{}, fmt.Errorf("--udp-port-min and --udp-port-max must be set together (or both unset)")
		}
		min, err := parsePortUint(opts.UDPPortMin)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("--udp-port-min: %w", err)
		}
		max, err := parsePortUint(opts.UDPPortMax)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("--udp-port-max: %w", err)
		}
		if min > max {
			return WebRTCNetwork{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		if size := int(max) - int(min) + 1; size < recommendedWebRTCUDPPortRangeSize {
			return WebRTCNetwork{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		out.UDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	listenIP := strings.TrimSpace(opts.UDPListenIP)
	if listenIP == "" {
		listenIP = DefaultWebRTCUDPListenIP
	}
	out.UDPListenIP = net.ParseIP(listenIP)
	if out.UDPListenIP == nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid --udp-listen-ip %q", opts.UDPListenIP)
	}

	if strings.TrimSpace(opts.NAT1To1IPs) != "" {
		ips, err := parseIPList(opts.NAT1To1IPs)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("invalid --nat-1to1-ips %q: %w", opts.NAT1To1IPs, err)
		}
		out.NAT1To1IPs = ips
	}

	candidateType := opts.NAT1To1CandidateType
	if strings.TrimSpace(candidateType) == "" {
		candidateType = string(NAT1To1CandidateTypeHost)
	}
	ct, err := parseCandidateType(candidateType)
	if err != nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid --nat-1to1-candidate-type %q: %w", candidateType, err)
	}
	out.NAT1To1CandidateType = ct
	return out, nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
