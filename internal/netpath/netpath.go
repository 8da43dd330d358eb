// Package netpath classifies the network path media travels over so the
// sender can pick a packet size and the UI can explain link quality.
package netpath

import (
	"fmt"
	"net"
	"strings"
)

// Kind is the classified path type.
type Kind int

const (
	KindUnknown Kind = iota
	KindPeerToPeer
	KindWired
	KindWiFi
	KindCellular
	KindLoopback
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindPeerToPeer:
		return "peer-to-peer"
	case KindWired:
		return "wired"
	case KindWiFi:
		return "wifi"
	case KindCellular:
		return "cellular"
	case KindLoopback:
		return "loopback"
	case KindOther:
		return "other"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Status is the reachability reported for a path.
type Status int

const (
	StatusUnsatisfied Status = iota
	StatusSatisfied
	StatusRequiresConnection
)

func (s Status) String() string {
	switch s {
	case StatusUnsatisfied:
		return "unsatisfied"
	case StatusSatisfied:
		return "satisfied"
	case StatusRequiresConnection:
		return "requires-connection"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Snapshot is one observation of a path: the interfaces it uses and the
// generic link-type flags the platform reports for it.
type Snapshot struct {
	Status     Status
	Interfaces []string

	Wired    bool
	WiFi     bool
	Cellular bool
	Loopback bool
}

func (s Snapshot) hasFlags() bool {
	return s.Wired || s.WiFi || s.Cellular || s.Loopback
}

// peer-to-peer link interfaces (Apple Wireless Direct Link and its
// low-latency companion)
var peerToPeerPrefixes = []string{"awdl", "llw"}

// IsPeerToPeer reports whether name is a peer-to-peer link interface.
func IsPeerToPeer(name string) bool {
	for _, p := range peerToPeerPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// kindFromName infers a link type from common interface naming schemes.
func kindFromName(name string) Kind {
	switch {
	case IsPeerToPeer(name):
		return KindPeerToPeer
	case name == "lo" || strings.HasPrefix(name, "lo0"):
		return KindLoopback
	case strings.HasPrefix(name, "wl"), strings.HasPrefix(name, "wifi"):
		return KindWiFi
	case strings.HasPrefix(name, "pdp_ip"), strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "wwan"):
		return KindCellular
	case strings.HasPrefix(name, "eth"), strings.HasPrefix(name, "en"):
		return KindWired
	default:
		return KindOther
	}
}

// Classify returns the path kind for s. A peer-to-peer interface wins over
// any generic flag. A path with no interface hints that is not satisfied is
// KindUnknown. Otherwise the best link wins: wired, wifi, cellular,
// loopback, then other.
func Classify(s Snapshot) Kind {
	for _, name := range s.Interfaces {
		if IsPeerToPeer(name) {
			return KindPeerToPeer
		}
	}
	if len(s.Interfaces) == 0 && !s.hasFlags() {
		if s.Status != StatusSatisfied {
			return KindUnknown
		}
		return KindOther
	}

	wired, wifi, cellular, loopback := s.Wired, s.WiFi, s.Cellular, s.Loopback
	for _, name := range s.Interfaces {
		switch kindFromName(name) {
		case KindWired:
			wired = true
		case KindWiFi:
			wifi = true
		case KindCellular:
			cellular = true
		case KindLoopback:
			loopback = true
		}
	}
	switch {
	case wired:
		return KindWired
	case wifi:
		return KindWiFi
	case cellular:
		return KindCellular
	case loopback:
		return KindLoopback
	default:
		return KindOther
	}
}

// FromInterfaces builds a snapshot from the host's interfaces that are up.
func FromInterfaces() (Snapshot, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Snapshot{}, fmt.Errorf("list interfaces: %w", err)
	}
	return fromNetInterfaces(ifaces), nil
}

func fromNetInterfaces(ifaces []net.Interface) Snapshot {
	var s Snapshot
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 {
			continue
		}
		s.Interfaces = append(s.Interfaces, ifc.Name)
		if ifc.Flags&net.FlagLoopback != 0 {
			s.Loopback = true
			continue
		}
		s.Status = StatusSatisfied
	}
	return s
}

// Packet sizes per path. Peer-to-peer and cellular links carry extra
// encapsulation, and an unknown path gets the same conservative size.
const (
	StandardPacketSize     = 1400
	ConservativePacketSize = 1200
	LoopbackPacketSize     = 8192
)

// MaxPacketSizeFor returns the media packet size to use on a path.
func MaxPacketSizeFor(k Kind) int {
	switch k {
	case KindWired, KindWiFi:
		return StandardPacketSize
	case KindLoopback:
		return LoopbackPacketSize
	default:
		return ConservativePacketSize
	}
}
