package bridge

import (
	"net"
	"time"
)

// State is the bridge connectivity level. It gates which commands are
// admitted.
type State int

const (
	// StateOffline means no LAN connectivity at all.
	StateOffline State = iota
	// StateLANOnly means local devices are reachable but the cloud is not.
	StateLANOnly
	// StateOnline means LAN and cloud both work.
	StateOnline
)

func (s State) String() string {
	switch s {
	case StateLANOnly:
		return "LAN_ONLY"
	case StateOnline:
		return "ONLINE"
	default:
		return "OFFLINE"
	}
}

const probeTimeout = time.Second

// lanAvailable checks for a usable LAN route. The UDP connect to a TEST-NET
// address sends nothing; it fails only when no route exists.
func lanAvailable() bool {
	c, err := net.DialTimeout("udp4", "192.0.2.1:9", probeTimeout)
	if err != nil {
		return false
	}
	c.Close()
	return true
}

// internetAvailable checks Internet reachability with a TCP connect to a
// public DNS resolver.
func internetAvailable() bool {
	c, err := net.DialTimeout("tcp4", "1.1.1.1:53", probeTimeout)
	if err != nil {
		return false
	}
	c.Close()
	return true
}

// probeState classifies current connectivity. Cloud state additionally
// requires credentials, checked by the caller.
func probeState() State {
	if !lanAvailable() {
		return StateOffline
	}
	if !internetAvailable() {
		return StateLANOnly
	}
	return StateOnline
}
