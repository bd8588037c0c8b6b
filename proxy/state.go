// SPDX-License-Identifier: GPL-2.0-only

package proxy

// State is the lifecycle stage of a Session.
type State int

const (
	Selecting State = iota
	Fixing
	Handshaking
	Running
	Terminating
)

func (s State) String() string {
	switch s {
	case Selecting:
		return "selecting"
	case Fixing:
		return "fixing"
	case Handshaking:
		return "handshaking"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// handshake stages, each waiting for the ack of what was sent last
type stage int

const (
	awaitingDescriptorsAck stage = iota
	awaitingIndexAck
	awaitingEndpointsAck
	handshakeDone
)
