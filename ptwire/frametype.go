package ptwire

import "strconv"

// FrameType identifies the purpose of a frame.
type FrameType uint8

const (
	CycleCheck FrameType = iota
	NeighborDiscovery
	ChildRequest
	ChildConfirmation
	ChildRejection
	ParentRevocation
	EndOfGame
	ApplicationData

	// NumFrameTypes is the number of defined frame types,
	// convenient for sizing per-type tables.
	NumFrameTypes = int(ApplicationData) + 1
)

// NeedsAck reports whether frames of type ft
// are tracked by the retry scheduler until acknowledged.
func (ft FrameType) NeedsAck() bool {
	switch ft {
	case ChildRequest, ChildConfirmation, ChildRejection, ParentRevocation, EndOfGame:
		return true
	}
	return false
}

func (ft FrameType) String() string {
	switch ft {
	case CycleCheck:
		return "CYCLE_CHECK"
	case NeighborDiscovery:
		return "NEIGHBOR_DISCOVERY"
	case ChildRequest:
		return "CHILD_REQUEST"
	case ChildConfirmation:
		return "CHILD_CONFIRMATION"
	case ChildRejection:
		return "CHILD_REJECTION"
	case ParentRevocation:
		return "PARENT_REVOCATION"
	case EndOfGame:
		return "END_OF_GAME"
	case ApplicationData:
		return "APPLICATION_DATA"
	default:
		return "FrameType(" + strconv.Itoa(int(ft)) + ")"
	}
}
