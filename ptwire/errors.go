package ptwire

import "fmt"

// TruncatedError is returned when decoding input that is too short.
// It is the only decoding error in this package.
type TruncatedError struct {
	Need, Have int
}

func (e TruncatedError) Error() string {
	return fmt.Sprintf("truncated frame: need %d bytes, have %d", e.Need, e.Have)
}
