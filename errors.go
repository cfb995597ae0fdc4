package powertree

import "errors"

// ErrNodeStopped is returned from [*Node] methods
// once the node's main loop has exited.
var ErrNodeStopped = errors.New("node stopped")

// ConfigError is returned from [NewNode] when the [NodeConfig] is invalid.
// Err joins one error per invalid field.
type ConfigError struct {
	Err error
}

func (e ConfigError) Error() string {
	return "invalid node configuration: " + e.Err.Error()
}

func (e ConfigError) Unwrap() error {
	return e.Err
}
