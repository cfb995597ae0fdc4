package ptproto

import (
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/powertree/ptappdata"
	"github.com/gordian-engine/powertree/ptpower"
	"github.com/gordian-engine/powertree/ptseq"
	"github.com/gordian-engine/powertree/ptwire"
)

// Strategy selects the cycle prevention algorithm.
// Every node in a deployment must use the same strategy,
// as the strategies disagree on header layout and CYCLE_CHECK semantics.
type Strategy uint8

const (
	// StrategyAsync lets nodes connect freely,
	// then detects cycles by sending a CYCLE_CHECK up the parent chain
	// and repairs them when the check comes back to its originator.
	StrategyAsync Strategy = iota

	// StrategyMutex locks the whole subtree of a node
	// before that node may request a new parent.
	StrategyMutex

	// StrategySourcePath advertises every node's ancestor chain,
	// so a node never connects to one of its own descendants.
	StrategySourcePath
)

func (s Strategy) String() string {
	switch s {
	case StrategyAsync:
		return "async"
	case StrategyMutex:
		return "mutex"
	case StrategySourcePath:
		return "srcpath"
	default:
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
}

// ParseStrategy returns the strategy named by s,
// using the names returned by [Strategy.String].
func ParseStrategy(s string) (Strategy, bool) {
	for st := StrategyAsync; st <= StrategySourcePath; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// Variant returns the wire layout the strategy uses.
func (s Strategy) Variant() ptwire.Variant {
	if s == StrategySourcePath {
		return ptwire.VariantSourcePath
	}
	return ptwire.VariantBase
}

// Config holds the per-deployment protocol constants.
// Start from [DefaultConfig] and adjust fields as needed.
type Config struct {
	// Maximum transmit power in dBm.
	// DefaultConfig derives it from the 802.11a standard.
	MaxTxPower float64

	// Modulation of protocol frames, which determines
	// the minimum SNR used when the link does not report one.
	Modulation ptpower.Modulation

	// Consecutive discovery rounds without structural change
	// before a node considers its part of the tree converged.
	MaxUnchangedRounds int

	// Delivery checks without a report before a frame counts as failed,
	// and retransmissions before it is abandoned.
	RetryCeiling int

	// Number of sequence numbers remembered per sender for duplicate suppression.
	DupWindow int

	// Power added to each retransmission, in dB.
	RetryPowerStep float64

	// Band in watts within which a parent switch
	// is treated as neither gaining nor losing anything.
	SwitchTolerance float64

	// Neighbors whose connection attempt counter exceeds this are skipped.
	MaxConnAttempts int

	Strategy Strategy

	// Link-layer acknowledgement timeout.
	// The first delivery check happens after 100 times this value,
	// later checks every 200 times, and the path refresh of
	// StrategySourcePath after 150 times.
	AckTimeout time.Duration

	// Link-layer slot time. Neighbor discovery runs every 2000 slots.
	SlotTime time.Duration

	// Neighbors silent for longer than this are forgotten,
	// unless they are the parent, the contacted parent, or a child.
	// Zero disables forgetting.
	NeighborTTL time.Duration

	AppData AppDataConfig
}

// AppDataConfig controls the application data flood.
type AppDataConfig struct {
	// Receive window and remembered backlog, in data packets.
	Window, Backlog int

	// Number of sent or relayed payloads kept to answer missing-data requests.
	Replay int

	// Interval between initiator sends.
	Interval time.Duration

	// Number and size of payloads the initiator floods
	// when Source is nil.
	Count, Length int

	// Source overrides Count and Length.
	// It is consulted once per game started by this node,
	// so a Source must not be shared between engines.
	Source ptappdata.Source

	// Payloads are shards from [ptappdata.Sharder],
	// which receivers feed to a [ptappdata.Reassembler].
	Sharded bool

	// Delay after a gap is noticed before asking the parent for the missing data.
	// Zero disables missing-data requests.
	RequestDelay time.Duration
}

// DefaultConfig returns the configuration the protocol was tuned with:
// 802.11a timing and power, and the asynchronous strategy.
func DefaultConfig() Config {
	return Config{
		MaxTxPower: ptpower.Standard80211a.MaxTxPower(),
		Modulation: ptpower.BPSK12,

		MaxUnchangedRounds: 10,
		RetryCeiling:       20,
		DupWindow:          ptseq.DefaultDupWindow,
		RetryPowerStep:     1,
		SwitchTolerance:    1e-4,
		MaxConnAttempts:    5,

		Strategy: StrategyAsync,

		AckTimeout: 75 * time.Microsecond,
		SlotTime:   9 * time.Microsecond,

		AppData: AppDataConfig{
			Window:  ptappdata.DefaultWindow,
			Backlog: ptappdata.DefaultBacklog,
			Replay:  ptappdata.DefaultReplay,

			Interval: 10 * time.Millisecond,

			Count:  100,
			Length: 1024,

			RequestDelay: 50 * time.Millisecond,
		},
	}
}

// Validate reports every invalid field of c.
func (c Config) Validate() error {
	var errs []error
	if c.MaxUnchangedRounds <= 0 {
		errs = append(errs, fmt.Errorf("MaxUnchangedRounds must be positive (got %d)", c.MaxUnchangedRounds))
	}
	if c.RetryCeiling <= 0 {
		errs = append(errs, fmt.Errorf("RetryCeiling must be positive (got %d)", c.RetryCeiling))
	}
	if c.DupWindow <= 0 {
		errs = append(errs, fmt.Errorf("DupWindow must be positive (got %d)", c.DupWindow))
	}
	if c.RetryPowerStep <= 0 {
		errs = append(errs, fmt.Errorf("RetryPowerStep must be positive (got %g)", c.RetryPowerStep))
	}
	if c.SwitchTolerance < 0 {
		errs = append(errs, fmt.Errorf("SwitchTolerance must not be negative (got %g)", c.SwitchTolerance))
	}
	if c.MaxConnAttempts < 0 {
		errs = append(errs, fmt.Errorf("MaxConnAttempts must not be negative (got %d)", c.MaxConnAttempts))
	}
	if c.Strategy > StrategySourcePath {
		errs = append(errs, fmt.Errorf("unknown strategy %s", c.Strategy))
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("AckTimeout must be positive (got %s)", c.AckTimeout))
	}
	if c.SlotTime <= 0 {
		errs = append(errs, fmt.Errorf("SlotTime must be positive (got %s)", c.SlotTime))
	}
	if c.NeighborTTL < 0 {
		errs = append(errs, fmt.Errorf("NeighborTTL must not be negative (got %s)", c.NeighborTTL))
	}
	if c.AppData.Interval <= 0 {
		errs = append(errs, fmt.Errorf("AppData.Interval must be positive (got %s)", c.AppData.Interval))
	}
	if c.AppData.Source == nil && (c.AppData.Count < 0 || c.AppData.Length < 0) {
		errs = append(errs, fmt.Errorf(
			"AppData.Count and AppData.Length must not be negative (got %d and %d)",
			c.AppData.Count, c.AppData.Length,
		))
	}
	if c.AppData.Length > ptappdata.MaxPayloadLen {
		errs = append(errs, fmt.Errorf("AppData.Length %d exceeds %d", c.AppData.Length, ptappdata.MaxPayloadLen))
	}
	return errors.Join(errs...)
}

func (c Config) ndInterval() time.Duration {
	return 2000 * c.SlotTime
}

func (c Config) retryInitialDelay() time.Duration {
	return 100 * c.AckTimeout
}

func (c Config) retryInterval() time.Duration {
	return 200 * c.AckTimeout
}

func (c Config) pathRefreshDelay() time.Duration {
	return 150 * c.AckTimeout
}
