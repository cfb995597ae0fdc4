// Package ptpower contains the transmit power arithmetic
// shared by the protocol engine and the simulator.
//
// Powers are expressed in dBm unless a function name says otherwise.
// Cost comparisons happen in watts, where differences are meaningful.
package ptpower

import "math"

// Margin is the headroom added to a computed reach power
// when the maximum transmit power allows it.
const Margin = 5.0

// DbmToW converts a power in dBm to watts.
func DbmToW(dbm float64) float64 {
	return math.Pow(10, dbm/10) / 1000
}

// WToDbm converts a power in watts to dBm.
// WToDbm(0) is negative infinity, which is used as "no power needed".
func WToDbm(w float64) float64 {
	return 10 * math.Log10(w*1000)
}

// None is the power advertised by a node that has no children.
var None = math.Inf(-1)

// Unreachable is the reach power of a neighbor that has not been measured yet.
const Unreachable = math.MaxFloat32

// RequiredPower returns the transmit power needed to reach a node
// whose frame, sent at txPower, arrived at rxPower over the given noise floor.
//
// If the result is within maxPower, [Margin] is added
// without exceeding maxPower.
// A result above maxPower is returned unchanged
// so the caller can tell the node is out of reach.
func RequiredPower(rxPower, txPower, noise, minSNR, maxPower float64) float64 {
	snr := rxPower - noise
	needed := txPower - (snr - minSNR)
	if needed <= maxPower {
		needed = math.Min(needed+Margin, maxPower)
	}
	return needed
}

// Standard is a PHY standard, which determines the permitted transmit power.
type Standard uint8

const (
	Standard80211a Standard = iota
	Standard80211b
	Standard80211g
	Standard80211n24GHz
	Standard80211n5GHz
)

// MaxTxPower returns the maximum allowed transmit power for s, in dBm.
func (s Standard) MaxTxPower() float64 {
	switch s {
	case Standard80211a, Standard80211n5GHz:
		return 23
	default:
		return 20
	}
}

func (s Standard) String() string {
	switch s {
	case Standard80211a:
		return "802.11a"
	case Standard80211b:
		return "802.11b"
	case Standard80211g:
		return "802.11g"
	case Standard80211n24GHz:
		return "802.11n-2.4GHz"
	case Standard80211n5GHz:
		return "802.11n-5GHz"
	default:
		return "unknown"
	}
}

// ParseStandard returns the Standard named by s,
// using the names returned by [Standard.String].
func ParseStandard(s string) (Standard, bool) {
	for st := Standard80211a; st <= Standard80211n5GHz; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// Modulation is a modulation and coding scheme.
type Modulation uint8

const (
	ModulationUnknown Modulation = iota
	BPSK12
	BPSK34
	QPSK12
	QPSK34
	QAM16_12
	QAM16_34
	QAM64_23
	QAM64_34
)

// MinSNR returns the minimum signal to noise ratio, in dB,
// that a receiver needs to decode frames sent with m.
func (m Modulation) MinSNR() float64 {
	switch m {
	case BPSK12:
		return 5
	case BPSK34:
		return 8
	case QPSK12:
		return 10
	case QPSK34:
		return 13
	case QAM16_12:
		return 16
	case QAM16_34:
		return 19
	case QAM64_23:
		return 22
	case QAM64_34:
		return 25
	default:
		return 15
	}
}
