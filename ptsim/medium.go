package ptsim

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/gordian-engine/powertree/ptclock"
	"github.com/gordian-engine/powertree/ptproto"
	"github.com/gordian-engine/powertree/ptwire"
)

// Position is a station location in meters.
type Position struct {
	X, Y float64
}

// Distance returns the Euclidean distance between p and q.
func (p Position) Distance(q Position) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// PathLoss returns the attenuation in dB over a distance in meters.
type PathLoss interface {
	Loss(meters float64) float64
}

// LogDistance is the log-distance path loss model:
// Ref dB at one meter, growing by 10*Exponent dB per decade of distance.
type LogDistance struct {
	Ref      float64
	Exponent float64
}

// DefaultPathLoss approximates indoor 5 GHz propagation.
var DefaultPathLoss = LogDistance{Ref: 46.7, Exponent: 3}

func (l LogDistance) Loss(meters float64) float64 {
	if meters < 1 {
		meters = 1
	}
	return l.Ref + 10*l.Exponent*math.Log10(meters)
}

// Receiver is the part of an engine the medium drives.
// [*ptproto.Engine] satisfies it.
type Receiver interface {
	HandleFrame(src, dst ptwire.Addr, raw []byte, rx ptproto.RxInfo) error
	LinkAcked(seq uint16)
	LinkLost(seq uint16)
}

// MediumConfig is the configuration for [NewMedium].
// Zero fields take the defaults noted on each field.
type MediumConfig struct {
	// Noise floor at every receiver, in dBm. Default -95.
	Noise float64

	// SNR in dB a receiver needs to decode a frame. Default 5.
	MinSNR float64

	// Default DefaultPathLoss.
	PathLoss PathLoss

	// Airtime plus propagation of one frame. Default 50µs.
	// Link reports reach the sender after twice this delay.
	Delay time.Duration

	// Probability that a decodable reception is lost anyway.
	// Lost unicast frames are reported to the sender as lost.
	LossRate float64

	// Source of randomness for LossRate.
	// Required when LossRate is positive.
	Rand *rand.Rand
}

func (c *MediumConfig) setDefaults() {
	if c.Noise == 0 {
		c.Noise = -95
	}
	if c.MinSNR == 0 {
		c.MinSNR = 5
	}
	if c.PathLoss == nil {
		c.PathLoss = DefaultPathLoss
	}
	if c.Delay == 0 {
		c.Delay = 50 * time.Microsecond
	}
}

// MediumStats counts medium activity.
type MediumStats struct {
	Transmissions int
	Deliveries    int

	// Receptions below the decode threshold, or dropped by LossRate.
	Drops int

	// Frames the receiver rejected as malformed.
	Malformed int
}

// Medium is a shared radio channel driven by a [*ptclock.Manual].
//
// Every transmission reaches all stations whose received SNR
// is at least MinSNR; only the addressee handles a unicast frame.
// Unicast senders receive a link report, broadcasts are always reported delivered.
//
// Medium is not safe for concurrent use;
// it runs entirely inside the manual clock's callbacks.
type Medium struct {
	log   *slog.Logger
	clock *ptclock.Manual
	cfg   MediumConfig

	stations map[ptwire.Addr]*Station
	order    []*Station

	stats MediumStats
}

// NewMedium returns a Medium whose deliveries are scheduled on clock.
func NewMedium(log *slog.Logger, clock *ptclock.Manual, cfg MediumConfig) (*Medium, error) {
	cfg.setDefaults()
	if cfg.LossRate < 0 || cfg.LossRate >= 1 {
		return nil, fmt.Errorf("LossRate must be in [0, 1) (got %g)", cfg.LossRate)
	}
	if cfg.LossRate > 0 && cfg.Rand == nil {
		return nil, fmt.Errorf("Rand must be set when LossRate is positive")
	}
	return &Medium{
		log:   log,
		clock: clock,
		cfg:   cfg,

		stations: make(map[ptwire.Addr]*Station),
	}, nil
}

// Station is one radio attached to a [Medium].
// It implements [ptproto.Link] for the engine at that station.
type Station struct {
	m    *Medium
	addr ptwire.Addr
	pos  Position

	r Receiver
}

// Attach adds a station at pos.
// The station's receiver must be set with [*Station.SetReceiver]
// before any frame reaches it.
func (m *Medium) Attach(addr ptwire.Addr, pos Position) (*Station, error) {
	if _, ok := m.stations[addr]; ok {
		return nil, fmt.Errorf("station %s already attached", addr)
	}
	if addr.IsBroadcast() || addr.IsZero() {
		return nil, fmt.Errorf("invalid station address %s", addr)
	}
	s := &Station{m: m, addr: addr, pos: pos}
	m.stations[addr] = s
	m.order = append(m.order, s)
	return s, nil
}

func (s *Station) SetReceiver(r Receiver) {
	s.r = r
}

func (s *Station) Addr() ptwire.Addr { return s.addr }

func (s *Station) Position() Position { return s.pos }

// Move relocates the station; later transmissions use the new position.
func (s *Station) Move(pos Position) {
	s.pos = pos
}

// Transmit schedules delivery of frame to every station in range.
func (s *Station) Transmit(frame []byte, dst ptwire.Addr, txPower float64) {
	m := s.m
	m.stats.Transmissions++

	sh, err := ptwire.DecodeShort(frame)
	if err != nil {
		panic(fmt.Errorf("BUG: engine transmitted undecodable frame: %w", err))
	}
	frame = bytes.Clone(frame)

	m.clock.AfterFunc(m.cfg.Delay, func() {
		m.deliver(s, frame, dst, txPower, sh.Seq)
	})
}

func (m *Medium) deliver(src *Station, frame []byte, dst ptwire.Addr, txPower float64, seq uint16) {
	reached := false
	for _, r := range m.order {
		if r == src || r.r == nil {
			continue
		}
		if !dst.IsBroadcast() && r.addr != dst {
			continue
		}

		rx := txPower - m.cfg.PathLoss.Loss(src.pos.Distance(r.pos))
		if rx-m.cfg.Noise < m.cfg.MinSNR || m.lost() {
			m.stats.Drops++
			continue
		}

		m.stats.Deliveries++
		reached = true
		err := r.r.HandleFrame(src.addr, dst, frame, ptproto.RxInfo{
			Signal: rx,
			Noise:  m.cfg.Noise,
			MinSNR: m.cfg.MinSNR,
		})
		if err != nil {
			m.stats.Malformed++
			m.log.Debug("Receiver rejected frame", "src", src.addr, "dst", r.addr, "err", err)
		}
	}

	if src.r == nil {
		return
	}
	acked := reached || dst.IsBroadcast()
	m.clock.AfterFunc(m.cfg.Delay, func() {
		if acked {
			src.r.LinkAcked(seq)
		} else {
			src.r.LinkLost(seq)
		}
	})
}

func (m *Medium) lost() bool {
	return m.cfg.LossRate > 0 && m.cfg.Rand.Float64() < m.cfg.LossRate
}

// Station returns the station with the given address, or nil.
func (m *Medium) Station(addr ptwire.Addr) *Station {
	return m.stations[addr]
}

// InRange reports whether a frame from a at txPower dBm is decodable at b.
func (m *Medium) InRange(a, b ptwire.Addr, txPower float64) bool {
	sa, sb := m.stations[a], m.stations[b]
	if sa == nil || sb == nil {
		return false
	}
	rx := txPower - m.cfg.PathLoss.Loss(sa.pos.Distance(sb.pos))
	return rx-m.cfg.Noise >= m.cfg.MinSNR
}

func (m *Medium) Stats() MediumStats {
	return m.stats
}
