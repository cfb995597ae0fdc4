package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/gordian-engine/powertree/ptmetrics"
	"github.com/gordian-engine/powertree/ptpower"
	"github.com/gordian-engine/powertree/ptproto"
	"github.com/gordian-engine/powertree/ptsim"
	"github.com/gordian-engine/powertree/ptwire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type simulateOptions struct {
	Nodes     int
	Layout    string
	Spacing   float64
	Side      float64
	MaxLink   float64
	Seed      uint64
	Initiator int

	Strategy string
	Standard string

	Packets      int
	PacketLength int
	LossRate     float64

	MaxSteps int

	MetricsAddr string
	Verbose     bool
}

func simulateCmd() *cobra.Command {
	var o simulateOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one game over a simulated radio medium",
		Long: `Run one game over a simulated radio medium in virtual time,
then print every node's parent and transmit power and the totals.

Examples:
  powertree simulate --nodes 6 --layout line --spacing 60
  powertree simulate --layout scatter --nodes 20 --seed 7 --strategy srcpath
  powertree simulate --layout grid --nodes 16 --metrics-addr :9100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), o)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&o.Nodes, "nodes", "n", 10, "Number of nodes")
	f.StringVar(&o.Layout, "layout", "line", "Node placement: line, grid or scatter")
	f.Float64Var(&o.Spacing, "spacing", 60, "Distance between neighbors in line and grid layouts, in meters")
	f.Float64Var(&o.Side, "side", 250, "Side of the square for the scatter layout, in meters")
	f.Float64Var(&o.MaxLink, "max-link", 100, "Maximum distance from a scattered node to its nearest earlier node, in meters")
	f.Uint64Var(&o.Seed, "seed", 1, "Seed for the scatter layout and frame loss")
	f.IntVar(&o.Initiator, "initiator", 0, "Index of the initiating node")
	f.StringVar(&o.Strategy, "strategy", ptproto.StrategyAsync.String(), "Cycle prevention: async, mutex or srcpath")
	f.StringVar(&o.Standard, "standard", ptpower.Standard80211a.String(), "PHY standard, which sets the maximum transmit power")
	f.IntVar(&o.Packets, "packets", 20, "Application packets the initiator sends once the tree is finished")
	f.IntVar(&o.PacketLength, "packet-length", 1024, "Application packet length in bytes")
	f.Float64Var(&o.LossRate, "loss", 0, "Probability that a decodable frame is lost anyway")
	f.IntVar(&o.MaxSteps, "max-steps", 20_000_000, "Give up after this many timer callbacks")
	f.StringVar(&o.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address after the run, until interrupted")
	f.BoolVarP(&o.Verbose, "verbose", "v", false, "Log protocol activity at debug level")

	return cmd
}

func (o simulateOptions) positions() ([]ptsim.Position, error) {
	if o.Nodes < 2 {
		return nil, fmt.Errorf("need at least 2 nodes (got %d)", o.Nodes)
	}

	switch o.Layout {
	case "line":
		return ptsim.Line(o.Nodes, o.Spacing), nil
	case "grid":
		cols := 1
		for cols*cols < o.Nodes {
			cols++
		}
		rows := (o.Nodes + cols - 1) / cols
		return ptsim.Grid(rows, cols, o.Spacing)[:o.Nodes], nil
	case "scatter":
		r := rand.New(rand.NewPCG(o.Seed, o.Seed))
		return ptsim.Scatter(r, o.Nodes, o.Side, o.MaxLink), nil
	default:
		return nil, fmt.Errorf("unknown layout %q", o.Layout)
	}
}

func (o simulateOptions) protocolConfig() (ptproto.Config, error) {
	cfg := ptproto.DefaultConfig()

	s, ok := ptproto.ParseStrategy(o.Strategy)
	if !ok {
		return cfg, fmt.Errorf("unknown strategy %q", o.Strategy)
	}
	cfg.Strategy = s

	std, ok := ptpower.ParseStandard(o.Standard)
	if !ok {
		return cfg, fmt.Errorf("unknown standard %q", o.Standard)
	}
	cfg.MaxTxPower = std.MaxTxPower()

	cfg.AppData.Count = o.Packets
	cfg.AppData.Length = o.PacketLength

	return cfg, cfg.Validate()
}

func runSimulate(ctx context.Context, out, logOut io.Writer, o simulateOptions) error {
	positions, err := o.positions()
	if err != nil {
		return err
	}
	if o.Initiator < 0 || o.Initiator >= len(positions) {
		return fmt.Errorf("initiator index %d out of range [0, %d)", o.Initiator, len(positions))
	}

	protoCfg, err := o.protocolConfig()
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	reg := prometheus.NewRegistry()

	mediumCfg := ptsim.MediumConfig{LossRate: o.LossRate}
	if o.LossRate > 0 {
		mediumCfg.Rand = rand.New(rand.NewPCG(o.Seed, ^o.Seed))
	}

	nw, err := ptsim.NewNetwork(log, ptsim.NetworkConfig{
		Protocol:  protoCfg,
		Medium:    mediumCfg,
		Positions: positions,
		Observer: func(a ptwire.Addr) ptproto.Observer {
			return ptmetrics.New(ptmetrics.Config{
				Registry:    reg,
				ConstLabels: prometheus.Labels{"node": a.String()},
			})
		},
	})
	if err != nil {
		return fmt.Errorf("failed to build network: %w", err)
	}

	const gameID = 1
	if err := nw.StartGame(gameID, o.Initiator); err != nil {
		return fmt.Errorf("failed to start game: %w", err)
	}

	done := func() bool {
		if !nw.Finished(gameID) {
			return false
		}
		for i, n := range nw.Nodes {
			if i != o.Initiator && len(n.Recorder.Delivered[gameID]) < o.Packets {
				return false
			}
		}
		return true
	}
	ok := nw.RunUntil(done, o.MaxSteps)

	report(out, nw, gameID, o.Initiator, positions, ok)

	if o.MetricsAddr == "" {
		return nil
	}
	return serveMetrics(ctx, out, reg, o.MetricsAddr)
}

func report(out io.Writer, nw *ptsim.Network, gameID uint64, initiator int, positions []ptsim.Position, ok bool) {
	start := time.Time{}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tX\tY\tPARENT\tCHILDREN\tTX dBm\tFINISHED\tDATA\tSENT\tRETX")

	var sent, retx, repaired int
	for i, n := range nw.Nodes {
		s, _ := n.Engine.Snapshot(gameID)

		parent := "-"
		if i == initiator {
			parent = "(initiator)"
		} else if !s.Parent.IsBroadcast() {
			parent = s.Parent.String()
		}

		tx := "-"
		if len(s.Children) > 0 {
			tx = fmt.Sprintf("%.1f", s.Highest)
		}

		finished := "-"
		if at, ok := n.Recorder.FinishedAt[gameID]; ok {
			finished = at.Sub(start).Round(time.Microsecond).String()
		}

		fmt.Fprintf(tw, "%s\t%.0f\t%.0f\t%s\t%d\t%s\t%s\t%d\t%d\t%d\n",
			n.Addr, positions[i].X, positions[i].Y, parent, len(s.Children), tx, finished,
			len(n.Recorder.Delivered[gameID]), n.Recorder.Sent, n.Recorder.Retransmitted,
		)

		sent += n.Recorder.Sent
		retx += n.Recorder.Retransmitted
		repaired += n.Recorder.CyclesRepaired
	}
	_ = tw.Flush()

	fmt.Fprintln(out)
	if ok {
		fmt.Fprintln(out, "Result:           finished, all data delivered")
	} else {
		fmt.Fprintln(out, "Result:           incomplete (step limit reached or network idle)")
	}
	fmt.Fprintf(out, "Reaches root:     %t\n", nw.Reaches(gameID, initiator))
	fmt.Fprintf(out, "Tree power:       %.4f W\n", nw.TreePower(gameID))
	fmt.Fprintf(out, "Virtual time:     %s\n", nw.Clock.Now().Sub(start))
	fmt.Fprintf(out, "Frames sent:      %d (%d retransmissions)\n", sent, retx)
	fmt.Fprintf(out, "Medium drops:     %d\n", nw.Medium.Stats().Drops)
	fmt.Fprintf(out, "Cycles seen:      %d unique, %d repaired\n", nw.Watchdog.Unique(), repaired)
}

func serveMetrics(ctx context.Context, out io.Writer, g prometheus.Gatherer, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	fmt.Fprintf(out, "\nServing metrics on http://%s/metrics until interrupted\n", ln.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
