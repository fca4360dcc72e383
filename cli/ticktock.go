package cli

import (
	"context"
	"fmt"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/Neuropil-Engine/aaa"
	"github.com/VanDung-dev/Neuropil-Engine/config"
	"github.com/VanDung-dev/Neuropil-Engine/engine"
	"github.com/VanDung-dev/Neuropil-Engine/logging"
	"github.com/VanDung-dev/Neuropil-Engine/network"
)

// Subjects of the smoke test
const (
	SubjectTick = "tick"
	SubjectTock = "tock"
)

// TickTockOptions configures the smoke test.
type TickTockOptions struct {
	*RootOptions

	Host    string
	Port1   int
	Port2   int
	Threads int
	Log1    string
	Log2    string
	Runtime time.Duration
	Poll    time.Duration
	// MaxEcho bounds how often the handlers answer each other.
	MaxEcho int64

	// hub runs both nodes in memory.
	hub *network.MemHub
}

// TickTockResult summarises a smoke test run.
type TickTockResult struct {
	Ticks      int64
	Tocks      int64
	Heartbeats int
	Elapsed    time.Duration
	// Status holds the node statuses when the loop ended.
	Status [2]engine.Status
}

func defaultTickTockOptions(root *RootOptions) *TickTockOptions {
	return &TickTockOptions{
		RootOptions: root,
		Host:        "localhost",
		Port1:       4444,
		Port2:       5555,
		Threads:     3,
		Log1:        "np_1.log",
		Log2:        "np_2.log",
		Runtime:     50 * time.Second,
		Poll:        10 * time.Millisecond,
		MaxEcho:     1000,
	}
}

// NewTickTockCommand creates the ticktock command.
func NewTickTockCommand(rootOpts *RootOptions) *cobra.Command {
	opts := defaultTickTockOptions(rootOpts)

	cmd := &cobra.Command{
		Use:   "ticktock",
		Short: "Run the two node tick/tock smoke test",
		Long: `Start two local nodes, join the second to the first and let them
echo "tick" and "tock" messages. Node 1 sends a heartbeat tick every second
until the runtime is spent or a node stops running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := RunTickTock(ctx, opts, opts.consoleLogger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ticks=%d tocks=%d heartbeats=%d elapsed=%s\n",
				res.Ticks, res.Tocks, res.Heartbeats, res.Elapsed.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", opts.Host, "listen host of both nodes")
	cmd.Flags().IntVar(&opts.Port1, "port1", opts.Port1, "port of node 1")
	cmd.Flags().IntVar(&opts.Port2, "port2", opts.Port2, "port of node 2")
	cmd.Flags().IntVar(&opts.Threads, "threads", opts.Threads, "worker goroutines of node 1")
	cmd.Flags().StringVar(&opts.Log1, "log1", opts.Log1, "log file of node 1")
	cmd.Flags().StringVar(&opts.Log2, "log2", opts.Log2, "log file of node 2")
	cmd.Flags().DurationVar(&opts.Runtime, "runtime", opts.Runtime, "maximum runtime")
	cmd.Flags().DurationVar(&opts.Poll, "poll", opts.Poll, "status poll interval")
	cmd.Flags().Int64Var(&opts.MaxEcho, "max-echo", opts.MaxEcho, "maximum tick/tock replies, 0 disables echoing")

	return cmd
}

// listener is one node of the smoke test with its handlers installed.
type listener struct {
	node   *engine.Node
	log    zerolog.Logger
	echoes *atomic.Int64
	max    int64
	ticks  atomic.Int64
	tocks  atomic.Int64
}

func newListener(cfg config.NodeConfig, echoes *atomic.Int64, max int64, log zerolog.Logger, opts ...engine.Option) (*listener, error) {
	node, err := engine.New(cfg, opts...)
	if err != nil {
		if node != nil {
			node.Shutdown()
		}
		return nil, err
	}
	l := &listener{
		node:   node,
		log:    log.With().Str(logging.NODE, shortID(node.Fingerprint())).Logger(),
		echoes: echoes,
		max:    max,
	}

	node.SetAuthenticateCb(l.permission(aaa.KindAuthenticate))
	node.SetAuthorizeCb(l.permission(aaa.KindAuthorize))
	node.SetAccountingCb(l.permission(aaa.KindAccounting))

	for _, p := range []struct{ subject, reply string }{{SubjectTick, SubjectTock}, {SubjectTock, SubjectTick}} {
		props := node.MxProperties(p.subject)
		props.ReplySubject = p.reply
		props.MaxParallel = 100
		props.MaxRetry = 0
		if err := props.Apply(); err != nil {
			node.Shutdown()
			return nil, err
		}
	}

	if err := node.SetReceiveCb(SubjectTick, l.onTick); err != nil {
		node.Shutdown()
		return nil, err
	}
	if err := node.SetReceiveCb(SubjectTock, l.onTock); err != nil {
		node.Shutdown()
		return nil, err
	}
	return l, nil
}

// permission logs the decision and allows everything.
func (l *listener) permission(kind aaa.Kind) aaa.Func {
	return func(t *aaa.Token) bool {
		l.log.Info().Str(logging.TYPE, kind.String()).Str(logging.SUBJECT, t.Subject).
			Str(logging.PEER, shortID(t.Fingerprint())).Msg("permission granted")
		return true
	}
}

func (l *listener) onTick(msg *engine.Message) bool {
	l.ticks.Add(1)
	l.log.Info().Str(logging.TYPE, SubjectTick).Bytes("data", msg.Raw()).Msg("received")
	l.echo(SubjectTock, "tock data (bytes)")
	return true
}

func (l *listener) onTock(msg *engine.Message) bool {
	l.tocks.Add(1)
	l.log.Info().Str(logging.TYPE, SubjectTock).Bytes("data", msg.Raw()).Msg("received")
	l.echo(SubjectTick, "tick data (str)")
	return true
}

func (l *listener) echo(subject, payload string) {
	if l.echoes.Add(1) > l.max {
		return
	}
	if err := l.node.Send(subject, []byte(payload)); err != nil {
		l.log.Warn().Err(err).Str(logging.SUBJECT, subject).Msg("echo failed")
	}
}

// RunTickTock runs the smoke test until the runtime is spent, a node stops
// running or ctx is done. Both nodes are shut down before it returns.
func RunTickTock(ctx context.Context, opts *TickTockOptions, log zerolog.Logger) (TickTockResult, error) {
	var res TickTockResult

	base := config.DefaultNodeConfig()
	if opts.RootOptions != nil {
		cfg, err := opts.loadConfig()
		if err != nil {
			return res, err
		}
		base = cfg
	}
	base.Host = opts.Host
	base.Join = nil
	base.ControlAddr, base.MetricsAddr, base.LedgerFile, base.IdentityFile = "", "", "", ""

	cfg1, cfg2 := base, base
	cfg1.Port, cfg1.Threads, cfg1.LogFile = opts.Port1, opts.Threads, opts.Log1
	cfg2.Port, cfg2.LogFile = opts.Port2, opts.Log2

	var nodeOpts []engine.Option
	if opts.hub != nil {
		nodeOpts = append(nodeOpts, engine.WithMemHub(opts.hub))
	}

	echoes := new(atomic.Int64)
	np1, err := newListener(cfg1, echoes, opts.MaxEcho, log, nodeOpts...)
	if err != nil {
		return res, fmt.Errorf("node 1: %w", err)
	}
	np2, err := newListener(cfg2, echoes, opts.MaxEcho, log, nodeOpts...)
	if err != nil {
		np1.node.Shutdown()
		return res, fmt.Errorf("node 2: %w", err)
	}
	defer func() {
		var g errgroup.Group
		for _, l := range []*listener{np1, np2} {
			g.Go(func() error {
				l.node.Shutdown()
				return nil
			})
		}
		_ = g.Wait()
		log.Info().Msg("neuropil shutdown")
	}()

	addr1 := np1.node.Address().String()
	log.Info().Str(logging.ADDR, addr1).Msg("other nodes connect to node 1")
	log.Info().Str(logging.ADDR, np2.node.Address().String()).Msg("node 2")
	if err := np2.node.Join(addr1); err != nil {
		return res, fmt.Errorf("join: %w", err)
	}

	start := time.Now()
	np1.send(SubjectTick, "some data")
	res.Heartbeats = 1

	poll := opts.Poll
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

loop:
	for {
		res.Status = [2]engine.Status{np1.node.Status(), np2.node.Status()}

		elapsed := time.Since(start)
		if int(elapsed/time.Second) > res.Heartbeats {
			res.Heartbeats++
			log.Info().Msg("tick")
			np1.send(SubjectTick, "some data")
		}

		if elapsed >= opts.Runtime || !allRunning(res.Status[:]) {
			break
		}
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}

	res.Elapsed = time.Since(start)
	res.Ticks = np1.ticks.Load() + np2.ticks.Load()
	res.Tocks = np1.tocks.Load() + np2.tocks.Load()
	return res, nil
}

func (l *listener) send(subject, payload string) {
	if err := l.node.Send(subject, []byte(payload)); err != nil {
		l.log.Warn().Err(err).Str(logging.SUBJECT, subject).Msg("send failed")
	}
}

func allRunning(status []engine.Status) bool {
	for _, s := range status {
		if s != engine.StatusRunning {
			return false
		}
	}
	return true
}

func shortID(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
