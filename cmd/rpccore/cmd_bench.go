package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/rpccore/bench"
	"github.com/ozontech/rpccore/channel"
	"github.com/ozontech/rpccore/config"
	"github.com/ozontech/rpccore/lifecycle"
	"github.com/ozontech/rpccore/metadata"
	"github.com/ozontech/rpccore/report"
	"github.com/ozontech/rpccore/report/multi"
	"github.com/ozontech/rpccore/report/phout"
	"github.com/ozontech/rpccore/report/simple"
	"github.com/ozontech/rpccore/scheduler"
	"github.com/ozontech/rpccore/server"
	"github.com/ozontech/rpccore/transport/inproc"
)

// InprocTarget runs the calls against the built-in echo server.
const InprocTarget = "inproc"

type RPSConst struct {
	Freq     uint64        `arg:"" required:"" help:"Value req/s."`
	Duration time.Duration `help:"Limit duration (10s, 2h...)."`
	Count    int64         `help:"Limit requests count."`
}

func (r RPSConst) AfterApply(kongCtx *kong.Context) error {
	sched, err := scheduler.NewConstant(r.Freq)
	if err != nil {
		return err
	}
	kongCtx.BindTo(limit(sched, r.Duration, r.Count), (*scheduler.Scheduler)(nil))
	return nil
}

type RPSLine struct {
	From     float64       `arg:"" required:"" help:"Starting req/s."`
	To       float64       `arg:"" required:"" help:"Ending req/s."`
	Duration time.Duration `arg:"" required:"" help:"Duration (10s, 2h...)."`
}

func (r RPSLine) AfterApply(kongCtx *kong.Context) error {
	if r.From == r.To {
		return fmt.Errorf("line needs different rates, use const for %v req/s", r.From)
	}
	sched := scheduler.NewLine(r.From, r.To, r.Duration)
	kongCtx.BindTo(limit(sched, r.Duration, 0), (*scheduler.Scheduler)(nil))
	return nil
}

type RPSUnlimited struct {
	Duration time.Duration `help:"Limit duration (10s, 2h...)."`
	Count    int64         `help:"Limit requests count."`
}

func (r RPSUnlimited) AfterApply(kongCtx *kong.Context) error {
	kongCtx.BindTo(limit(scheduler.Unlimited{}, r.Duration, r.Count), (*scheduler.Scheduler)(nil))
	return nil
}

func limit(s scheduler.Scheduler, d time.Duration, count int64) scheduler.Scheduler {
	if count > 0 {
		s = scheduler.NewCountLimiter(s, count)
	}
	if d > 0 {
		s = scheduler.NewDurationLimiter(s, d)
	}
	return s
}

type RPS struct {
	Const     RPSConst     `cmd:"" group:"rps" help:"Const rps."`
	Line      RPSLine      `cmd:"" group:"rps" help:"Linear rps."`
	Unlimited RPSUnlimited `cmd:"" group:"rps" help:"Unlimited rps (default one)." default:"withargs"`
}

type BenchCommand struct {
	Target   string            `default:"inproc" help:"host:port of the server, or inproc for the built-in echo server."`
	Config   string            `help:"JSON config file." type:"existingfile"`
	Method   string            `default:"/echo.Echo/Say" help:"Full method name."`
	Message  string            `default:"ping" help:"Request payload."`
	Metadata map[string]string `short:"H" help:"Request metadata (key=value)."`
	Timeout  time.Duration     `default:"11s" help:"Deadline of every call, 0 for none."`
	InFlight int               `default:"64" help:"Calls in flight at once."`
	Phout    string            `help:"Phout report file." type:"path"`
	Verbose  bool              `help:"Verbose output."`

	RPS
}

func (c *BenchCommand) Run(ctx context.Context, sched scheduler.Scheduler, out io.Writer) (err error) {
	cfg := config.Default()
	if c.Config != "" {
		if cfg, err = config.Load(c.Config); err != nil {
			return err
		}
	}

	log := zap.NewNop()
	if c.Verbose {
		log = zap.Must(zap.NewDevelopment())
	}
	log.Info("config", zap.Stringer("config", cfg))

	initOpts := []lifecycle.Opt{
		lifecycle.WithLogger(log),
		lifecycle.WithExecutorThreads(cfg.ExecutorThreads),
	}
	if cfg.QuotaSize > 0 {
		initOpts = append(initOpts, lifecycle.WithQuotaSize(cfg.QuotaSize))
	}
	lifecycle.Init(initOpts...)
	defer func() { err = multierr.Append(err, lifecycle.Shutdown()) }()

	var md metadata.MD
	for k, v := range c.Metadata {
		md = md.Append(k, []byte(v))
	}
	if err := md.Validate(); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	var reporter report.Reporter = simple.New(out)
	if c.Phout != "" {
		f, err := os.Create(c.Phout)
		if err != nil {
			return fmt.Errorf("creating phout file(%s): %w", c.Phout, err)
		}
		defer f.Close()
		reporter = multi.New(phout.New(f), reporter)
	}

	g := new(errgroup.Group)
	chOpts := []channel.Opt{
		channel.WithLogger(log),
		channel.WithRegistry(lifecycle.Default().Registry()),
	}
	var srv *server.Server
	if c.Target == InprocTarget {
		ct, st := inproc.NewPair(inproc.WithLogger(log))
		srv, err = server.New(cfg, server.WithLogger(log))
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Serve(ctx, st) })
		g.Go(func() error { return srv.ServeEcho(cfg.ExecutorThreads) })
		chOpts = append(chOpts, channel.WithTransport(ct))
	}
	ch, err := channel.New(c.Target, cfg, chOpts...)
	if err != nil {
		return err
	}

	g.Go(reporter.Run)

	runner := bench.New(ch, sched, reporter, bench.Config{
		Method:   c.Method,
		Message:  []byte(c.Message),
		Metadata: md,
		Timeout:  c.Timeout,
		InFlight: c.InFlight,
	}, bench.WithLogger(log), bench.WithExecutor(lifecycle.Executor()))

	n, runErr := runner.Run(ctx)
	log.Info("bench finished", zap.Int64("calls", n))
	err = multierr.Combine(runErr, reporter.Close(), ch.Close())
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SetupTimeout)
		defer cancel()
		err = multierr.Append(err, srv.Shutdown(shutdownCtx))
	}
	err = multierr.Append(err, g.Wait())
	memStats(log)
	return err
}

func memStats(log *zap.Logger) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Info(
		"memory stats",
		zap.String("alloc", humanize.IBytes(m.Alloc)),
		zap.String("total-alloc", humanize.IBytes(m.TotalAlloc)),
		zap.String("sys", humanize.IBytes(m.Sys)),
		zap.String("heap-inuse", humanize.IBytes(m.HeapInuse)),
		zap.Uint64("heap-objects", m.HeapObjects),
		zap.Uint32("num-gc", m.NumGC),
	)
}
