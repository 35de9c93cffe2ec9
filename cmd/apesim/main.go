package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"apek/internal/config"
	"apek/internal/diag"
	"apek/internal/palfi"
	"apek/internal/sched"
	"apek/internal/session"
	"apek/internal/speed"
	"apek/internal/store"
	"apek/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yml", "path to config yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	// Read the configuration
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logSvc, log := logx.New(cfg.Log)
	defer logSvc.Close()

	st, err := store.Open(cfg.Store, log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("store close", logx.Err(err))
		}
	}()

	counters := diag.New(st, log.With(logx.String("comp", "diag")))

	clock := sched.NewTickClock(1)
	k := sched.New(cfg.Kernel, clock,
		sched.WithLogger(log.With(logx.String("comp", "kernel"))),
		sched.WithRecorder(counters),
	)
	if cfg.Kernel.CSVPath != "" {
		if err := k.EnableCSVLogging(cfg.Kernel.CSVPath); err != nil {
			return fmt.Errorf("csv trace: %w", err)
		}
	}

	ctrl := speed.New(cfg.Speed, k.IRQ(), &simPlatform{log: log}, log.With(logx.String("comp", "speed")), counters)
	k.SetSpeed(ctrl)

	queue := session.NewQueue(cfg.Session, radioSink{ctrl: ctrl, out: session.LogSink{Log: log}},
		log.With(logx.String("comp", "session")))

	var (
		board *palfi.Sim
		app   *palfi.App
	)
	if cfg.PaLFi.Enabled {
		board = palfi.NewSim()
		app, err = palfi.New(ctx, cfg.PaLFi, k, palfi.Deps{
			Board:  board,
			Out:    queue,
			Store:  st,
			ADC:    session.FixedADC{Temp: cfg.Sim.ADCTemp, Volt: cfg.Sim.ADCVolt},
			Logger: log,
		})
		if err != nil {
			return err
		}
	} else {
		log.Info("palfi disabled, kernel idles")
	}

	if err := k.Init(); err != nil {
		return err
	}

	// Periodic housekeeping
	hk := cron.New()
	if _, err := hk.AddFunc(cfg.Sim.Housekeeping, func() {
		if err := counters.Flush(ctx); err != nil {
			log.Warn("diagnostics flush failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("housekeeping spec %q: %w", cfg.Sim.Housekeeping, err)
	}
	hk.Start()
	defer hk.Stop()

	w := &config.Watcher{
		Path: cfgPath,
		Log:  log,
		OnChange: func(next config.Config) {
			if err := logSvc.Apply(next.Log); err != nil {
				log.Warn("log sink change failed", logx.Err(err))
			}
		},
	}
	go func() {
		if err := w.Watch(ctx); err != nil {
			log.Debug("config watch unavailable", logx.Err(err))
		}
	}()

	queue.Start(ctx)
	clock.Start(cfg.Kernel.TickInterval())
	defer clock.Stop()

	if app != nil {
		inj := &injector{
			board: board,
			irq:   k.IRQ(),
			wake:  app.WakeSource(),
			capt:  app.CaptureSource(),
			log:   log,
		}
		go inj.wakeLoop(ctx, cfg.Sim.WakeInterval())
		go inj.edgeLoop(ctx)
	}

	log.Info("apesim running", logx.String("config", cfgPath), logx.Int("tick_hz", cfg.Kernel.TickHz))
	if err := k.Run(ctx); err != nil {
		log.Warn("status trace close", logx.Err(err))
	}

	// Shutdown
	dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	if err := k.Drain(dctx); err != nil {
		log.Warn("drain", logx.Err(err))
	}
	queue.Stop(dctx)

	s := counters.Snapshot()
	log.Info("apesim stopped",
		logx.Uint64("sent", queue.Sent()),
		logx.Uint64("failed", queue.Failed()),
		logx.Uint64("status_dropped", k.Dropped()),
		logx.Uint32("faults", s.Total()),
	)
	return nil
}
