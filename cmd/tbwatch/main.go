package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tbwatch/internal/appinfo"
	"tbwatch/internal/config"
	"tbwatch/internal/event"
	"tbwatch/internal/fanout"
	"tbwatch/internal/launch"
	"tbwatch/internal/runlog"
	"tbwatch/internal/runstate"
	"tbwatch/internal/stream"
	"tbwatch/internal/tui"
)

func main() {
	if len(os.Args) < 2 {
		if err := runWatch(os.Args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "watch":
		if err := runWatch(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "run":
		code, err := runOnce(os.Args[2:])
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		os.Exit(code)
	case "runs":
		if err := listRuns(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(appinfo.Display())
	default:
		if err := runWatch(os.Args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}
}

type wired struct {
	cfg      config.Config
	log      *runlog.Logger
	registry *fanout.Registry
	manager  *stream.Manager
	launcher *launch.Client
	store    *runstate.Store
}

// wire loads config and builds the shared subsystem. When termLog is
// false the logger writes to the log file only, so a fullscreen TUI can
// own stdout.
func wire(configPath string, termLog bool) (*wired, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	opts := runlog.Options{}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.LogFile, err)
		}
		opts.File = f
	}
	if termLog {
		opts.Term = os.Stderr
		opts.TermEnabled = true
		opts.TermColor = runlog.TermColorEnabled(os.Stderr)
	}
	log := runlog.New(opts)

	registry := fanout.New()
	manager, err := stream.NewManager(stream.Options{
		Registry: registry,
		Token:    cfg.Token,
		Log:      log,
	})
	if err != nil {
		return nil, err
	}
	launcher := &launch.Client{
		BaseURL: cfg.APIBase,
		Token:   cfg.Token,
		Timeout: cfg.LaunchTimeout(),
		Log:     log,
	}

	var store *runstate.Store
	if cfg.RedisURL != "" {
		store, err = runstate.NewStore(cfg.RedisURL, cfg.RunMaxAge())
		if err != nil {
			log.Logf(runlog.KindWarn, "redis unavailable, attach discovery disabled: %v", err)
			store = nil
		}
	}

	return &wired{cfg: cfg, log: log, registry: registry, manager: manager, launcher: launcher, store: store}, nil
}

func (w *wired) close() {
	w.manager.Close()
	if w.store != nil {
		w.store.Close()
	}
	w.log.Close()
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "config.json", "path to config.json")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest)%2 != 0 {
		return fmt.Errorf("usage: watch [-config path] [storage_path task_name]...")
	}
	var launches []tui.LaunchSpec
	for i := 0; i+1 < len(rest); i += 2 {
		launches = append(launches, tui.LaunchSpec{StoragePath: rest[i], TaskName: rest[i+1]})
	}

	w, err := wire(*configPath, false)
	if err != nil {
		return err
	}
	defer w.close()

	var sweeper *runstate.Sweeper
	if w.store != nil {
		sweeper, err = runstate.NewSweeper(w.store, w.cfg.UserID, w.cfg.SweepInterval(), w.cfg.RunMaxAge(), w.log)
		if err != nil {
			return err
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return tui.Run(ctx, os.Stdin, os.Stdout, tui.Deps{
		Config:   w.cfg,
		Registry: w.registry,
		Manager:  w.manager,
		Launcher: w.launcher,
		Store:    w.store,
		Log:      w.log,
	}, launches)
}

// runOnce launches a single run and copies its output to stdout until a
// terminal event arrives. The process exit code mirrors the run's.
func runOnce(args []string) (int, error) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.json", "path to config.json")
	fs.Parse(args)

	if fs.NArg() != 2 {
		return 1, fmt.Errorf("usage: run [-config path] <storage_path> <task_name>")
	}
	storagePath, taskName := fs.Arg(0), fs.Arg(1)

	w, err := wire(*configPath, true)
	if err != nil {
		return 1, err
	}
	defer w.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observe the connection before opening it: a drop after launch must
	// end the command with a diagnostic, not a silent hang.
	connDown := make(chan struct{}, 1)
	w.manager.SetOnState(func(s stream.State) {
		if s == stream.StateError {
			select {
			case connDown <- struct{}{}:
			default:
			}
		}
	})

	if err := w.manager.Open(ctx, w.cfg.UserID, w.cfg.ResolvedStreamURL()); err != nil {
		return 1, err
	}

	if w.store != nil {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if rec, running, _ := w.store.Lookup(checkCtx, w.cfg.UserID, taskName); running {
			fmt.Fprintf(os.Stderr, "warning: %s already has a running instance (run %s)\n", taskName, rec.RunID)
		}
		cancel()
	}

	res, err := w.launcher.StartRun(ctx, storagePath, taskName)
	if err != nil {
		return 1, err
	}
	w.log.Logf(runlog.KindLaunch, "started %s run %s", taskName, res.RunID)

	if w.store != nil {
		markCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = w.store.MarkRunning(markCtx, w.cfg.UserID, runstate.Record{
			TaskID:    res.TaskID,
			RunID:     res.RunID,
			TaskName:  taskName,
			StartedAt: time.Now().UTC(),
		})
		cancel()
	}

	done := make(chan int, 1)
	handler := func(ev event.Event) {
		switch ev := ev.(type) {
		case event.Output:
			fmt.Print(ev.Chunk)
		case event.Status:
			fmt.Fprintln(os.Stderr, ev.Text)
		case event.Complete:
			select {
			case done <- ev.Result.ExitCode:
			default:
			}
		case event.Failure:
			fmt.Fprintln(os.Stderr, ev.Message)
			select {
			case done <- 1:
			default:
			}
		}
	}

	// Without a run_id in the response the exact key is unknowable until
	// the first event; a task watcher sees every event either way.
	var unsub func()
	if res.RunIDProvisional {
		unsub = w.registry.SubscribeTask(res.TaskID, handler)
	} else {
		unsub = w.registry.Subscribe(res.Key(), handler)
	}
	defer unsub()

	select {
	case code := <-done:
		if w.store != nil {
			clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = w.store.ClearRunning(clearCtx, w.cfg.UserID, taskName)
			cancel()
		}
		return code, nil
	case <-connDown:
		return 1, fmt.Errorf("stream connection lost before the run finished: %v", w.manager.Err())
	case <-ctx.Done():
		return 130, nil
	}
}

func listRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	configPath := fs.String("config", "config.json", "path to config.json")
	fs.Parse(args)

	w, err := wire(*configPath, true)
	if err != nil {
		return err
	}
	defer w.close()

	if w.store == nil {
		return fmt.Errorf("no redis_url configured; the runs listing needs Redis")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recs, err := w.store.ListRunning(ctx, w.cfg.UserID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no running tasks")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("%-24s %s:%s  started %s\n", rec.TaskName, rec.TaskID, rec.RunID, rec.StartedAt.Format(time.RFC3339))
	}
	return nil
}
