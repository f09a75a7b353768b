package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	splog "github.com/holon-run/shellpilot/pkg/log"
	"github.com/holon-run/shellpilot/pkg/metrics"
	"github.com/holon-run/shellpilot/pkg/runtime"
	"github.com/holon-run/shellpilot/pkg/serve"
	"github.com/holon-run/shellpilot/pkg/shell"
)

var (
	serveHTTPAddr      string
	serveNoStdio       bool
	serveSkipPreflight bool
	servePolicy        string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent runtime behind a JSON-RPC frontend",
	Long: `Run the agent runtime.

Requests are read as JSON-RPC 2.0, one object per line, from stdin; responses
and event notifications (method "event/<type>") are written to stdout. With
--http the same protocol is also served over a websocket at /v1/stream,
alongside /healthz, /v1/tasks, /v1/rpc and Prometheus /metrics.

Closing stdin shuts the runtime down once running tasks have drained.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if serveHTTPAddr != "" {
			cfg.Serve.HTTPAddr = serveHTTPAddr
		}
		if serveNoStdio {
			cfg.Serve.Stdio = false
		}
		if servePolicy != "" {
			cfg.Approval.Policy = servePolicy
		}
		if !cfg.Serve.Stdio && cfg.Serve.HTTPAddr == "" {
			return errors.New("nothing to serve: stdio is disabled and no --http address is set")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	logger := splog.Named("serve")

	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()
	if !serveSkipPreflight {
		if err := newChecker(b, true).Run(ctx); err != nil {
			return err
		}
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	attach := b.Attach()
	rc, err := cfg.RuntimeConfig(time.Now(), attach.Command)
	if err != nil {
		return err
	}
	m := metrics.New()
	deps := runtime.Deps{
		Shell:   shell.NewEngine(b, cfg.ShellOptions()),
		Metrics: m,
		Redact:  cfg.Redactor().String,
	}
	if st != nil {
		deps.Store = st
	}
	rt := runtime.New(rc, deps)

	events := serve.NewBroadcaster(cfg.Serve.StreamBuffer, m)
	methods := serve.NewMethods(rt, time.Now)

	var stdio *serve.StdioServer
	if cfg.Serve.Stdio {
		stdio = serve.NewStdioServer(methods, events, os.Stdin, os.Stdout)
	}

	go events.Pump(rt.Events())
	rt.Start(ctx)
	logger.Infow("runtime started", "session", b.Session(), "target", b.Target().String(), "policy", rc.Policy.String())
	splog.Progress(attach.Instructions, "command", attach.Command)

	// Frontends outlive ctx: a signal shuts the runtime down, and they stop
	// once it has.
	frontCtx, cancelFront := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelFront()

	stopRuntime := func() {
		if _, err := rt.Send(context.Background(), runtime.Shutdown{}); err != nil && !errors.Is(err, runtime.ErrStopped) {
			logger.Warnw("shutdown request failed", "error", err)
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		<-rt.Done()
		cancelFront()
		return nil
	})
	if stdio != nil {
		g.Go(func() error {
			err := stdio.Run(frontCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				stopRuntime()
				return fmt.Errorf("stdio frontend: %w", err)
			}
			return nil
		})
	}
	if addr := cfg.Serve.HTTPAddr; addr != "" {
		srv := serve.NewHTTPServer(serve.HTTPOptions{
			Controller: rt,
			Methods:    methods,
			Events:     events,
			Metrics:    m,
			Debug:      cfg.Logging.Level == string(splog.LevelDebug),
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(frontCtx, addr); err != nil {
				stopRuntime()
				return fmt.Errorf("http frontend: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Infow("runtime stopped")
	return err
}

func init() {
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http", "", "Also serve HTTP and websocket on this address (e.g. 127.0.0.1:7070)")
	serveCmd.Flags().BoolVar(&serveNoStdio, "no-stdio", false, "Do not speak JSON-RPC on stdin/stdout")
	serveCmd.Flags().BoolVar(&serveSkipPreflight, "skip-preflight", false, "Skip tmux, transport and store checks")
	serveCmd.Flags().StringVar(&servePolicy, "policy", "", "Initial approval policy: ask, approve, deny, approve-for:<d>, approve-until:<t>")
	rootCmd.AddCommand(serveCmd)
}
