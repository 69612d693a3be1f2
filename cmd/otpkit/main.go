// Command otpkit runs a standalone runtime daemon: a supervised heartbeat
// process plus the introspection HTTP API, Prometheus metrics, persistence and
// lifecycle-event export, all configured from a TOML file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/otpkit"
)

var version = "dev"

func main() {
	root := createRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func createRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "otpkit",
		Short:        "Embeddable actor runtime daemon",
		SilenceUsage: true,
	}
	root.AddCommand(createServeCommand())
	root.AddCommand(createVersionCommand())
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the otpkit version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("otpkit " + version)
		},
	}
}

type serveFlags struct {
	configPath string
}

func createServeCommand() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeCommand(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "path to the TOML config file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runServeCommand(ctx context.Context, f serveFlags) error {
	cfg, err := otpkit.LoadConfig(f.configPath)
	if err != nil {
		return err
	}
	lg, logCloser, err := cfg.Log.New()
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}

	rt := otpkit.NewRuntime(otpkit.WithLogger(lg), otpkit.WithIDPrefix(cfg.Runtime.IDPrefix))

	if cfg.Metrics.Enabled {
		if err := otpkit.RegisterMetricsDefault(); err != nil {
			return err
		}
		unobserve := rt.ObserveMetrics()
		defer unobserve()
		stopSampler := rt.SampleMetrics(cfg.Metrics.SampleInterval)
		defer stopSampler()
	}

	if cfg.EventLog.DSN != "" {
		sink, err := otpkit.NewEventSinkFromDSN(cfg.EventLog.DSN)
		if err != nil {
			return fmt.Errorf("event sink: %w", err)
		}
		closeRecorder := rt.RecordEvents(sink)
		defer func() {
			closeRecorder()
			if c, ok := sink.(io.Closer); ok {
				_ = c.Close()
			}
		}()
	}

	var adapter otpkit.PersistenceAdapter
	if cfg.Persistence.DSN != "" {
		adapter, err = otpkit.NewAdapterFromDSN(cfg.Persistence.DSN)
		if err != nil {
			return fmt.Errorf("persistence adapter: %w", err)
		}
		defer func() { _ = adapter.Close() }()
	}

	sup, err := rt.NewSupervisor(otpkit.SupervisorConfig{
		ID:       "otpkit-root",
		Strategy: otpkit.OneForOne,
		Children: []otpkit.ChildSpec{heartbeatSpec(rt, cfg, adapter)},
	})
	if err != nil {
		return err
	}

	application, err := otpkit.NewApp(otpkit.AppConfig{
		Name:          "otpkit",
		Supervisor:    sup,
		HandleSignals: true,
		Logger:        lg,
		OnStop: func(context.Context) error {
			rt.Shutdown(cfg.Runtime.ShutdownGrace)
			return nil
		},
	})
	if err != nil {
		return err
	}
	if err := application.Start(ctx); err != nil {
		return err
	}

	if cfg.Server.Enabled {
		srv, err := rt.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath, sup)
		if err != nil {
			return err
		}
		defer func() { _ = srv.Close() }()
		lg.Info("introspection server listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath)
	}

	lg.Info("otpkit daemon started", "version", version)
	return application.Wait()
}

type heartbeatState struct {
	Beats     int64     `json:"beats"`
	StartedAt time.Time `json:"started_at"`
}

type tickMsg struct{}

// heartbeat is the daemon's liveness process: it counts ticks and survives
// restarts when a persistence adapter is configured.
type heartbeat struct {
	rt       *otpkit.Runtime
	interval time.Duration
}

func (h heartbeat) Init(context.Context) (any, error) {
	return heartbeatState{StartedAt: time.Now()}, nil
}

func (h heartbeat) HandleCall(_ context.Context, _ any, state any) (any, any, error) {
	return state, state, nil
}

func (h heartbeat) HandleCast(_ context.Context, msg any, state any) (any, error) {
	st := state.(heartbeatState)
	if _, ok := msg.(tickMsg); ok {
		st.Beats++
		if r, found := h.rt.WhereIs("otpkit.heartbeat"); found {
			h.rt.SendAfter(r, tickMsg{}, h.interval)
		}
	}
	return st, nil
}

func (h heartbeat) SerializeState(state any) ([]byte, error) {
	return json.Marshal(state)
}

func (h heartbeat) DeserializeState(data []byte) (any, error) {
	var st heartbeatState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return st, nil
}

func heartbeatSpec(rt *otpkit.Runtime, cfg *otpkit.FileConfig, adapter otpkit.PersistenceAdapter) otpkit.ChildSpec {
	return otpkit.ChildSpec{
		ID:      "heartbeat",
		Restart: otpkit.Permanent,
		Start: func(ctx context.Context) (otpkit.Ref, error) {
			interval := cfg.Metrics.SampleInterval
			opts := otpkit.StartOptions{Name: "otpkit.heartbeat"}
			if adapter != nil {
				opts.Persistence = &otpkit.PersistenceConfig{
					Adapter:          otpkit.SharedAdapter(adapter),
					SnapshotInterval: cfg.Persistence.SnapshotInterval,
					MaxStateAge:      cfg.Persistence.MaxStateAge,
					CleanupInterval:  cfg.Persistence.CleanupInterval,
				}
			}
			r, err := rt.Start(ctx, heartbeat{rt: rt, interval: interval}, opts)
			if err != nil {
				return otpkit.Ref{}, err
			}
			rt.SendAfter(r, tickMsg{}, interval)
			return r, nil
		},
	}
}
