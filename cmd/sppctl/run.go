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

	"github.com/srg/sppctl/internal/console"
	"github.com/srg/sppctl/internal/groutine"
	"github.com/srg/sppctl/internal/output"
	"github.com/srg/sppctl/internal/pairing"
	"github.com/srg/sppctl/manager"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring the stack up and manage SPP sessions",
	Long: `Brings the local Bluetooth adapter up, registers the pairing agent and
enables SPP, then runs until interrupted.

In the client role the interactive console drives name discovery, service
discovery and connection (type ? for the key list). In the server role an
SPP service is registered and incoming connections are accepted.

Every session echoes received data by default; with --payload=pty each
session is bridged to its own pseudo-terminal instead.

Example:
  sppctl run --target NCC-1701F
  sppctl run --role server --payload pty
  sppctl run -c sppctl.yaml --pairing prompt`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runVerbose   bool
	runNoConsole bool
)

func init() {
	runCmd.Flags().String("role", "", "Role: client or server (overrides config)")
	runCmd.Flags().String("target", "", "Remote device name to discover in the client role (overrides config)")
	runCmd.Flags().String("payload", "", "Session payload: echo or pty (overrides config)")
	runCmd.Flags().String("pairing", "", "Pairing mode: fixed, prompt or reject (overrides config)")
	runCmd.Flags().BoolVar(&runVerbose, "verbose", false, "Show session data and debug logs")
	runCmd.Flags().BoolVar(&runNoConsole, "no-console", false, "Do not read commands from stdin")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	for flag, target := range map[string]*string{
		"role":    &cfg.Role,
		"target":  &cfg.Discovery.TargetName,
		"payload": &cfg.Session.Payload,
		"pairing": &cfg.Pairing.Mode,
	} {
		if cmd.Flags().Changed(flag) {
			*target, _ = cmd.Flags().GetString(flag)
		}
	}

	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	collector, err := output.NewCollector(1024)
	if err != nil {
		return err
	}
	opts, err := managerOptions(cfg, collector)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the drainer outlives ctx so shutdown messages are still printed
	drainer := output.Drain(context.Background(), collector, os.Stdout, console.Format, logger)
	defer drainer.Stop()

	var con *console.Console
	var prompter pairing.Prompter
	if !runNoConsole {
		prompter = pairing.PrompterFunc(func(ctx context.Context, question string) (string, error) {
			return con.Ask(ctx, question)
		})
	}
	policy, err := newPolicy(cfg, prompter, collector, logger)
	if err != nil {
		return err
	}

	progress := NewProgressPrinter(os.Stderr, fmt.Sprintf("Starting %s on %s", cfg.Role, cfg.Adapter), "Opening adapter...", "Ready")
	progress.Start()
	defer progress.Stop()

	s, err := openStack(cfg, logger)
	if err != nil {
		return err
	}

	m := manager.New(s, policy, opts, collector, logger)
	con = console.New(m, collector, logger)

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.StopTimeout+time.Second)
		defer cancel()
		return m.Shutdown(shutdownCtx)
	}

	if err := m.Start(ctx, progress.Callback()); err != nil {
		return errors.Join(err, shutdown())
	}
	progress.Stop()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	dispatched := m.RunInBackground(runCtx)
	notes := m.Events()
	groutine.Go(runCtx, "console-watch", func(ctx context.Context) {
		con.Watch(ctx, notes, m.Observations(), runVerbose)
	})

	consoleDone := make(chan error, 1)
	if runNoConsole {
		output.Printf(collector, output.SourceInfo, "Running as %s, press Ctrl+C to stop", cfg.Role)
	} else {
		groutine.Go(runCtx, "console", func(ctx context.Context) {
			consoleDone <- con.Run(ctx, os.Stdin)
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
		output.Printf(collector, output.SourceInfo, "Interrupted, shutting down...")
	case runErr = <-consoleDone:
	case runErr = <-dispatched:
		dispatched = nil
	}

	cancelRun()
	if dispatched != nil {
		<-dispatched
	}
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, shutdown())
}
