// pondctl runs maintenance against the pond automation database and bridge.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/bridge"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/commands"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/repos"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/sweeps"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/api/internal/tasks"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/config"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/dbx"
	"github.com/String-Theory-Projects/Aquaculture-Automation-System-sub000/shared/logx"
)

var (
	dryRun       bool
	enqueue      bool
	timeoutHours float64

	rootCmd = &cobra.Command{
		Use:           "pondctl",
		Short:         "Pond automation maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	sweepCmd = &cobra.Command{
		Use:       "sweep {commands|stuck|retry|due|offline}",
		Short:     "Run one repair sweep now",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: sweepArgs(),
		RunE:      runSweep,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}

	bridgeCmd = &cobra.Command{
		Use:   "bridge",
		Short: "Inspect the device bridge",
	}

	bridgeStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Ping the bridge and count subscribers per channel",
		Args:  cobra.NoArgs,
		RunE:  runBridgeStatus,
	}
)

// sweepNames maps the CLI argument to the sweep it runs.
var sweepNames = map[string]string{
	"commands": sweeps.SweepCommandTimeouts,
	"stuck":    sweeps.SweepStuck,
	"retry":    sweeps.SweepRetry,
	"due":      sweeps.SweepDuePending,
	"offline":  sweeps.SweepOffline,
}

func sweepArgs() []string {
	return []string{"commands", "stuck", "retry", "due", "offline"}
}

func init() {
	sweepCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing")
	sweepCmd.Flags().BoolVar(&enqueue, "queue", false, "hand the sweep to the worker queue instead of running it here")
	sweepCmd.Flags().Float64Var(&timeoutHours, "timeout-hours", 0, "stuck execution cutoff in hours (default from SWEEP_STUCK_EXECUTION_HOURS)")

	bridgeCmd.AddCommand(bridgeStatusCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(bridgeCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, logx.Logger, error) {
	cfg, problems := config.Load("pondctl", 8090)
	logger := logx.NewWithWriter(os.Stderr, cfg.ServiceName, cfg.Env, "", cfg.LogLevel)
	if len(problems) > 0 {
		return cfg, logger, fmt.Errorf("invalid config: %v", problems)
	}
	return cfg, logger, nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	name, ok := sweepNames[args[0]]
	if !ok {
		return fmt.Errorf("unknown sweep %q", args[0])
	}
	if timeoutHours < 0 {
		return fmt.Errorf("--timeout-hours must be positive")
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if enqueue {
		if cfg.AsynqRedisAddr == "" {
			return fmt.Errorf("--queue needs ASYNQ_REDIS_ADDR")
		}
		client := asynq.NewClient(redisOpt(cfg))
		defer client.Close()
		if err := tasks.NewEnqueuer(client, cfg.AsynqQueue).EnqueueSweep(ctx, name, dryRun); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s on %s\n", name, cfg.AsynqQueue)
		return nil
	}

	pool, err := dbx.NewPool(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	store := repos.NewStore(pool)

	transport, err := bridge.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("open bridge: %w", err)
	}
	defer transport.Close()

	var queue sweeps.Enqueuer
	if cfg.AsynqRedisAddr != "" {
		client := asynq.NewClient(redisOpt(cfg))
		defer client.Close()
		queue = tasks.NewEnqueuer(client, cfg.AsynqQueue)
	}

	dispatcher := commands.New(store, transport, logger, commands.Options{
		Timeout:    time.Duration(cfg.CommandTimeoutSec) * time.Second,
		MaxRetries: cfg.CommandMaxRetries,
	})
	sweeper := sweeps.New(store, dispatcher, queue, logger, sweeps.Options{
		StuckAfter:   cfg.StuckExecutionCutoff(),
		RetryWindow:  time.Duration(cfg.SweepRetryWindowMin) * time.Minute,
		OnlineWindow: time.Duration(cfg.DeviceOnlineWindowSec) * time.Second,
	})

	res, err := sweeper.Run(ctx, name, time.Duration(timeoutHours*float64(time.Hour)), dryRun)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SWEEP\tFOUND\tREPAIRED\tDRY RUN")
	fmt.Fprintf(w, "%s\t%d\t%d\t%t\n", res.Sweep, res.Found, res.Repaired, res.DryRun)
	return w.Flush()
}

func redisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := dbx.NewPool(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	applied, err := dbx.Migrate(cmd.Context(), pool)
	for _, name := range applied {
		fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
	}
	return err
}

func runBridgeStatus(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	transport, err := bridge.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("open bridge: %w", err)
	}
	defer transport.Close()
	return printBridgeStatus(cmd.Context(), cmd.OutOrStdout(), cfg.BridgeDriver, transport)
}

func printBridgeStatus(ctx context.Context, out io.Writer, driver string, t bridge.Transport) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if err := t.Ping(ctx); err != nil {
		fmt.Fprintf(w, "driver\t%s\nstatus\tunreachable (%v)\n", driver, err)
		_ = w.Flush()
		return err
	}
	fmt.Fprintf(w, "driver\t%s\nstatus\tok\n\nCHANNEL\tSUBSCRIBERS\n", driver)
	for _, channel := range []string{bridge.ChannelIncomingMessages, bridge.ChannelOutgoingCommands, bridge.ChannelStatusBroadcast} {
		n, err := t.NumSubscribers(ctx, channel)
		if err != nil {
			fmt.Fprintf(w, "%s\t- (%v)\n", channel, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%d\n", channel, n)
	}
	return w.Flush()
}
