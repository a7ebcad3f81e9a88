// Package main is the CLI entry point for tabwarden.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tabwarden/tabwarden/internal/bridge"
	"github.com/tabwarden/tabwarden/internal/config"
	"github.com/tabwarden/tabwarden/internal/daemon"
	"github.com/tabwarden/tabwarden/internal/domain"
	"github.com/tabwarden/tabwarden/internal/infra"
	"github.com/tabwarden/tabwarden/internal/metrics"
	"github.com/tabwarden/tabwarden/internal/rules"
	"github.com/tabwarden/tabwarden/internal/store"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tabwarden",
	Short: "Daily time budget for a tracked website",
	Long: `tabwarden meters how long you actively spend on a tracked website
each day and locks it down once the budget runs out. A browser agent
feeds tab activity to a local daemon over a unix socket; this CLI
starts the daemon and drives it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show today's usage and budget state",
	RunE:  runStatus,
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause or resume tracking for the rest of the day",
	RunE:  runPause,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset today's counter and clear any lock",
	RunE:  runReset,
}

var snoozeCmd = &cobra.Command{
	Use:   "snooze",
	Short: "Restart the timer against the cooldown budget (once per day)",
	RunE:  runSnooze,
}

var unlockCmd = &cobra.Command{
	Use:   "unlock [passcode]",
	Short: "Lift the lock with the configured passcode",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runUnlock,
}

var passcodeCmd = &cobra.Command{
	Use:   "passcode [value]",
	Short: "Set or clear the unlock passcode",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPasscode,
}

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Change budget settings",
	Long: `Changes one or more settings. Only the flags you pass are updated:

  tabwarden set --limit 45 --lock-mode close
  tabwarden set --allow-snooze=false`,
	RunE: runSet,
}

// Hidden daemon command, used by start for the detached self-exec.
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	RunE:   runDaemon,
}

var (
	configPath string

	setLimit       int
	setResetHour   int
	setLockMode    string
	setAllowSnooze bool
	setCooldown    int
	setTone        string
	setEnabled     bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Config file path")

	setCmd.Flags().IntVar(&setLimit, "limit", 0, "Daily limit in minutes")
	setCmd.Flags().IntVar(&setResetHour, "reset-hour", -1, "Hour of day the counter rolls over (0-23)")
	setCmd.Flags().StringVar(&setLockMode, "lock-mode", "", "Lock behavior: soft or close")
	setCmd.Flags().BoolVar(&setAllowSnooze, "allow-snooze", true, "Allow one snooze per day")
	setCmd.Flags().IntVar(&setCooldown, "cooldown", 0, "Snooze cooldown budget in minutes")
	setCmd.Flags().StringVar(&setTone, "tone", "", "Message tone: gentle, classic or drill")
	setCmd.Flags().BoolVar(&setEnabled, "enabled", true, "Enable or disable tracking")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(snoozeCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(passcodeCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	pf := infra.NewPidFile(cfg.Paths.PidFile, infra.NewProcessManager())
	if pid, ok := pf.RunningPID(); ok {
		fmt.Printf("Daemon already running (pid %d)\n", pid)
		return nil
	}
	if err := daemon.SpawnDetached(configPath); err != nil {
		return err
	}
	fmt.Println("Daemon started")
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	pf := infra.NewPidFile(cfg.Paths.PidFile, infra.NewProcessManager())
	pid, ok := pf.RunningPID()
	if !ok {
		fmt.Println("Daemon not running")
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal daemon: %w", err)
	}
	fmt.Printf("Stop signal sent to pid %d\n", pid)
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := createLogger(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	pm := infra.NewProcessManager()
	pf := infra.NewPidFile(cfg.Paths.PidFile, pm)
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer pf.Release()

	keyProvider := infra.NewFileKeyProvider(cfg.Paths.DataDir)
	key, err := infra.EnsureKey(keyProvider)
	if err != nil {
		return fmt.Errorf("failed to prepare encryption key: %w", err)
	}
	backend, err := infra.NewSQLiteKV(cfg.Paths.DataDir, key)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}

	wallClock := bclock.New()
	st := store.New(backend, wallClock, logger.Named("store"))
	defer st.Close()

	re := rules.NewEngine(cfg.Tracking.Domains)
	notifier := infra.NewDesktopNotifier(logger.Named("notify"))

	srv := bridge.NewServer(bridge.DefaultConfig(cfg.Paths.SocketPath), nil, logger.Named("bridge"))
	co := daemon.New(daemon.DefaultConfig(), st, re, srv, pm, notifier, srv, wallClock, logger)
	srv.SetSubmitter(co)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	defer srv.Stop()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr, logger.Named("metrics")); err != nil {
				logger.Warn("metrics listener failed", zap.Error(err))
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := co.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func dial() (*bridge.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return bridge.Dial(cfg.Paths.SocketPath)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	reply, err := c.Request(bridge.Frame{Type: bridge.TypeStatus})
	if err != nil {
		return err
	}
	printSnapshot(reply.Snapshot)
	return nil
}

func runPause(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	reply, err := c.Request(bridge.Frame{Type: bridge.TypeTogglePause})
	if err != nil {
		return err
	}
	if reply.Snapshot != nil && reply.Snapshot.Flags.PausedToday {
		fmt.Println("Tracking paused for the rest of the day")
	} else {
		fmt.Println("Tracking resumed")
	}
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Request(bridge.Frame{Type: bridge.TypeManualReset}); err != nil {
		return err
	}
	fmt.Println("Counter reset, lock cleared")
	return nil
}

func runSnooze(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	reply, err := c.Request(bridge.Frame{Type: bridge.TypeSnooze})
	if err != nil {
		return err
	}
	if reply.Snooze == nil || !reply.Snooze.Granted {
		reason := "refused"
		if reply.Snooze != nil {
			reason = string(reply.Snooze.Reason)
		}
		return fmt.Errorf("snooze %s", reason)
	}
	fmt.Println("Snooze granted, timer restarted")
	return nil
}

func runUnlock(cmd *cobra.Command, args []string) error {
	passcode := ""
	if len(args) > 0 {
		passcode = args[0]
	}
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	reply, err := c.Request(bridge.Frame{Type: bridge.TypeBypass, Passcode: passcode})
	if err != nil {
		return err
	}
	if reply.OK == nil || !*reply.OK {
		return fmt.Errorf("wrong passcode")
	}
	fmt.Println("Unlocked")
	return nil
}

func runPasscode(cmd *cobra.Command, args []string) error {
	value := ""
	if len(args) > 0 {
		value = args[0]
	}
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Request(bridge.Frame{Type: bridge.TypeSetPasscode, Value: value}); err != nil {
		return err
	}
	if value == "" {
		fmt.Println("Passcode cleared")
	} else {
		fmt.Println("Passcode set")
	}
	return nil
}

func runSet(cmd *cobra.Command, args []string) error {
	patch := daemon.SettingsPatch{}
	changed := false
	if cmd.Flags().Changed("limit") {
		patch.DailyLimitMinutes = &setLimit
		changed = true
	}
	if cmd.Flags().Changed("reset-hour") {
		patch.ResetHour = &setResetHour
		changed = true
	}
	if cmd.Flags().Changed("lock-mode") {
		patch.LockMode = &setLockMode
		changed = true
	}
	if cmd.Flags().Changed("allow-snooze") {
		patch.AllowSnooze = &setAllowSnooze
		changed = true
	}
	if cmd.Flags().Changed("cooldown") {
		patch.CooldownMinutes = &setCooldown
		changed = true
	}
	if cmd.Flags().Changed("tone") {
		patch.Tone = &setTone
		changed = true
	}
	if cmd.Flags().Changed("enabled") {
		patch.Enabled = &setEnabled
		changed = true
	}
	if !changed {
		return fmt.Errorf("nothing to change, pass at least one flag")
	}

	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	reply, err := c.Request(bridge.Frame{Type: bridge.TypeUpdateSettings, Patch: &patch})
	if err != nil {
		return err
	}
	if reply.Settings != nil {
		fmt.Printf("Settings updated: %d min/day, lock mode %s\n",
			reply.Settings.DailyLimitMinutes, reply.Settings.LockMode)
	}
	return nil
}

func printSnapshot(s *domain.Snapshot) {
	if s == nil {
		fmt.Println("No status available")
		return
	}
	fmt.Printf("Tracking:   %v\n", s.IsTracking)
	fmt.Printf("Used today: %s of %s\n",
		formatMillis(s.TimeRemaining.UsedMillis), formatMillis(s.TimeRemaining.LimitMillis))
	fmt.Printf("Remaining:  %s\n", formatMillis(s.TimeRemaining.RemainingMillis))
	switch {
	case s.Flags.Locked:
		fmt.Println("State:      locked until reset")
	case s.Flags.Snoozed:
		fmt.Println("State:      snoozed (cooldown running)")
	case s.Flags.PausedToday:
		fmt.Println("State:      paused for today")
	default:
		fmt.Println("State:      active")
	}
	if s.Flags.SnoozeUsedToday {
		fmt.Println("Snooze:     used today")
	}
	fmt.Printf("Next reset: %s\n",
		time.UnixMilli(s.NextResetAt).Local().Format("Mon 15:04"))
	if len(s.ActiveSessionIDs) > 0 {
		fmt.Printf("Open tabs:  %d\n", len(s.ActiveSessionIDs))
	}
}

func formatMillis(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Minute {
		return strconv.Itoa(int(d/time.Second)) + "s"
	}
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

func createLogger(cfg config.LoggingConfig) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.File != "" {
		zcfg.OutputPaths = []string{cfg.File}
		zcfg.ErrorOutputPaths = []string{cfg.File}
	}
	if lvl, err := zapcore.ParseLevel(cfg.Level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}
