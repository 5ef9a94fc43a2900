package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/colsync/colsyncd/internal/api"
	"github.com/colsync/colsyncd/internal/config"
	"github.com/colsync/colsyncd/internal/secrets"
	"github.com/colsync/colsyncd/internal/serializer"
	"github.com/colsync/colsyncd/internal/state"
	"github.com/colsync/colsyncd/internal/store"
	"github.com/colsync/colsyncd/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	workspace string

	// Push/resolve flags
	requestID string
	strategy  string
)

var (
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dirtyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	disabledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	headerStyle   = lipgloss.NewStyle().Bold(true)
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "colsyncd",
	Short: "Synchronize API collections with a Git-hosted repository",
	Long: `colsyncd keeps the local collection database in sync with its YAML mirror
in a GitHub or GitLab repository.

It can run individual pull/push operations from the command line or serve a
local HTTP API for the desktop client.`,
	SilenceUsage: true,
}

var pullCmd = &cobra.Command{
	Use:   "pull [collection-id]",
	Short: "Pull remote changes into the local database",
	Long: `Pull lists the remote mirror of each sync-enabled collection, compares it
with the tracked file state, and imports collections whose remote files
changed. With a collection ID, only that collection is pulled and it is
imported even when it is not yet sync-enabled locally.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPull,
}

var pushCmd = &cobra.Command{
	Use:   "push [collection-id]",
	Short: "Push local changes to the remote repository",
	Long: `Push serializes dirty collections and commits their files to the remote
repository in a single commit per collection. Without arguments every dirty
sync-enabled collection is pushed. With --request only that single request
file is updated.

A push is rejected with a conflict when remote files changed since the last
sync; resolve it with 'colsyncd resolve'.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPush,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync status of all collections",
	RunE:  runStatus,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <collection-id>",
	Short: "Resolve a sync conflict",
	Long: `Resolve forces one side of a conflicted collection to win.

With --keep local the local version is committed to the remote, overwriting
whatever changed there. With --keep remote the remote version is imported,
overwriting local edits.`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

var deleteRemoteCmd = &cobra.Command{
	Use:   "delete-remote <collection-id>",
	Short: "Delete a collection's mirror from the remote repository",
	Long: `Delete-remote removes every tracked file of the collection from the remote
repository in one commit and disables sync for the collection. The local
copy is kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeleteRemote,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local API server",
	Long: `Serve starts a long-running HTTP server on the configured listen address.
The desktop client uses it to trigger pulls, pushes and conflict resolution.

When auto-sync is enabled an initial pull runs at startup and repeats on the
configured interval.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("colsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/colsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace ID (default uses the global sync settings)")

	pushCmd.Flags().StringVar(&requestID, "request", "", "push only this request (requires a collection ID)")
	resolveCmd.Flags().StringVar(&strategy, "keep", "", "side that wins: local or remote (required)")
	_ = resolveCmd.MarkFlagRequired("keep")

	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(deleteRemoteCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// app bundles everything a command needs. close must be called when done.
type app struct {
	cfg    *config.Config
	store  store.Store
	svc    *sync.Service
	logger *slog.Logger
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
}

func buildApp() (*app, error) {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := store.Open(cfg.Paths.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	scanner := secrets.NewRegexScanner()
	ser := serializer.New(db, scanner, logger)
	states := state.NewFileStore(cfg.StateFilePath(workspace))
	svc := sync.NewService(cfg, db, states, ser, logger)

	return &app{cfg: cfg, store: db, svc: svc, logger: logger}, nil
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	if len(args) == 1 {
		err = a.svc.PullCollection(ctx, workspace, args[0])
	} else {
		err = a.svc.Pull(ctx, workspace)
	}
	return reportSyncResult(err, "pull complete")
}

func runPush(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	switch {
	case requestID != "":
		if len(args) != 1 {
			return fmt.Errorf("--request requires a collection ID argument")
		}
		err = a.svc.PushRequest(ctx, workspace, args[0], requestID)
	case len(args) == 1:
		err = a.svc.PushCollection(ctx, workspace, args[0])
	default:
		err = a.svc.PushAll(ctx, workspace)
	}
	return reportSyncResult(err, "push complete")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	collections, err := a.store.Collections().FindByWorkspace(ctx, workspace)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	if !a.svc.IsConfigured(workspace) {
		fmt.Println(dirtyStyle.Render("remote sync is not configured"))
	}
	if len(collections) == 0 {
		fmt.Println("no collections")
		return nil
	}

	fmt.Println(headerStyle.Render("COLLECTIONS"))
	for _, c := range collections {
		switch {
		case !c.SyncEnabled:
			fmt.Printf("  %s %s (%s)\n", disabledStyle.Render("○"), c.Name, disabledStyle.Render("sync disabled"))
		case c.IsDirty:
			fmt.Printf("  %s %s (%s)\n", dirtyStyle.Render("●"), c.Name, dirtyStyle.Render("local changes"))
		default:
			fmt.Printf("  %s %s\n", okStyle.Render("●"), c.Name)
		}
	}
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	switch strategy {
	case "local":
		err = a.svc.ForceKeepLocal(ctx, workspace, args[0])
	case "remote":
		err = a.svc.ForceKeepRemote(ctx, workspace, args[0])
	default:
		return fmt.Errorf("invalid --keep value %q (must be local or remote)", strategy)
	}
	return reportSyncResult(err, "conflict resolved")
}

func runDeleteRemote(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	return reportSyncResult(a.svc.DeleteRemoteCollection(ctx, workspace, args[0]), "remote mirror deleted")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	server := api.NewServer(a.cfg, a.svc, a.store, secrets.NewRegexScanner(), a.logger)
	return server.Start(ctx)
}

func reportSyncResult(err error, okMessage string) error {
	if err == nil {
		fmt.Println(okStyle.Render("✓"), okMessage)
		return nil
	}
	var conflict *sync.ConflictError
	if errors.As(err, &conflict) {
		fmt.Println(errStyle.Render("✗ sync conflict"), "in collection", conflict.CollectionID)
		for _, p := range conflict.Paths {
			fmt.Println("   ", p)
		}
		fmt.Println("resolve with: colsyncd resolve", conflict.CollectionID, "--keep local|remote")
	}
	return err
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/colsyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"provider", cfg.Sync.Provider,
		"repository", cfg.Sync.Repository,
		"branch", cfg.Sync.Branch,
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
