// Package main provides the CLI entrypoint for pullsync.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pullsync/pullsync/config"
	"github.com/pullsync/pullsync/internal/api"
	"github.com/pullsync/pullsync/internal/db"
	"github.com/pullsync/pullsync/internal/sync"
)

var (
	configPath string
	daysBack   int
	syncAll    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pullsync",
	Short: "Mirror pull-request history into a local database",
	Long: `pullsync pulls a repository's pull requests, reviews, commits,
files, comments and check runs from GitHub into a local SQLite
database, and keeps it fresh with incremental syncs.`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to create configuration: %w", err)
		}
		fmt.Printf("created configuration at %s\n", configPath)
		return nil
	},
}

var addRepoCmd = &cobra.Command{
	Use:   "add-repo <owner/name>",
	Short: "Add a repository to the configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, _, err := sync.ParseRepositoryString(args[0]); err != nil {
			return err
		}
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		for _, repo := range cfg.Repositories {
			if repo == args[0] {
				fmt.Printf("repository %s already in configuration\n", args[0])
				return nil
			}
		}
		cfg.Repositories = append(cfg.Repositories, args[0])
		if err := config.SaveConfig(cfg, configPath); err != nil {
			return err
		}
		fmt.Printf("added repository %s\n", args[0])
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync [owner/name]",
	Short: "Sync one repository, or --all configured repositories",
	Long: `Sync pulls a repository's pull-request history into the local
database. The first run performs a historical sync within the
configured lookback window; later runs are incremental, fetching
only pull requests updated since the last successful sync.
Use --days to force a historical sync over a fixed window.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <owner/name> <number>",
	Short: "Re-fetch a single pull request's nested data",
	Args:  cobra.ExactArgs(2),
	RunE:  runRefresh,
}

var membersCmd = &cobra.Command{
	Use:   "members [org]",
	Short: "Sync organization membership",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMembers,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to configuration file")
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "sync all repositories in the configuration")
	syncCmd.Flags().IntVar(&daysBack, "days", 0, "historical sync lookback in days (0 = incremental)")
	rootCmd.AddCommand(initCmd, addRepoCmd, syncCmd, refreshCmd, membersCmd)
}

// setup wires the logger, store, clients and orchestrator from the
// config file.
func setup(ctx context.Context) (*config.Config, *db.DB, *sync.Syncer, *zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	tokens := api.NewStaticTokenProvider(cfg.GitHubToken)
	token, err := tokens.Token(ctx, cfg.Tenant)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("no usable credential for tenant %s: %w", cfg.Tenant, err)
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Initialize(); err != nil {
		database.Close()
		return nil, nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	router := sync.NewRouter(
		api.NewGraphQLClient(token, logger),
		api.NewRESTClient(token, logger),
		cfg.Sync,
		logger,
	)
	syncer := sync.New(database, router, cfg.Sync, cfg.Tenant, logger)
	return cfg, database, syncer, logger, nil
}

// signalContext cancels on SIGINT/SIGTERM so a run stops cleanly at the
// next page boundary.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, database, syncer, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer database.Close()
	defer logger.Sync()

	repos := args
	if syncAll {
		repos = cfg.Repositories
	}
	if len(repos) == 0 {
		return errors.New("nothing to sync: pass owner/name or --all")
	}

	var failed int
	for _, repoStr := range repos {
		owner, name, err := sync.ParseRepositoryString(repoStr)
		if err != nil {
			logger.Warn("skipping invalid repository", zap.String("repo", repoStr), zap.Error(err))
			failed++
			continue
		}

		if daysBack > 0 {
			_, err = syncer.HistoricalSync(ctx, owner, name, daysBack)
		} else {
			_, err = syncer.IncrementalSync(ctx, owner, name)
		}

		var pause *sync.QuotaPauseError
		switch {
		case err == nil:
		case errors.As(err, &pause):
			// Quota exhausted: later repositories would hit the same
			// wall. Stop here; the next scheduled run resumes.
			fmt.Printf("paused for rate limit until %s\n", pause.ResetAt)
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		default:
			// One repository failing must not block its siblings.
			logger.Error("repository sync failed", zap.String("repo", repoStr), zap.Error(err))
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d repositories failed", failed, len(repos))
	}
	return nil
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	_, database, syncer, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer database.Close()
	defer logger.Sync()

	owner, name, err := sync.ParseRepositoryString(args[0])
	if err != nil {
		return err
	}
	number, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid pull request number %q: %w", args[1], err)
	}

	if _, err := syncer.RefreshPullRequest(ctx, owner, name, number); err != nil {
		return fmt.Errorf("failed to refresh %s#%d: %w", args[0], number, err)
	}
	fmt.Printf("refreshed %s#%d\n", args[0], number)
	return nil
}

func runMembers(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, database, syncer, logger, err := setup(ctx)
	if err != nil {
		return err
	}
	defer database.Close()
	defer logger.Sync()

	org := cfg.Organization
	if len(args) > 0 {
		org = args[0]
	}
	if org == "" {
		return errors.New("no organization given or configured")
	}

	summary, err := syncer.SyncMembers(ctx, org)
	if err != nil {
		return fmt.Errorf("failed to sync members for %s: %w", org, err)
	}
	fmt.Printf("synced %d members of %s\n", summary.Members, org)
	return nil
}
