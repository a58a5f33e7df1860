package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harrisonrobin/todocal/pkg/auth"
	"github.com/harrisonrobin/todocal/pkg/config"
	"github.com/harrisonrobin/todocal/pkg/engine"
	"github.com/harrisonrobin/todocal/pkg/google"
	"github.com/harrisonrobin/todocal/pkg/logging"
	"github.com/harrisonrobin/todocal/pkg/store"
	"github.com/harrisonrobin/todocal/pkg/todoist"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "todocal",
	Short: "Mirror Todoist tasks as Google Calendar all-day events",
	Long: `todocal keeps Todoist and Google Calendar in step.

Every dated task becomes an all-day event in the calendar of its top-level
project. Edits, completions and deletions on either side are carried over
to the other on the next poll.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default ~/.config/todocal/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every synchronized item")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// app holds the wired components a command works with.
type app struct {
	cfg     *config.Config
	logs    *logging.Set
	store   *store.Store
	tracker *todoist.Client
	engine  *engine.Engine
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openApp loads the configuration and connects both remotes and the state
// store.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logs := logging.New(cfg.Log, os.Stderr)
	if verbose {
		logs.SetVerbose(true)
	}
	a := &app{cfg: cfg, logs: logs}

	token, source, err := auth.TodoistToken()
	if err != nil {
		a.Close()
		return nil, err
	}
	logs.Debug("auth").Printf("using Todoist token from %s", source)

	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}
	a.tracker, err = todoist.New(todoist.Config{APIToken: token, Location: loc}, logs.Logger("todoist"))
	if err != nil {
		a.Close()
		return nil, err
	}

	httpClient, err := auth.GetClient(ctx, auth.Scopes)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to authorize Google Calendar: %w", err)
	}
	cal, err := google.NewClient(ctx, httpClient, logs.Logger("calendar"))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.store, err = store.Open(cfg.Database)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.engine = engine.New(a.tracker, cal, a.store, engine.Options{
		Config: cfg,
		Logger: logs.Logger("engine"),
		Debug:  logs.Debug("engine"),
	})
	return a, nil
}

// start runs the first synchronization if none happened yet and adopts the
// tracker's timezone.
func (a *app) start(ctx context.Context) error {
	if err := a.engine.Bootstrap(ctx); err != nil {
		return err
	}
	a.tracker.SetLocation(a.engine.Location())
	return nil
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close state store: %v\n", err)
		}
	}
	_ = a.logs.Close()
}
