package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harrisonrobin/todocal/pkg/auth"
	"github.com/harrisonrobin/todocal/pkg/config"
	"github.com/harrisonrobin/todocal/pkg/daemon"
	"github.com/harrisonrobin/todocal/pkg/model"
	"github.com/harrisonrobin/todocal/pkg/overdue"
	"github.com/harrisonrobin/todocal/pkg/store"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Synchronize continuously until interrupted",
	Long: `Run the poll loop: once a day the overdue sweep, then the task pass and
the calendar pass, then a pause. Connection failures lengthen the pause and
an exhausted daily quota pauses the loop for a day.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		logger := a.logs.Logger("todocal")
		for {
			err := a.start(ctx)
			if err == nil {
				break
			}
			logger.Printf("ERROR: initial synchronization: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.cfg.Daemon.ConnErrDelay):
			}
		}

		sweeper := overdue.New(a.store, a.engine, a.engine.Today, a.logs.Logger("overdue"))
		d := daemon.New(a.engine, sweeper, daemon.Config{
			RefreshRate:      a.cfg.Daemon.RefreshRate,
			ConnErrDelay:     a.cfg.Daemon.ConnErrDelay,
			QuotaPause:       a.cfg.Daemon.QuotaPause,
			BreakerThreshold: a.cfg.Daemon.BreakerThreshold,
			BreakerCooldown:  a.cfg.Daemon.BreakerCooldown,
		}, a.logs.Logger("daemon"))
		return d.Run(ctx)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one task pass and one calendar pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.start(ctx); err != nil {
			return err
		}
		return errors.Join(a.engine.SyncTasks(ctx), a.engine.SyncEvents(ctx))
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Escalate every task whose date has passed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.start(ctx); err != nil {
			return err
		}
		n, err := overdue.New(a.store, a.engine, a.engine.Today, a.logs.Logger("overdue")).Sweep(ctx)
		fmt.Printf("%d tasks marked overdue\n", n)
		return err
	},
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage credentials for Google Calendar and Todoist",
}

var authGoogleCmd = &cobra.Command{
	Use:   "google",
	Short: "Authorize access to Google Calendar",
	Long: `Discard any stored Google token and run the OAuth consent flow again.
The client credentials are read from credentials.json in the config
directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := auth.Reset(); err != nil {
			return err
		}
		if _, err := auth.GetClient(cmd.Context(), auth.Scopes); err != nil {
			return err
		}
		path, err := auth.TokenPath()
		if err != nil {
			return err
		}
		fmt.Printf("Google Calendar authorized, token saved to %s\n", path)
		return nil
	},
}

var forgetToken bool

var authTodoistCmd = &cobra.Command{
	Use:   "todoist [token]",
	Short: "Store the Todoist API token in the system keyring",
	Long: `Store the Todoist API token in the system keyring. Without an argument the
token is read from standard input. The TODOCAL_TODOIST_TOKEN environment
variable takes precedence over the keyring.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if forgetToken {
			if err := auth.DeleteTodoistToken(); err != nil {
				return err
			}
			fmt.Println("Todoist token removed")
			return nil
		}

		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			fmt.Fprint(os.Stderr, "Todoist API token: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read token: %w", err)
			}
			token = line
		}
		if err := auth.SetTodoistToken(token); err != nil {
			return err
		}
		fmt.Println("Todoist token stored")
		return nil
	},
}

var excludeCmd = &cobra.Command{
	Use:   "exclude <project>",
	Short: "Stop mirroring a project and its sub-projects",
	Long: `Remove every event of the project and its sub-projects and stop mirroring
them. An excluded top-level project loses its calendar. The project name is
added to the excluded list in the config file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectCommand(cmd.Context(), args[0], func(ctx context.Context, a *app, p model.Project) error {
			if err := a.engine.Exclude(ctx, p.ID); err != nil {
				return err
			}
			a.cfg.Projects.Standalone = remove(a.cfg.Projects.Standalone, p.Name)
			a.cfg.Projects.Excluded = add(a.cfg.Projects.Excluded, p.Name)
			fmt.Printf("Excluded %s\n", p.Name)
			return nil
		})
	},
}

var includeCmd = &cobra.Command{
	Use:   "include <project>",
	Short: "Mirror a previously excluded project again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectCommand(cmd.Context(), args[0], func(ctx context.Context, a *app, p model.Project) error {
			if err := a.engine.Include(ctx, p.ID); err != nil {
				return err
			}
			a.cfg.Projects.Excluded = remove(a.cfg.Projects.Excluded, p.Name)
			fmt.Printf("Included %s\n", p.Name)
			return nil
		})
	},
}

var standaloneCmd = &cobra.Command{
	Use:   "standalone <project>",
	Short: "Give a sub-project its own calendar",
	Long: `Create a calendar for a nested project and move the events of the project
and its sub-projects into it. Excluded projects stay excluded.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return projectCommand(cmd.Context(), args[0], func(ctx context.Context, a *app, p model.Project) error {
			if p.ParentID == "" {
				return fmt.Errorf("%s is a top-level project and already has its own calendar", p.Name)
			}
			if err := a.engine.MakeStandalone(ctx, p.ID); err != nil {
				return err
			}
			a.cfg.Projects.Standalone = add(a.cfg.Projects.Standalone, p.Name)
			fmt.Printf("%s now has its own calendar\n", p.Name)
			return nil
		})
	},
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List calendars, standalone and excluded projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		cals, err := st.ListCalendars(ctx)
		if err != nil {
			return err
		}
		standalone, err := st.ListStandalone(ctx)
		if err != nil {
			return err
		}
		excluded, err := st.ListExcluded(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROJECT\tSTATE\tCALENDAR")
		for _, c := range cals {
			fmt.Fprintf(w, "%s\tcalendar\t%s\n", c.Name, c.ID)
		}
		for _, p := range standalone {
			fmt.Fprintf(w, "%s\tstandalone\t\n", p.Name)
		}
		for _, p := range excluded {
			fmt.Fprintf(w, "%s\texcluded\t\n", p.Name)
		}
		return w.Flush()
	},
}

var resetConfirmed bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every managed calendar and the local state",
	Long: `Delete every calendar todocal created, then remove the state database.
The next run starts with a full synchronization. Tasks are not touched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetConfirmed {
			return errors.New("reset deletes every managed calendar; pass --yes to confirm")
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.engine.Reset(ctx); err != nil {
			return fmt.Errorf("some calendars could not be deleted, state kept: %w", err)
		}
		if err := a.store.Close(); err != nil {
			return err
		}
		a.store = nil
		if err := os.Remove(a.cfg.Database); err != nil && !os.IsNotExist(err) {
			return err
		}
		fmt.Println("All managed calendars deleted")
		return nil
	},
}

func init() {
	authTodoistCmd.Flags().BoolVar(&forgetToken, "delete", false, "remove the stored token instead")
	resetCmd.Flags().BoolVar(&resetConfirmed, "yes", false, "confirm deleting every managed calendar")

	authCmd.AddCommand(authGoogleCmd, authTodoistCmd)
	rootCmd.AddCommand(runCmd, syncCmd, sweepCmd, authCmd, excludeCmd, includeCmd, standaloneCmd, projectsCmd, resetCmd)
}

// projectCommand resolves name to a live project, runs fn against it and
// saves the config lists fn changed.
func projectCommand(ctx context.Context, name string, fn func(context.Context, *app, model.Project) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.start(ctx); err != nil {
		return err
	}
	projects, err := a.tracker.ListProjects(ctx)
	if err != nil {
		return err
	}
	p, err := findProject(projects, name)
	if err != nil {
		return err
	}
	if err := fn(ctx, a, p); err != nil {
		return err
	}
	return config.Save(a.cfg, configPath)
}

func findProject(projects []model.Project, name string) (model.Project, error) {
	var found []model.Project
	for _, p := range projects {
		if p.Deleted || p.Archived {
			continue
		}
		if strings.EqualFold(p.Name, name) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return model.Project{}, fmt.Errorf("no project named %q", name)
	case 1:
		return found[0], nil
	}
	return model.Project{}, fmt.Errorf("%d projects are named %q", len(found), name)
}

func add(list []string, name string) []string {
	for _, s := range list {
		if strings.EqualFold(s, name) {
			return list
		}
	}
	return append(list, name)
}

func remove(list []string, name string) []string {
	out := list[:0]
	for _, s := range list {
		if !strings.EqualFold(s, name) {
			out = append(out, s)
		}
	}
	return out
}
