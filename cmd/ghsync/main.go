// Command ghsync replicates a GitHub organization into PostgreSQL through a
// PostgreSQL staging cache.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/registry"
	"github.com/leds-conectafapes/ghsync/pkg/json"
)

var version = "0.1.0"

func main() {
	// .env is optional
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "ghsync",
		Short: "Replicate a GitHub organization into PostgreSQL",
		Long: `ghsync extracts issues, pull requests, commits, teams, users, milestones and
projects of a GitHub organization into a PostgreSQL staging cache, then loads
the cache into a PostgreSQL destination.

The GitHub token is read from GITHUB_TOKEN (a .env file is honoured).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to YAML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 0, "Run timeout (default from config, 2h)")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	root.AddCommand(
		newRunCmd(flags),
		newCheckCmd(flags),
		newStreamsCmd(flags),
		newReplayCmd(flags),
		newRunsCmd(flags),
		newInitConfigCmd(),
		newListCmd(),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var incremental bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Extract the selected streams and load them into the destination",
		Long: `Run checks the source and destination, selects the configured streams, reads
them into the cache and writes the cache to the destination. The write result
is printed to stdout as JSON.

By default every run is a full refresh: destination tables are dropped and
reloaded. --incremental reads from the stored cursors and upserts instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, cancel, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			if incremental {
				a.cfg.Sync.ForceFullRefresh = false
			}
			if err := a.openSource(ctx); err != nil {
				return err
			}
			if err := a.openCache(ctx); err != nil {
				return err
			}
			if err := a.openDestination(ctx, config.DestinationPostgres); err != nil {
				return err
			}

			result, err := a.runner().Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().BoolVar(&incremental, "incremental", false, "Read from stored cursors and upsert instead of a full refresh")
	return cmd
}

func newCheckCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify GitHub credentials, the cache and the destination",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, cancel, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			if err := a.openSource(ctx); err != nil {
				return err
			}
			if err := a.openCache(ctx); err != nil {
				return err
			}
			if err := a.openDestination(ctx, config.DestinationPostgres); err != nil {
				return err
			}
			if err := a.runner().Check(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newStreamsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "streams",
		Short: "Print the stream catalog and the selected streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, cancel, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			if err := a.openSource(ctx); err != nil {
				return err
			}
			catalog, err := a.source.Discover(ctx)
			if err != nil {
				return err
			}
			selected, err := a.runner().Select()
			if err != nil {
				return err
			}
			chosen := make(map[string]bool, len(selected))
			for _, s := range selected {
				chosen[s.Name] = true
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STREAM\tSCOPE\tPRIMARY KEY\tCURSOR\tSELECTED")
			for _, s := range catalog.Streams {
				cursor := s.CursorField
				if cursor == "" {
					cursor = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%t\n", s.Name, s.Scope, s.PrimaryKey, cursor, chosen[s.Name])
			}
			return w.Flush()
		},
	}
}

func newReplayCmd(flags *globalFlags) *cobra.Command {
	var destination string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Write the cached streams into a destination without extracting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := destinationType(destination); err != nil {
				return err
			}
			a, ctx, cancel, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			if err := a.openCache(ctx); err != nil {
				return err
			}
			if err := a.openDestination(ctx, destination); err != nil {
				return err
			}
			result, err := a.runner().Replay(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVarP(&destination, "destination", "d", "postgres", "Destination to replay into (postgres or jsonl)")
	return cmd
}

func newRunsCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show the most recent runs recorded in the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, cancel, err := setup(cmd, flags)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.Close()

			if err := a.openCache(ctx); err != nil {
				return err
			}
			runs, err := a.cache.LastRuns(ctx, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tSTATUS\tRECORDS\tERROR")
			for _, r := range runs {
				duration := "-"
				if r.FinishedAt != nil {
					duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.StartedAt.Format(time.RFC3339), duration, r.Status, r.Records, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of runs to show")
	return cmd
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config <file>",
		Short: "Write the default configuration to a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.Source.Credentials.PersonalAccessToken = "${GITHUB_TOKEN}"
			if err := config.Save(args[0], cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available connectors",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Available Source Connectors:")
			for _, name := range registry.ListSources() {
				fmt.Fprintf(out, "  - %s\n", describe(name))
			}
			fmt.Fprintln(out, "\nAvailable Destination Connectors:")
			for _, name := range registry.ListDestinations() {
				fmt.Fprintf(out, "  - %s\n", describe(name))
			}
		},
	}
}

func describe(name string) string {
	info, err := registry.GetConnectorInfo(name)
	if err != nil {
		return name
	}
	return fmt.Sprintf("%s (v%s): %s", name, info.Version, info.Description)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ghsync v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// setup builds the app and the command context bounded by the sync timeout.
func setup(cmd *cobra.Command, flags *globalFlags) (*app, context.Context, context.CancelFunc, error) {
	a, err := newApp(cmd.Context(), flags)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := commandContext(cmd.Context(), a.cfg.Sync.Timeout)
	a.log.Debug("command started", zap.String("command", cmd.Name()), zap.Duration("timeout", a.cfg.Sync.Timeout))
	return a, ctx, cancel, nil
}

// commandContext bounds ctx by timeout when it is positive.
func commandContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
