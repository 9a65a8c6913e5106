package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dbcopier/pkg/bus"
	"dbcopier/pkg/config"
	"dbcopier/pkg/connections"
	"dbcopier/pkg/db"
	"dbcopier/services/api"
	"dbcopier/services/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dbcopierctl",
		Short:         "Operate the database copier from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newConnectionsCommand())
	cmd.AddCommand(newCopyCommand())
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newAPIKeyCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// env holds the handles a command opened; release closes them in reverse.
type env struct {
	cfg      config.Config
	store    *store.Store
	registry *connections.Registry
	queue    *bus.Bus
	closers  []func()
}

func (e *env) release() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

type envNeeds struct {
	store       bool
	connections bool
	queue       bool
}

func openEnv(ctx context.Context, needs envNeeds) (*env, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	e := &env{cfg: cfg}

	if needs.store {
		if err := cfg.RequireDatabase(); err != nil {
			return nil, err
		}
		st, closeStore, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		e.store = st
		e.closers = append(e.closers, closeStore)
	}
	if needs.connections {
		registry, err := connections.LoadFile(cfg.ConnectionsFile)
		if err != nil {
			e.release()
			return nil, err
		}
		e.registry = registry
	}
	if needs.queue {
		queue, err := bus.New(cfg.NATSURL)
		if err != nil {
			e.release()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		e.closers = append(e.closers, queue.Close)
		if err := queue.EnsureStreams(); err != nil {
			e.release()
			return nil, fmt.Errorf("ensure streams: %w", err)
		}
		e.queue = queue
	}
	return e, nil
}

func (e *env) submitter() (*api.Submitter, error) {
	return api.NewSubmitter(e.store, e.queue, e.registry, e.cfg.DefaultThreads)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply control-plane schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			e, err := openEnv(ctx, envNeeds{store: true})
			if err != nil {
				return err
			}
			defer e.release()
			if err := db.Migrate(ctx, e.store.DB); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newConnectionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List configured database connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(commandContext(cmd), envNeeds{connections: true})
			if err != nil {
				return err
			}
			defer e.release()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDRIVER\tHOST\tPORT\tCLUSTER")
			for _, name := range e.registry.Names() {
				c, _ := e.registry.Lookup(name)
				cluster, _ := e.registry.ClusterID(name)
				if cluster == "" {
					cluster = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", name, c.Driver, c.Host, c.Port, cluster)
			}
			return tw.Flush()
		},
	}
}

// parseEndpoint splits "connection.database".
func parseEndpoint(v string) (api.Endpoint, error) {
	conn, database, ok := strings.Cut(v, ".")
	if !ok || conn == "" || database == "" {
		return api.Endpoint{}, fmt.Errorf("%q must have the form connection.database", v)
	}
	return api.Endpoint{Connection: conn, Database: database}, nil
}

func newCopyCommand() *cobra.Command {
	var (
		userID      int64
		source      string
		dest        string
		threads     int
		noRecreate  bool
		callbackURL string
	)

	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Queue a single database copy",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := parseEndpoint(source)
			if err != nil {
				return err
			}
			dst, err := parseEndpoint(dest)
			if err != nil {
				return err
			}

			ctx := commandContext(cmd)
			e, err := openEnv(ctx, envNeeds{store: true, connections: true, queue: true})
			if err != nil {
				return err
			}
			defer e.release()
			sub, err := e.submitter()
			if err != nil {
				return err
			}

			req := api.CopyRequest{Source: src, Destination: dst, CallbackURL: callbackURL}
			if cmd.Flags().Changed("threads") {
				req.Threads = &threads
			}
			recreate := !noRecreate
			req.RecreateDestination = &recreate

			c, err := sub.SubmitCopy(ctx, userID, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "User id recorded as the copy's owner")
	cmd.Flags().StringVar(&source, "source", "", "Source as connection.database")
	cmd.Flags().StringVar(&dest, "dest", "", "Destination as connection.database")
	cmd.Flags().IntVar(&threads, "threads", 0, "Parallel dump and load threads (1-64)")
	cmd.Flags().BoolVar(&noRecreate, "no-recreate", false, "Keep the destination database instead of dropping it")
	cmd.Flags().StringVar(&callbackURL, "callback-url", "", "URL notified on every status change")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}

func newRunCommand() *cobra.Command {
	var (
		userID     int64
		system     string
		admin      string
		cluster    string
		dests      []string
		threads    int
		noRecreate bool
		cloud      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Queue a run copying a whole tenant cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := parseEndpoint(system)
			if err != nil {
				return err
			}
			adm, err := parseEndpoint(admin)
			if err != nil {
				return err
			}

			ctx := commandContext(cmd)
			e, err := openEnv(ctx, envNeeds{store: true, connections: true, queue: true})
			if err != nil {
				return err
			}
			defer e.release()
			sub, err := e.submitter()
			if err != nil {
				return err
			}

			recreate := !noRecreate
			req := api.RunRequest{
				SourceSystemConnection:  sys.Connection,
				SourceSystemDatabase:    sys.Database,
				SourceAdminConnection:   adm.Connection,
				SourceAdminDatabase:     adm.Database,
				SourceClusterConnection: cluster,
				DestConnections:         dests,
				RecreateDestination:     &recreate,
				CreateDestOnCloud:       &cloud,
			}
			if cmd.Flags().Changed("threads") {
				req.Threads = &threads
			}

			r, err := sub.SubmitRun(ctx, userID, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "User id recorded as the run's owner")
	cmd.Flags().StringVar(&system, "system", "", "System database as connection.database")
	cmd.Flags().StringVar(&admin, "admin", "", "Admin app database as connection.database")
	cmd.Flags().StringVar(&cluster, "cluster", "", "Connection holding the tenant databases")
	cmd.Flags().StringArrayVar(&dests, "dest", nil, "Candidate destination connection (repeatable)")
	cmd.Flags().IntVar(&threads, "threads", 0, "Parallel dump and load threads per copy (1-64)")
	cmd.Flags().BoolVar(&noRecreate, "no-recreate", false, "Keep existing destination databases")
	cmd.Flags().BoolVar(&cloud, "cloud", false, "Create destination databases through the cloud API")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("system")
	_ = cmd.MarkFlagRequired("admin")
	_ = cmd.MarkFlagRequired("cluster")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <copy-id>",
		Short: "Show a copy and its per-table progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			e, err := openEnv(ctx, envNeeds{store: true})
			if err != nil {
				return err
			}
			defer e.release()

			c, err := e.store.GetCopy(ctx, args[0])
			if err != nil {
				return err
			}
			rows, err := e.store.ListRows(ctx, c.ID)
			if err != nil {
				return err
			}
			return writeStatus(cmd.OutOrStdout(), c, rows)
		},
	}
}

func writeStatus(w io.Writer, c store.Copy, rows []store.Row) error {
	dest := c.DestConnection
	if dest == "" {
		dest = "-"
	}
	fmt.Fprintf(w, "copy %s: %s\n", c.ID, c.Status)
	fmt.Fprintf(w, "  %s.%s -> %s.%s\n", c.SourceConnection, c.SourceDatabase, dest, c.DestDatabase)
	if c.LastError != nil {
		fmt.Fprintf(w, "  error: %s\n", *c.LastError)
	}
	if len(rows) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tSTATUS\tSOURCE ROWS\tDEST ROWS")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Status, count(r.SourceRowCount), count(r.DestRowCount))
	}
	return tw.Flush()
}

func count(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func newAPIKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newAPIKeyCreateCommand())
	return cmd
}

func newAPIKeyCreateCommand() *cobra.Command {
	var (
		userID int64
		name   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the token is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			e, err := openEnv(ctx, envNeeds{store: true})
			if err != nil {
				return err
			}
			defer e.release()

			key, token, err := e.store.CreateAPIKey(ctx, userID, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key %s for user %d\n%s\n", key.ID, key.UserID, token)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "User the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "Label for the key")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
