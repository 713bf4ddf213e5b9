package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/maruel/flatdb/internal/config"
	"github.com/maruel/flatdb/internal/storage"
)

// cli holds the state shared by all commands of one invocation.
type cli struct {
	cfgFile string
	cfg     config.Config
	level   *slog.LevelVar
}

func newRootCmd(level *slog.LevelVar) *cobra.Command {
	c := &cli{level: level}
	root := &cobra.Command{
		Use:   "flatdb",
		Short: "Inspect and edit flatdb tables",
		Long: `flatdb queries and edits the tables of a namespace.

Records live either in one JSONL file per table (the default) or in a
relational database when a SQL driver is configured. Configuration is read
from flatdb.yaml, FLATDB_* environment variables and flags, in increasing
order of precedence.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch cmd.Name() {
			case "help", "completion", "__complete", "version", "schema":
				return nil
			}
			cfg, err := config.Load(c.cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if c.level != nil {
				if err := c.level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
					return err
				}
			}
			c.cfg = cfg
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default: ./flatdb.yaml)")
	pf.String("data-dir", config.DefaultDataDir, "Root directory of the document backend")
	pf.String("namespace", config.DefaultNamespace, "Namespace of the tables")
	pf.String("log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")
	pf.Duration("lock-timeout", config.DefaultLockTimeout, "Maximum wait for a table lock")
	pf.String("sql-driver", "", "Relational driver (sqlite, postgres); empty selects the document backend")
	pf.String("sql-dsn", "", "Relational data source name")
	_ = root.RegisterFlagCompletionFunc("sql-driver", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"sqlite", "postgres"}, cobra.ShellCompDirectiveNoFileComp
	})

	root.AddCommand(
		newVersionCmd(),
		newBackendCmd(c),
		newTablesCmd(c),
		newInsertCmd(c),
		newQueryCmd(c),
		newCountCmd(c),
		newUpdateCmd(c),
		newDeleteCmd(c),
		newRestoreCmd(c),
		newWatchCmd(c),
		newConfigCmd(c),
	)
	return root
}

// withDB opens the storage layer, runs fn and closes it.
func (c *cli) withDB(ctx context.Context, fn func(db *storage.DB) error) (err error) {
	db, err := storage.Open(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(db)
}
