package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/maruel/flatdb/internal/config"
	dberrors "github.com/maruel/flatdb/internal/errors"
	"github.com/maruel/flatdb/internal/query"
	"github.com/maruel/flatdb/internal/record"
	"github.com/maruel/flatdb/internal/storage"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			version, goVersion, revision, dirty := getBuildInfo()
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "flatdb %s\n", version)
			_, _ = fmt.Fprintf(w, "  Go version: %s\n", goVersion)
			_, _ = fmt.Fprintf(w, "  Revision:   %s\n", revision)
			if dirty {
				_, _ = fmt.Fprintf(w, "  Modified:   true\n")
			}
		},
	}
}

func newBackendCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "backend",
		Short: "Print the active backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withDB(cmd.Context(), func(db *storage.DB) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), db.Backend())
				return err
			})
		},
	}
}

func newTablesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List the tables of the namespace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withDB(cmd.Context(), func(db *storage.DB) error {
				names, err := db.Tables(cmd.Context())
				if err != nil {
					return err
				}
				for _, n := range names {
					if _, err := fmt.Fprintln(cmd.OutOrStdout(), n); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newInsertCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "insert <table> <json|->",
		Short: "Insert a record and print its id",
		Example: `  flatdb insert users '{"name":"Jane Smith","email":"jane@example.com"}'
  echo '{"name":"John"}' | flatdb insert users -`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := readRecord(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}
			return c.withDB(cmd.Context(), func(db *storage.DB) error {
				id, err := db.Table(args[0]).Insert(cmd.Context(), rec)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			})
		},
	}
}

// filterFlags are the flags shared by commands that select records.
type filterFlags struct {
	where       []string
	withTrashed bool
	onlyTrashed bool
}

func (f *filterFlags) register(cmd *cobra.Command, trashed bool) {
	cmd.Flags().StringArrayVarP(&f.where, "where", "w", nil, "Filter as field:op:value; repeatable, all must match. The value is parsed as JSON when possible")
	if trashed {
		cmd.Flags().BoolVar(&f.withTrashed, "with-trashed", false, "Include soft-deleted records")
		cmd.Flags().BoolVar(&f.onlyTrashed, "only-trashed", false, "Only soft-deleted records")
		cmd.MarkFlagsMutuallyExclusive("with-trashed", "only-trashed")
	}
}

func (f *filterFlags) apply(b *query.Builder) (*query.Builder, error) {
	for _, w := range f.where {
		field, op, value, err := parseWhere(w)
		if err != nil {
			return nil, err
		}
		b = b.Where(field, op, value)
	}
	if f.withTrashed {
		b = b.WithTrashed()
	}
	if f.onlyTrashed {
		b = b.OnlyTrashed()
	}
	return b, nil
}

func newQueryCmd(c *cli) *cobra.Command {
	var (
		filter        filterFlags
		order         []string
		limit, offset int
		first         bool
		format        string
	)
	cmd := &cobra.Command{
		Use:   "query <table>",
		Short: "Print the records matching the filters",
		Example: `  flatdb query users --where email:LIKE:@example.com --order name
  flatdb query users --where age:>=:18 --order age:desc --limit 10 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRenderer(format)
			if err != nil {
				return err
			}
			return c.withDB(cmd.Context(), func(db *storage.DB) error {
				b, err := filter.apply(db.Table(args[0]))
				if err != nil {
					return err
				}
				for _, o := range order {
					field, dir, _ := strings.Cut(o, ":")
					if dir == "" {
						dir = string(query.Asc)
					}
					b = b.OrderBy(field, dir)
				}
				b = b.Limit(limit).Offset(offset)
				var rows []*record.Record
				if first {
					rec, err := b.First(cmd.Context())
					if err != nil {
						return err
					}
					if rec != nil {
						rows = append(rows, rec)
					}
				} else if rows, err = b.All(cmd.Context()); err != nil {
					return err
				}
				return r(cmd.OutOrStdout(), rows)
			})
		},
	}
	filter.register(cmd, true)
	cmd.Flags().StringArrayVarP(&order, "order", "o", nil, "Sort as field[:asc|desc]; repeatable, earlier keys take priority")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of records; 0 means no limit")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of records to skip")
	cmd.Flags().BoolVar(&first, "first", false, "Only the first matching record")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json, yaml)")
	_ = cmd.RegisterFlagCompletionFunc("format", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return formats, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func newCountCmd(c *cli) *cobra.Command {
	var filter filterFlags
	cmd := &cobra.Command{
		Use:   "count <table>",
		Short: "Print the number of records matching the filters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDB(cmd.Context(), func(db *storage.DB) error {
				b, err := filter.apply(db.Table(args[0]))
				if err != nil {
					return err
				}
				n, err := b.Count(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
				return err
			})
		},
	}
	filter.register(cmd, true)
	return cmd
}

func newUpdateCmd(c *cli) *cobra.Command {
	var filter filterFlags
	cmd := &cobra.Command{
		Use:     "update <table> <json|->",
		Short:   "Merge fields into the matching records and print how many matched",
		Example: `  flatdb update users '{"status":"active"}' --where id:=:01HZX3`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := readRecord(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}
			return c.mutate(cmd, args[0], &filter, func(ctx context.Context, b *query.Builder) (int, error) {
				return b.Update(ctx, patch)
			})
		},
	}
	filter.register(cmd, true)
	return cmd
}

func newDeleteCmd(c *cli) *cobra.Command {
	var filter filterFlags
	cmd := &cobra.Command{
		Use:   "delete <table>",
		Short: "Soft delete the matching records and print how many matched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.mutate(cmd, args[0], &filter, func(ctx context.Context, b *query.Builder) (int, error) {
				return b.Delete(ctx)
			})
		},
	}
	filter.register(cmd, false)
	return cmd
}

func newRestoreCmd(c *cli) *cobra.Command {
	var filter filterFlags
	cmd := &cobra.Command{
		Use:   "restore <table>",
		Short: "Restore the matching soft-deleted records and print how many matched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.mutate(cmd, args[0], &filter, func(ctx context.Context, b *query.Builder) (int, error) {
				return b.Restore(ctx)
			})
		},
	}
	filter.register(cmd, false)
	return cmd
}

// mutate applies the filters and prints the count returned by fn. An
// unfiltered mutation is refused to avoid editing a whole table by accident.
func (c *cli) mutate(cmd *cobra.Command, table string, filter *filterFlags, fn func(context.Context, *query.Builder) (int, error)) error {
	if len(filter.where) == 0 {
		return errors.New("at least one --where is required")
	}
	return c.withDB(cmd.Context(), func(db *storage.DB) error {
		b, err := filter.apply(db.Table(table))
		if err != nil {
			return err
		}
		n, err := fn(cmd.Context(), b)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
		return err
	})
}

func newWatchCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print table changes as they happen (document backend)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return c.withDB(ctx, func(db *storage.DB) error {
				events, err := db.Watch(ctx)
				if err != nil {
					return err
				}
				for ev := range events {
					if ev.Err != nil {
						// The watch keeps going; the listing may have gaps.
						_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "flatdb: %v\n", ev.Err)
						continue
					}
					if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ev.Table, ev.Op); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := config.Schema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration, secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(c.cfg.Redacted()); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return cmd
}

// readRecord parses a JSON object given inline or, for "-", on r.
func readRecord(r io.Reader, arg string) (*record.Record, error) {
	data := []byte(arg)
	if arg == "-" {
		var err error
		if data, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
	}
	rec := record.New()
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, dberrors.TypeCoercion("invalid record: %v", err)
	}
	return rec, nil
}

// parseWhere splits field:op:value. The value is decoded as JSON when it is
// valid JSON, otherwise it is taken as a literal string.
func parseWhere(s string) (field, op string, value any, err error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", nil, dberrors.Configuration("invalid filter %q: want field:op:value", s)
	}
	raw := parts[2]
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}
	return parts[0], parts[1], value, nil
}

