package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tasklist-api/collection"
	"tasklist-api/domain"
	"tasklist-api/storage"
)

type tasksFlags struct {
	sqlite string
	owner  string
}

func tasksCmd() *cobra.Command {
	var f tasksFlags
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and edit a task list in a local SQLite database",
	}
	cmd.PersistentFlags().StringVar(&f.sqlite, "sqlite", "tasklist.db", "SQLite database path")
	cmd.PersistentFlags().StringVar(&f.owner, "owner", "", "owner id (required)")
	cmd.AddCommand(tasksListCmd(&f), tasksAddCmd(&f), tasksMoveCmd(&f))
	return cmd
}

// openStore opens the database and returns a store plus a context carrying the owner.
func (f *tasksFlags) openStore(ctx context.Context) (*collection.Store, context.Context, func() error, error) {
	if strings.TrimSpace(f.owner) == "" {
		return nil, nil, nil, errors.New("--owner is required")
	}
	gw, err := storage.OpenSQLite(ctx, f.sqlite)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	logger := log.StandardLogger()
	return collection.NewStore(gw, logger), collection.WithOwner(ctx, f.owner), gw.Close, nil
}

func tasksListCmd(f *tasksFlags) *cobra.Command {
	var (
		filter domain.Filter
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in display order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = domain.Status(status)
			if err := filter.Validate(); err != nil {
				return err
			}
			store, ctx, closeDB, err := f.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			snap, err := store.Read(ctx)
			if err != nil {
				return err
			}
			view := snap.View(filter)
			if asJSON {
				data, err := sonic.Marshal(view)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			return printTasks(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "all, active or completed")
	cmd.Flags().StringVar(&filter.Search, "search", "", "case-insensitive title search")
	cmd.Flags().StringVar(&filter.Tag, "tag", "", "only tasks carrying this tag")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func tasksAddCmd(f *tasksFlags) *cobra.Command {
	var (
		tags   []string
		due    string
		remind bool
	)
	cmd := &cobra.Command{
		Use:   "add [title]",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			draft := domain.Draft{Title: strings.Join(args, " "), Tags: tags, Remind: remind}
			if due != "" {
				d, err := domain.ParseDate(due)
				if err != nil {
					return fmt.Errorf("invalid --due: %w", err)
				}
				draft.DueAt = &d
			}
			store, ctx, closeDB, err := f.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			task, err := store.Create(ctx, draft)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), task.ID)
			return err
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag, repeatable")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&remind, "remind", false, "request a reminder")
	return cmd
}

func tasksMoveCmd(f *tasksFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "move [id] [position]",
		Short: "Move a task to a position in the full list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			position, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid position %q", args[1])
			}
			store, ctx, closeDB, err := f.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			res, err := store.Reorder(ctx, domain.Filter{}, args[0], position)
			if err != nil {
				return err
			}
			if res.Noop {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "unchanged")
				return err
			}
			return printTasks(cmd.OutOrStdout(), res.View)
		},
	}
}

func printTasks(w io.Writer, tasks []domain.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, t := range tasks {
		done := " "
		if t.Completed {
			done = "x"
		}
		due := ""
		if t.DueAt != nil {
			due = t.DueAt.String()
		}
		fmt.Fprintf(tw, "%d\t[%s]\t%s\t%s\t%s\t%s\n", t.Order, done, t.ID, t.Title, due, strings.Join(t.Tags, ","))
	}
	return tw.Flush()
}
