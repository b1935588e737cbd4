package main

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tasklist-api/storage"
)

func storageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Provision task storage",
	}
	cmd.AddCommand(storageInitCmd())
	return cmd
}

func storageInitCmd() *cobra.Command {
	var sqlitePath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create tables and queues, or migrate a SQLite database",
		Long: `Create the task table and change queue in Azure Storage.

Names come from TASKS_TABLE and CHANGE_QUEUE, the account from
STORAGE_CONNECTION_STRING. With --sqlite the schema is created in a local
database file instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if sqlitePath != "" {
				gw, err := storage.OpenSQLite(ctx, sqlitePath)
				if err != nil {
					return fmt.Errorf("open sqlite: %w", err)
				}
				log.WithField("path", sqlitePath).Info("sqlite schema ready")
				return gw.Close()
			}

			connStr := os.Getenv("STORAGE_CONNECTION_STRING")
			if connStr == "" {
				return errors.New("missing STORAGE_CONNECTION_STRING")
			}
			log.Info("storage init starting")
			if err := storage.CreateTables(ctx, connStr, []string{os.Getenv("TASKS_TABLE")}); err != nil {
				return fmt.Errorf("create tables: %w", err)
			}
			if err := storage.CreateQueues(ctx, connStr, []string{os.Getenv("CHANGE_QUEUE")}); err != nil {
				return fmt.Errorf("create queues: %w", err)
			}
			log.Info("storage init complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&sqlitePath, "sqlite", "", "migrate the SQLite database at this path instead of Azure Storage")
	return cmd
}
