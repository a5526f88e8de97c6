package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"records-backend/internal/admin"
	"records-backend/internal/metadata"
	"records-backend/internal/store"
)

var definitionsFile string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply definitions and create or alter tables",
	Long: `Bootstraps the system tables and migrates every registered table.

With --definitions, the JSON file ({"entities": [...], "relations": [...],
"permissions": [...], "views": [...]}) is validated against the stored
definitions, saved, and migrated first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, s, reg, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if definitionsFile == "" {
			if err := store.NewMigrator(s).MigrateAll(ctx, reg); err != nil {
				return fmt.Errorf("migrate tables: %w", err)
			}
			log.Printf("Migrated %d tables", len(reg.AllEntities()))
			return nil
		}

		raw, err := os.ReadFile(definitionsFile)
		if err != nil {
			return fmt.Errorf("read definitions: %w", err)
		}
		var defs metadata.Definitions
		if err := json.Unmarshal(raw, &defs); err != nil {
			return fmt.Errorf("parse %s: %w", definitionsFile, err)
		}
		return admin.Apply(ctx, s, reg, defs)
	},
}

func init() {
	migrateCmd.Flags().StringVar(&definitionsFile, "definitions", "", "JSON file of definitions to apply")
}
