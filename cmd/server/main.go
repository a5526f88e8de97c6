package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"records-backend/internal/config"
	"records-backend/internal/metadata"
	"records-backend/internal/store"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "records-server",
	Short: "Metadata-driven records API",
	Long: "Serves the records query and mutation API over the tables described in the\n" +
		"system definition tables. Runs the server when no subcommand is given.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default: app.yaml in . or ../..)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

// openStore loads config, connects, bootstraps the system tables and loads
// the registry. The caller closes the store.
func openStore(ctx context.Context) (*config.Config, *store.Store, *metadata.Registry, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log.Printf("Config loaded (port: %d, driver: %s, db: %s)", cfg.Server.Port, cfg.Database.Driver, cfg.Database.Name)

	s, err := store.New(ctx, cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	log.Println("Database connected")

	if err := s.Bootstrap(ctx); err != nil {
		s.Close()
		return nil, nil, nil, fmt.Errorf("bootstrap system tables: %w", err)
	}
	log.Println("System tables ready")

	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, s.DB, reg); err != nil {
		log.Printf("WARN: Failed to load metadata: %v", err)
	}
	return cfg, s, reg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
