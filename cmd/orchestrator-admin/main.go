package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/transcode-orchestrator/internal/bootstrap"
	"github.com/cuongbtq/transcode-orchestrator/internal/config"
	"github.com/cuongbtq/transcode-orchestrator/shared/logger"
	"github.com/cuongbtq/transcode-orchestrator/shared/postgresql"
)

// app holds what the commands share. The database is only opened by commands that need it.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	db         *postgresql.Client
}

func (a *app) loadConfig(*cobra.Command, []string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = appLogger.Logger
	return nil
}

func (a *app) database() (*postgresql.Client, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := bootstrap.InitPostgreSQL(&a.cfg.Database, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db
	return db, nil
}

func (a *app) close(*cobra.Command, []string) error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func newRootCmd() *cobra.Command {
	a := &app{logger: logger.NewNop()}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}

	rootCmd := &cobra.Command{
		Use:                "orchestrator-admin",
		Short:              "Administration tasks of the transcode orchestrator",
		SilenceUsage:       true,
		PersistentPreRunE:  a.loadConfig,
		PersistentPostRunE: a.close,
	}
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath, "Path to configuration file")

	rootCmd.AddCommand(migrateCmd(a))
	rootCmd.AddCommand(registrationTokenCmd(a))
	rootCmd.AddCommand(tokenCmd(a))
	rootCmd.AddCommand(jobsCmd(a))
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}
