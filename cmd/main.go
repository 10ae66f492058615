package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/KAsare1/medibook-server/cmd/api"
	"github.com/KAsare1/medibook-server/cmd/config"
	"github.com/KAsare1/medibook-server/cmd/logger"
	"github.com/KAsare1/medibook-server/cmd/utils"
	"github.com/KAsare1/medibook-server/db"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func main() {
	root := &cobra.Command{
		Use:          "medibook",
		Short:        "Clinic and telemedicine booking server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), clearDBCmd(), sweepCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// setup loads config and opens the database. The caller closes the returned db.
func setup() (*config.Config, *gorm.DB, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.New(cfg.LogLevel)

	DB, err := db.NewPSQLStorage(cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("database initialization error: %w", err)
	}
	log.Info("Connected to the database")
	return cfg, DB, log, nil
}

func closeDB(DB *gorm.DB, log *logger.Logger) {
	if err := db.Close(DB); err != nil {
		log.WithError(err).Warn("Error closing database")
		return
	}
	log.Info("Database connection closed")
}

// connectRedis returns nil when redis is not configured.
func connectRedis(ctx context.Context, cfg *config.Config, log *logger.Logger) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		log.Info("Redis not configured, using in-process locks")
		return nil, nil
	}
	return db.NewRedisClient(ctx, cfg.Redis, log.WithComponent("redis"))
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, DB, log, err := setup()
			if err != nil {
				return err
			}
			defer closeDB(DB, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rdb, err := connectRedis(ctx, cfg, log)
			if err != nil {
				return err
			}
			if rdb != nil {
				defer rdb.Close()
			}

			server, err := api.NewApiServer(cfg, DB, rdb, log)
			if err != nil {
				return err
			}
			return server.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables and upload directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, DB, log, err := setup()
			if err != nil {
				return err
			}
			defer closeDB(DB, log)

			if err := db.Migrate(DB, log.WithComponent("migrate")); err != nil {
				return fmt.Errorf("migration error: %w", err)
			}

			dir := filepath.Join(cfg.Uploads.Dir, utils.AvatarSubdir)
			if err := createDirectoryIfNotExist(dir); err != nil {
				return err
			}
			log.Infof("Directory %s created/verified", dir)
			log.Info("All migrations and directory setup completed successfully")
			return nil
		},
	}
}

func createDirectoryIfNotExist(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("could not create directory %s: %w", path, err)
		}
	}
	return nil
}

func clearDBCmd() *cobra.Command {
	var yes bool
	var tableNames []string

	cmd := &cobra.Command{
		Use:   "clear-db",
		Short: "Drop tables (all of them unless --tables is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, DB, log, err := setup()
			if err != nil {
				return err
			}
			defer closeDB(DB, log)

			in := bufio.NewReader(cmd.InOrStdin())
			if !yes {
				fmt.Fprint(cmd.OutOrStdout(), "Are you sure you want to clear the database? (yes/no): ")
				confirmation, _ := in.ReadString('\n')
				if strings.TrimSpace(confirmation) != "yes" {
					log.Info("Database clearing cancelled.")
					return nil
				}
			}

			var tables []interface{}
			for _, name := range tableNames {
				table, ok := db.TableByName(name)
				if !ok {
					log.Warnf("Unknown table: %s", name)
					continue
				}
				tables = append(tables, table)
			}
			if len(tableNames) > 0 && len(tables) == 0 {
				return fmt.Errorf("none of the tables %v exist", tableNames)
			}

			db.DropTables(DB, tables, log.WithComponent("clear-db"))
			log.Info("Database cleared successfully")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().StringSliceVar(&tableNames, "tables", nil, "model names to drop, e.g. Invoice,Payment")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue payment holds once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, DB, log, err := setup()
			if err != nil {
				return err
			}
			defer closeDB(DB, log)

			ctx := cmd.Context()
			rdb, err := connectRedis(ctx, cfg, log)
			if err != nil {
				return err
			}
			if rdb != nil {
				defer rdb.Close()
			}

			server, err := api.NewApiServer(cfg, DB, rdb, log)
			if err != nil {
				return err
			}
			expired, err := server.Sweeper().Sweep(ctx)
			server.Wait()
			if err != nil {
				return err
			}
			log.WithField("expired", expired).Info("Sweep finished")
			return nil
		},
	}
}
