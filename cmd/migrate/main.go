package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/droplink/droplink-api/internal/pkg/env"
)

var sourceURL string

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply DropLink database migrations",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		env.SetupEnvFile()
	},
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrate(func(m *migrate.Migrate) error {
			if err := m.Up(); err != nil {
				if errors.Is(err, migrate.ErrNoChange) {
					logrus.Info("no change: database is up to date")
					return nil
				}
				return err
			}
			logrus.Info("migrations applied")
			return nil
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrate(func(m *migrate.Migrate) error {
			if err := m.Steps(-1); err != nil {
				return err
			}
			logrus.Info("last migration rolled back")
			return nil
		})
	},
}

var gotoCmd = &cobra.Command{
	Use:   "goto <version>",
	Short: "Migrate up or down to a specific version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return withMigrate(func(m *migrate.Migrate) error {
			if err := m.Migrate(uint(version)); err != nil {
				if errors.Is(err, migrate.ErrNoChange) {
					logrus.Infof("no change: database is already at version %d", version)
					return nil
				}
				return err
			}
			logrus.Infof("migrated to version %d", version)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current migration version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrate(func(m *migrate.Migrate) error {
			version, dirty, err := m.Version()
			if err != nil {
				if errors.Is(err, migrate.ErrNilVersion) {
					logrus.Info("no migrations applied yet")
					return nil
				}
				return err
			}
			suffix := ""
			if dirty {
				suffix = " (dirty)"
			}
			logrus.Infof("current migration version: %d%s", version, suffix)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sourceURL, "source", "file://migrations", "migration source URL")
	rootCmd.AddCommand(upCmd, downCmd, gotoCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func withMigrate(fn func(m *migrate.Migrate) error) error {
	logrus.Infof("connecting to database %s@%s:%s/%s",
		env.GetEnv("DB_USER", "postgres"),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "5432"),
		env.GetEnv("DB_NAME", "droplink"),
	)

	m, err := migrate.New(sourceURL, databaseURL())
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() {
		if sourceErr, dbErr := m.Close(); sourceErr != nil || dbErr != nil {
			logrus.Warnf("closing migration resources: %v, %v", sourceErr, dbErr)
		}
	}()
	return fn(m)
}

// databaseURL builds the postgres:// URL golang-migrate expects.
func databaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(env.GetEnv("DB_USER", "postgres"), env.GetEnv("DB_PASSWORD", "")),
		Host:   env.GetEnv("DB_HOST", "127.0.0.1") + ":" + env.GetEnv("DB_PORT", "5432"),
		Path:   "/" + env.GetEnv("DB_NAME", "droplink"),
	}
	q := url.Values{}
	q.Set("sslmode", env.GetEnv("DB_SSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}
