// migrate manages the correlator's PostgreSQL schema using the migrations
// embedded in the database package.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/davidleathers/sequence-correlator/internal/infrastructure/config"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/database"
)

const defaultMigrationsDir = "internal/infrastructure/database/migrations"

var migrationName = regexp.MustCompile(`^[a-z0-9_]+$`)

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		databaseURL string
	)

	rootCmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the correlation match schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Database URL (overrides configuration)")

	open := func() (*database.Migrator, error) {
		url := databaseURL
		if url == "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return nil, err
			}
			url = cfg.Database.URL
		}
		if url == "" {
			return nil, errors.New("database URL is not configured")
		}
		return database.NewMigrator(url)
	}

	rootCmd.AddCommand(upCmd(open))
	rootCmd.AddCommand(downCmd(open))
	rootCmd.AddCommand(statusCmd(open))
	rootCmd.AddCommand(createCmd())
	return rootCmd
}

type openFunc func() (*database.Migrator, error)

func upCmd(open openFunc) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := open()
			if err != nil {
				return err
			}
			defer m.Close()

			if steps > 0 {
				err = m.Steps(steps)
			} else {
				err = m.Up()
			}
			return report(cmd, m, err)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func downCmd(open openFunc) *cobra.Command {
	var (
		steps int
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && steps <= 0 {
				return errors.New("pass --steps N or --all")
			}
			m, err := open()
			if err != nil {
				return err
			}
			defer m.Close()

			if all {
				err = m.Down()
			} else {
				err = m.Steps(-steps)
			}
			return report(cmd, m, err)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to roll back")
	cmd.Flags().BoolVar(&all, "all", false, "Roll back every migration")
	return cmd
}

func statusCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := open()
			if err != nil {
				return err
			}
			defer m.Close()
			return report(cmd, m, nil)
		},
	}
}

// report prints the schema version after an operation. ErrNoChange is not a failure.
func report(cmd *cobra.Command, m *database.Migrator, opErr error) error {
	if opErr != nil && !errors.Is(opErr, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", opErr)
	}

	out := cmd.OutOrStdout()
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Fprintln(out, "No migrations applied")
		return nil
	case err != nil:
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Fprintf(out, "Schema version %d (%s)\n", version, state)
	return nil
}

func createCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an empty up/down migration pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := createMigration(dir, args[0])
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), "Created", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", defaultMigrationsDir, "Migrations directory")
	return cmd
}

// createMigration writes NNNNNN_name.up.sql and .down.sql with the next
// sequence number in dir.
func createMigration(dir, name string) ([]string, error) {
	if !migrationName.MatchString(name) {
		return nil, fmt.Errorf("invalid migration name %q: use lowercase letters, digits and underscores", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create migrations directory: %w", err)
	}

	next, err := nextVersion(dir)
	if err != nil {
		return nil, err
	}

	header := fmt.Sprintf("-- %s\n-- Created at: %s\n\n", name, time.Now().UTC().Format(time.RFC3339))
	base := fmt.Sprintf("%06d_%s", next, name)
	paths := []string{
		filepath.Join(dir, base+".up.sql"),
		filepath.Join(dir, base+".down.sql"),
	}
	for _, p := range paths {
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to create migration file: %w", err)
		}
		_, err = f.WriteString(header)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("failed to write migration file: %w", err)
		}
	}
	return paths, nil
}

var versionPrefix = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

func nextVersion(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list migrations: %w", err)
	}
	var highest uint64
	for _, e := range entries {
		m := versionPrefix.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		highest = max(highest, v)
	}
	return highest + 1, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
