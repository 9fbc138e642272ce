package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// dbtool manages the schema out-of-band. The API server migrates up on
// startup; this tool covers stepped rollbacks, version inspection, and
// clearing a dirty state after a failed migration.
//
// Usage:
//
//	dbtool [-path db/migrations] up [n]      apply all (or n) pending migrations
//	dbtool [-path db/migrations] down [n]    roll back all (or n) migrations
//	dbtool version                           print the current schema version
//	dbtool force <v>                         set the version without running anything
//	dbtool repair                            clear the dirty flag at the current version
func main() {
	cmd, err := parseCommand(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	msg, err := run(cmd)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(msg)
}

type command struct {
	name   string
	arg    int
	hasArg bool
	path   string
}

type schemaMigrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

// Swapped in tests to avoid a real Postgres connection.
var (
	loadDotenv = func() { _ = godotenv.Load() }
	lookupEnv  = os.LookupEnv
	openDB     = func(dsn string) (*sql.DB, error) { return sql.Open("postgres", dsn) }

	openMigrator = func(db *sql.DB, path string) (schemaMigrator, error) {
		driver, err := postgres.WithInstance(db, &postgres.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create migration driver: %w", err)
		}
		m, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
		if err != nil {
			return nil, fmt.Errorf("failed to create migrate instance: %w", err)
		}
		return m, nil
	}
)

func parseCommand(args []string) (command, error) {
	fs := flag.NewFlagSet("dbtool", flag.ContinueOnError)
	path := fs.String("path", "db/migrations", "Directory containing migration files")
	if err := fs.Parse(args); err != nil {
		return command{}, err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return command{}, errors.New("missing command (up, down, version, force, repair)")
	}
	cmd := command{name: rest[0], path: *path}

	switch cmd.name {
	case "up", "down":
		if len(rest) > 1 {
			n, err := strconv.Atoi(rest[1])
			if err != nil || n <= 0 {
				return command{}, fmt.Errorf("step count must be a positive integer, got %q", rest[1])
			}
			cmd.arg = n
			cmd.hasArg = true
		}
	case "force":
		if len(rest) < 2 {
			return command{}, errors.New("force requires a version number")
		}
		v, err := strconv.Atoi(rest[1])
		if err != nil || v < 0 {
			return command{}, fmt.Errorf("version must be a non-negative integer, got %q", rest[1])
		}
		cmd.arg = v
		cmd.hasArg = true
	case "version", "repair":
	default:
		return command{}, fmt.Errorf("unknown command %q (want up, down, version, force, or repair)", cmd.name)
	}
	return cmd, nil
}

func run(cmd command) (string, error) {
	loadDotenv()

	dsn, _ := lookupEnv("DATABASE_URL")
	if dsn == "" {
		return "", errors.New("DATABASE_URL environment variable is required")
	}

	db, err := openDB(dsn)
	if err != nil {
		return "", fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	m, err := openMigrator(db, cmd.path)
	if err != nil {
		return "", err
	}
	return execute(m, cmd)
}

func execute(m schemaMigrator, cmd command) (string, error) {
	switch cmd.name {
	case "up", "down":
		if err := applySteps(m, cmd); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				return "No migrations to apply", nil
			}
			return "", fmt.Errorf("migration %s failed: %w", cmd.name, err)
		}
		return fmt.Sprintf("Migration %s completed", cmd.name), nil

	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return "No migrations applied yet", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to read migration version: %w", err)
		}
		if dirty {
			return fmt.Sprintf("Version %d (dirty)", v), nil
		}
		return fmt.Sprintf("Version %d", v), nil

	case "force":
		if err := m.Force(cmd.arg); err != nil {
			return "", fmt.Errorf("failed to force version %d: %w", cmd.arg, err)
		}
		return fmt.Sprintf("Forced database to version %d", cmd.arg), nil

	case "repair":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return "No migrations applied yet", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to read migration version: %w", err)
		}
		if !dirty {
			return "Database is not dirty (nothing to repair)", nil
		}
		if err := m.Force(int(v)); err != nil {
			return "", fmt.Errorf("failed to repair version %d: %w", v, err)
		}
		return fmt.Sprintf("Cleared dirty flag at version %d", v), nil
	}
	return "", fmt.Errorf("unknown command %q", cmd.name)
}

func applySteps(m schemaMigrator, cmd command) error {
	switch {
	case cmd.name == "up" && cmd.hasArg:
		return m.Steps(cmd.arg)
	case cmd.name == "up":
		return m.Up()
	case cmd.hasArg:
		return m.Steps(-cmd.arg)
	default:
		return m.Down()
	}
}
