package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/noah-isme/auth-core-api/pkg/config"
	"github.com/noah-isme/auth-core-api/pkg/database"
	"github.com/noah-isme/auth-core-api/pkg/logger"
)

func main() {
	path := flag.String("path", "migrations", "path to migrations directory")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-path dir] <up [N]|down [N]|version|force V>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	m, err := newMigrate(cfg, *path)
	if err != nil {
		logr.Fatal("failed to prepare migrations", zap.Error(err))
	}
	defer m.Close()

	if err := run(m, flag.Arg(0), flag.Args()[1:], logr); err != nil {
		logr.Fatal("migration failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
}

func run(m *migrate.Migrate, cmd string, args []string, logr *zap.Logger) error {
	steps, err := optionalInt(args)
	if err != nil {
		return err
	}

	switch cmd {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	case "force":
		if len(args) == 0 {
			return errors.New("force requires a version")
		}
		err = m.Force(steps)
	case "version":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logr.Info("no migrations to apply")
		err = nil
	}
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		logr.Info("no migrations applied")
		return nil
	}
	if err != nil {
		return err
	}
	logr.Info("schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

func newMigrate(cfg *config.Config, path string) (*migrate.Migrate, error) {
	db, err := database.NewPostgres(context.Background(), cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create driver: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve migrations path: %w", err)
	}

	return migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
}

func optionalInt(args []string) (int, error) {
	if len(args) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", args[0])
	}
	return n, nil
}
