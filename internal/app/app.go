package app

import (
	"database/sql"
	"fmt"

	"campusbarter/internal/config"
	"campusbarter/internal/db"
	"campusbarter/internal/engine"
	"campusbarter/internal/migrate"
)

// Open prepares a workspace: opens the database, applies migrations and
// loads campusbarter.yml, falling back to defaults when the file is absent.
func Open(workspace string) (*sql.DB, *config.Config, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if cfg == nil {
		cfg = config.Default("local")
	}
	return conn, cfg, nil
}

// OpenEngine is Open plus engine wiring.
func OpenEngine(workspace string) (engine.Engine, error) {
	conn, cfg, err := Open(workspace)
	if err != nil {
		return engine.Engine{}, err
	}
	return engine.New(conn, cfg), nil
}
