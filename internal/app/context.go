package app

import (
	"fmt"

	"storyline/internal/config"
	"storyline/internal/db"
	"storyline/internal/engine"
	"storyline/internal/migrate"
)

// OpenEngine opens the workspace store, applies pending migrations, resolves
// the workspace config (falling back to defaults when storyline.yml is
// absent) and returns a ready engine plus a close function.
func OpenEngine(workspace string) (engine.Engine, func(), error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg)
	return e, func() { conn.Close() }, nil
}
