package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"icfesprep/internal/config"
	"icfesprep/internal/di"
	"icfesprep/internal/models"
	"icfesprep/internal/observability"
	contextutils "icfesprep/internal/utils"
)

// Env carries the shared configuration and opens the service container on
// first use, so commands that never touch the store skip the database.
type Env struct {
	Config *config.Config
	Logger *observability.Logger

	open      func(ctx context.Context) (di.ServiceContainerInterface, error)
	once      sync.Once
	container di.ServiceContainerInterface
	err       error
}

// NewEnv creates an Env that opens the database without running migrations
func NewEnv(cfg *config.Config, logger *observability.Logger) *Env {
	return &Env{
		Config: cfg,
		Logger: logger,
		open: func(ctx context.Context) (di.ServiceContainerInterface, error) {
			sc := di.NewServiceContainer(cfg, logger, di.WithoutMigrations())
			if err := sc.Initialize(ctx); err != nil {
				return nil, err
			}
			return sc, nil
		},
	}
}

// NewEnvWithContainer wraps an already initialized container
func NewEnvWithContainer(cfg *config.Config, logger *observability.Logger, container di.ServiceContainerInterface) *Env {
	return &Env{
		Config: cfg,
		Logger: logger,
		open: func(context.Context) (di.ServiceContainerInterface, error) {
			return container, nil
		},
	}
}

// Container returns the service container, opening it on the first call
func (e *Env) Container(ctx context.Context) (di.ServiceContainerInterface, error) {
	e.once.Do(func() {
		e.container, e.err = e.open(ctx)
	})
	if e.err != nil {
		return nil, contextutils.WrapError(e.err, "failed to open services")
	}
	return e.container, nil
}

// Close shuts the container down if it was opened
func (e *Env) Close(ctx context.Context) error {
	if e.container == nil {
		return nil
	}
	return e.container.Shutdown(ctx)
}

// maskDatabaseURL masks sensitive parts of the database URL for display
func maskDatabaseURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) == 2 {
			return "postgres://***:***@" + parts[1]
		}
	}
	return url
}

// getDatabaseInfo returns database connection information
func getDatabaseInfo(ctx context.Context, db *sql.DB) string {
	if db == nil {
		return "Not connected"
	}

	var dbName string
	if err := db.QueryRowContext(ctx, "SELECT current_database()").Scan(&dbName); err != nil {
		return "Connected (unknown database)"
	}

	var host string
	if err := db.QueryRowContext(ctx, "SELECT inet_server_addr()::text").Scan(&host); err != nil {
		return fmt.Sprintf("Connected to %s", dbName)
	}

	return fmt.Sprintf("Connected to %s on %s", dbName, host)
}

func parseSubject(raw string) (models.SubjectArea, error) {
	subject := models.SubjectArea(strings.ToLower(strings.TrimSpace(raw)))
	if !subject.IsValid() {
		return "", contextutils.WrapErrorf(contextutils.ErrInvalidInput, "unknown subject area %q", raw)
	}
	return subject, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
