// Package di provides dependency injection container for managing service lifecycle and dependencies.
package di

import (
	"context"
	"database/sql"
	"io"
	"sync"

	"icfesprep/internal/config"
	"icfesprep/internal/database"
	"icfesprep/internal/exposure"
	"icfesprep/internal/observability"
	"icfesprep/internal/services"
	"icfesprep/internal/store"
	contextutils "icfesprep/internal/utils"
)

// DriverMemory selects the in-process store instead of PostgreSQL
const DriverMemory = "memory"

// ServiceContainerInterface defines the interface for service containers
type ServiceContainerInterface interface {
	GetService(name string) (interface{}, error)
	GetAdaptiveSessionService() (services.AdaptiveSessionServiceInterface, error)
	GetItemBankService() (services.ItemBankServiceInterface, error)
	GetStore() store.Store
	GetDatabase() *sql.DB
	GetConfig() *config.Config
	GetLogger() *observability.Logger
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Option customizes container initialization
type Option func(*ServiceContainer)

// WithoutMigrations opens the database without applying migrations. The
// worker and admin CLI use it so only the API server migrates.
func WithoutMigrations() Option {
	return func(sc *ServiceContainer) { sc.runMigrations = false }
}

// WithStore injects a ready store and skips opening a database
func WithStore(st store.Store) Option {
	return func(sc *ServiceContainer) { sc.store = st }
}

// ServiceContainer manages all service dependencies and lifecycle
type ServiceContainer struct {
	cfg           *config.Config
	logger        *observability.Logger
	dbManager     *database.Manager
	db            *sql.DB
	store         store.Store
	tracker       exposure.Tracker
	runMigrations bool
	services      map[string]interface{}
	mu            sync.RWMutex
	shutdownFuncs []func(context.Context) error
}

// NewServiceContainer creates a new dependency injection container
func NewServiceContainer(cfg *config.Config, logger *observability.Logger, opts ...Option) *ServiceContainer {
	sc := &ServiceContainer{
		cfg:           cfg,
		logger:        logger,
		runMigrations: true,
		services:      make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// Initialize opens the store, builds the exposure tracker and wires the services
func (sc *ServiceContainer) Initialize(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if err := sc.initializeStore(); err != nil {
		return contextutils.WrapError(err, "failed to initialize store")
	}

	tracker, err := exposure.NewTracker(ctx, sc.cfg, sc.store)
	if err != nil {
		_ = sc.cleanup(ctx)
		return contextutils.WrapError(err, "failed to initialize exposure tracker")
	}
	sc.tracker = tracker
	if closer, ok := tracker.(io.Closer); ok {
		sc.shutdownFuncs = append(sc.shutdownFuncs, func(_ context.Context) error {
			return closer.Close()
		})
	}

	sc.initializeServices(ctx)

	sc.logger.Info(ctx, "Service container initialized", map[string]interface{}{
		"database_driver":  sc.cfg.Database.Driver,
		"exposure_backend": sc.cfg.Exposure.Backend,
		"services":         len(sc.services),
	})
	return nil
}

func (sc *ServiceContainer) initializeStore() error {
	if sc.store != nil {
		return nil
	}
	if sc.cfg.Database.Driver == DriverMemory {
		sc.store = store.NewMemoryStore()
		return nil
	}

	sc.dbManager = database.NewManager(sc.logger)
	var (
		db  *sql.DB
		err error
	)
	if sc.runMigrations {
		db, err = sc.dbManager.InitDBWithConfig(sc.cfg.Database)
	} else {
		db, err = sc.dbManager.InitDBWithoutMigrations(sc.cfg.Database)
	}
	if err != nil {
		return err
	}
	sc.db = db
	sc.store = store.NewPostgresStore(db, sc.logger)
	sc.shutdownFuncs = append(sc.shutdownFuncs, func(_ context.Context) error {
		return db.Close()
	})
	return nil
}

// initializeServices sets up all service dependencies
func (sc *ServiceContainer) initializeServices(_ context.Context) {
	itemBankService := services.NewItemBankService(sc.store, sc.logger)
	sc.services["item_bank"] = itemBankService

	// Session coordinator depends on the item bank and exposure tracker
	sessionService := services.NewAdaptiveSessionService(
		sc.store,
		itemBankService,
		sc.tracker,
		sc.cfg.Adaptive,
		observability.NewCATMetrics(),
		sc.logger,
	)
	sc.services["adaptive_session"] = sessionService
}

// GetService retrieves a service by name with type assertion
func (sc *ServiceContainer) GetService(name string) (interface{}, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	service, exists := sc.services[name]
	if !exists {
		return nil, contextutils.ErrorWithContextf("service %s not found", name)
	}
	return service, nil
}

// GetServiceAs performs type-safe service retrieval
func GetServiceAs[T any](sc *ServiceContainer, name string) (T, error) {
	var zero T
	service, err := sc.GetService(name)
	if err != nil {
		return zero, err
	}

	typed, ok := service.(T)
	if !ok {
		return zero, contextutils.ErrorWithContextf("service %s is not of expected type %T", name, zero)
	}
	return typed, nil
}

// GetAdaptiveSessionService returns the session coordinator
func (sc *ServiceContainer) GetAdaptiveSessionService() (services.AdaptiveSessionServiceInterface, error) {
	return GetServiceAs[services.AdaptiveSessionServiceInterface](sc, "adaptive_session")
}

// GetItemBankService returns the item bank service
func (sc *ServiceContainer) GetItemBankService() (services.ItemBankServiceInterface, error) {
	return GetServiceAs[services.ItemBankServiceInterface](sc, "item_bank")
}

// GetStore returns the persistence layer
func (sc *ServiceContainer) GetStore() store.Store {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.store
}

// GetDatabase returns the database instance; nil with the memory driver
func (sc *ServiceContainer) GetDatabase() *sql.DB {
	return sc.db
}

// GetConfig returns the configuration
func (sc *ServiceContainer) GetConfig() *config.Config {
	return sc.cfg
}

// GetLogger returns the logger
func (sc *ServiceContainer) GetLogger() *observability.Logger {
	return sc.logger
}

// Shutdown gracefully shuts down all services
func (sc *ServiceContainer) Shutdown(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.cleanup(ctx)
}

// cleanup runs shutdown functions in reverse order of registration
func (sc *ServiceContainer) cleanup(ctx context.Context) error {
	var errors []error
	for i := len(sc.shutdownFuncs) - 1; i >= 0; i-- {
		if err := sc.shutdownFuncs[i](ctx); err != nil {
			sc.logger.Error(ctx, "Shutdown step failed", err, nil)
			errors = append(errors, err)
		}
	}
	sc.shutdownFuncs = nil

	if len(errors) > 0 {
		return contextutils.ErrorWithContextf("shutdown errors: %v", errors)
	}
	return nil
}
