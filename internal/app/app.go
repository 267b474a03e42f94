// Package app assembles the storefront components from a config.Config.
package app

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/c0deZ3R0/storefront-sync/api"
	"github.com/c0deZ3R0/storefront-sync/auth"
	"github.com/c0deZ3R0/storefront-sync/config"
	"github.com/c0deZ3R0/storefront-sync/connectivity"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/internal/keylock"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/remote"
	"github.com/c0deZ3R0/storefront-sync/remote/dynamo"
	"github.com/c0deZ3R0/storefront-sync/service"
	"github.com/c0deZ3R0/storefront-sync/storage/postgres"
	"github.com/c0deZ3R0/storefront-sync/storage/sqlite"
	"github.com/c0deZ3R0/storefront-sync/storage/sqlstore"
	storesync "github.com/c0deZ3R0/storefront-sync/sync"
)

// App holds every long-lived component of a running storefront.
type App struct {
	Config   config.Config
	Store    *sqlstore.Store
	Backend  remote.Backend
	Probe    *connectivity.Probe
	Manager  *storesync.Manager
	Worker   *storesync.Worker
	Counters *storesync.Counters
	Users    *service.UserService
	Products *service.ProductService
	Cart     *service.CartService

	logger *slog.Logger
}

// Option customizes New.
type Option func(*options)

type options struct {
	backend    *remote.Backend
	pinger     remote.Pinger
	bcryptCost int
	logger     *slog.Logger
}

// WithBackend replaces the DynamoDB backend. The pinger drives the
// connectivity probe.
func WithBackend(b remote.Backend, p remote.Pinger) Option {
	return func(o *options) {
		o.backend = &b
		o.pinger = p
	}
}

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(o *options) { o.bcryptCost = cost }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New opens the local store, connects the remote backend and wires the
// services, the sync manager and the worker. The worker is not started.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{bcryptCost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(&o)
	}
	component := func(c logging.Component) *slog.Logger {
		if o.logger != nil {
			return o.logger.With(slog.Any("component", c))
		}
		return logging.WithComponent(c).Logger
	}

	store, err := openStore(ctx, cfg.Local, component(logging.ComponentStore))
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Store: store, logger: component(logging.ComponentAPI)}
	if err := a.wire(ctx, o, component); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, o options, component func(logging.Component) *slog.Logger) error {
	cfg := a.Config
	var pinger remote.Pinger
	if o.backend != nil {
		a.Backend, pinger = *o.backend, o.pinger
	} else {
		client, err := openRemote(ctx, cfg.Remote, component(logging.ComponentRemote))
		if err != nil {
			return err
		}
		a.Backend, pinger = client.Backend(), client
	}
	backend := a.Backend

	a.Probe = connectivity.NewProbe(pinger,
		connectivity.WithTimeout(cfg.Sync.ProbeTimeout),
		connectivity.WithFreshness(cfg.Sync.ProbeFreshness),
		connectivity.WithLogger(component(logging.ComponentProbe)),
	)

	// Direct writes and queued replays of one target never interleave.
	locks := keylock.New()
	a.Counters = &storesync.Counters{}
	manager, err := storesync.NewManager(a.Store, backend, a.Probe,
		storesync.WithMaxAttempts(cfg.Sync.MaxAttempts),
		storesync.WithCallTimeout(cfg.Sync.RemoteTimeout),
		storesync.WithMetrics(a.Counters),
		storesync.WithLocks(locks),
		storesync.WithLogger(component(logging.ComponentSync)),
	)
	if err != nil {
		return err
	}
	a.Manager = manager

	orch := service.NewOrchestrator(a.Store, backend, a.Probe,
		service.WithDrainer(manager),
		service.WithLocks(locks),
		service.WithRemoteTimeout(cfg.Sync.RemoteTimeout),
		service.WithLogger(component(logging.ComponentOrchestrator)),
	)
	a.Users = service.NewUserService(orch, auth.NewBcrypt(o.bcryptCost))
	a.Products = service.NewProductService(orch)
	a.Cart = service.NewCartService(orch)

	a.Worker = storesync.NewWorker(manager,
		storesync.WithInterval(cfg.Sync.Interval),
		storesync.WithIterationTimeout(cfg.Sync.DrainTimeout),
		storesync.WithWorkerLogger(component(logging.ComponentWorker)),
	)
	// Reconnecting starts a drain without waiting for the next tick.
	a.Probe.Subscribe(func(online bool) {
		if online {
			a.Worker.Trigger()
		}
	})
	return nil
}

// Handler returns the HTTP API backed by this App.
func (a *App) Handler() (http.Handler, error) {
	return api.NewServer(api.Config{
		Users:    a.Users,
		Products: a.Products,
		Cart:     a.Cart,
		Sync:     a.Manager,
		Metrics:  a.Counters,
		Logger:   a.logger,
		Events:   a.Manager,
	})
}

// Close stops the worker and releases the manager and the store.
func (a *App) Close() error {
	var errs []error
	if err := a.Worker.Stop(); err != nil && !stdErrors.Is(err, storesync.ErrWorkerNotRunning) {
		errs = append(errs, err)
	}
	if err := a.Manager.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return stdErrors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.Local, logger *slog.Logger) (*sqlstore.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		c := sqlite.DefaultConfig(cfg.DSN)
		c.EnableWAL = cfg.EnableWAL
		c.Logger = logger
		return sqlite.New(ctx, c)
	case config.DriverPostgres:
		c := postgres.DefaultConfig(cfg.DSN)
		c.Logger = logger
		return postgres.New(ctx, c)
	}
	return nil, syncErrors.E(syncErrors.OpConfig, syncErrors.KindInvalid,
		fmt.Errorf("unsupported local driver %q", cfg.Driver))
}

func openRemote(ctx context.Context, cfg config.Remote, logger *slog.Logger) (*dynamo.Client, error) {
	opts := []dynamo.Option{
		dynamo.WithRegion(cfg.Region),
		dynamo.WithMaxRetries(cfg.MaxRetries),
		dynamo.WithTables(dynamo.Tables{
			Users:    cfg.UsersTable,
			Products: cfg.ProductsTable,
			Cart:     cfg.CartTable,
		}),
		dynamo.WithLogger(logger),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, dynamo.WithEndpoint(cfg.Endpoint))
	}
	if cfg.UserPoolID != "" {
		opts = append(opts, dynamo.WithUserPool(cfg.UserPoolID))
	}
	client, err := dynamo.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.CreateTables {
		if err := client.EnsureTables(ctx); err != nil {
			return nil, err
		}
	}
	return client, nil
}
