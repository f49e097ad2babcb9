// Package ackpine is the entry point of the library. Init builds one library
// context that owns the worker pool, the session managers, the confirmation
// orchestrator and the status receiver; Installer and Uninstaller create and
// look up sessions through it.
package ackpine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackpine/internal/app/confirmation"
	"github.com/ahrav/ackpine/internal/app/receiver"
	appsession "github.com/ahrav/ackpine/internal/app/session"
	"github.com/ahrav/ackpine/internal/domain/events"
	"github.com/ahrav/ackpine/internal/domain/plugin"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/adb"
	"github.com/ahrav/ackpine/internal/infra/apk"
	"github.com/ahrav/ackpine/internal/infra/backend"
	"github.com/ahrav/ackpine/internal/infra/backend/intentbased"
	"github.com/ahrav/ackpine/internal/infra/backend/privileged"
	"github.com/ahrav/ackpine/internal/infra/backend/sessionbased"
	"github.com/ahrav/ackpine/internal/infra/emulator"
	"github.com/ahrav/ackpine/internal/infra/eventbus/kafka"
	"github.com/ahrav/ackpine/internal/infra/eventbus/memory"
	"github.com/ahrav/ackpine/internal/infra/executor"
	memstore "github.com/ahrav/ackpine/internal/infra/storage/memory"
	"github.com/ahrav/ackpine/pkg/common"
	"github.com/ahrav/ackpine/pkg/common/logger"
	"github.com/ahrav/ackpine/pkg/config"
)

const instrumentationName = "github.com/ahrav/ackpine"

var (
	// ErrReinitialized is returned by Init while a context is alive.
	ErrReinitialized = errors.New("ackpine is already initialized")

	// ErrNoConfirmationHost is returned by Init without WithConfirmationHost.
	ErrNoConfirmationHost = errors.New("ackpine needs a confirmation launcher and notifier")
)

// Session is an install or uninstall session.
type Session = appsession.Machine

var (
	mu       sync.Mutex
	instance *Ackpine
)

// Ackpine is a library context. Components built by it receive their
// collaborators explicitly and never read the global instance.
type Ackpine struct {
	cfg     *config.Config
	log     *logger.Logger
	tracer  trace.Tracer
	pool    *executor.Pool
	limiter *common.RateLimiter
	status  *memory.Broker
	plugins *plugin.Registry

	// ownsStatus is set when the status broker was created by Init.
	ownsStatus bool

	manager      *appsession.Manager
	orchestrator *confirmation.Orchestrator
	receiver     *receiver.Receiver

	cancel  context.CancelFunc
	closers []func(context.Context) error
}

// Init builds the library context from cfg, which may be nil to use
// config.Default. It fails with ErrReinitialized if a context exists.
func Init(ctx context.Context, cfg *config.Config, opts ...Option) (*Ackpine, error) {
	mu.Lock()
	defer mu.Unlock()
	if instance != nil {
		return nil, ErrReinitialized
	}

	a, err := build(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	instance = a
	return a, nil
}

// Instance returns the live context, or nil before Init and after Teardown.
func Instance() *Ackpine {
	mu.Lock()
	defer mu.Unlock()
	return instance
}

func build(ctx context.Context, cfg *config.Config, opts ...Option) (*Ackpine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		logger:    logger.New(io.Discard, logger.LevelInfo, "ackpine", nil),
		tracers:   otel.GetTracerProvider(),
		meters:    otel.GetMeterProvider(),
		source:    apk.FileSource{},
		resources: session.DefaultResources,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.launcher == nil || o.notifier == nil {
		return nil, ErrNoConfirmationHost
	}

	a := &Ackpine{
		cfg:     cfg,
		log:     o.logger.With("component", "ackpine"),
		tracer:  o.tracers.Tracer(instrumentationName),
		limiter: common.NewRateLimiter(cfg.Notifications.RatePerSecond, cfg.Notifications.Burst),
		status:  o.status,
		plugins: o.plugins,
	}
	if a.status == nil {
		a.status = memory.NewBroker()
		a.ownsStatus = true
	}
	if a.plugins == nil {
		a.plugins = plugin.NewRegistry()
	}
	if _, ok := a.plugins.Get(privileged.PluginID); !ok {
		if err := a.plugins.Register(privileged.Plugin{}); err != nil {
			return nil, err
		}
	}

	// Anything opened below is released if a later step fails.
	built := false
	defer func() {
		if !built {
			a.close(context.Background())
		}
	}()

	repo := o.repo
	if repo == nil {
		var err error
		if repo, err = a.openRepository(ctx); err != nil {
			return nil, err
		}
	}

	publishers := events.MultiPublisher{events.NewBusPublisher(a.status)}
	if o.publisher != nil {
		publishers = append(publishers, o.publisher)
	}
	if cfg.Kafka.Enabled {
		p, err := a.connectKafka(ctx, o)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, p)
	}

	metrics, err := appsession.NewMetrics(o.meters)
	if err != nil {
		return nil, fmt.Errorf("creating session metrics: %w", err)
	}

	a.pool = executor.NewPool(cfg.Executor.PoolSize, o.logger)
	a.closers = append(a.closers, a.pool.Close)

	a.orchestrator = confirmation.NewOrchestrator(
		o.launcher,
		o.notifier,
		a.limiter,
		o.logger,
		a.tracer,
		confirmation.WithResources(o.resources),
	)
	if host, ok := o.launcher.(interface{ SetSurfaceOpener(emulator.SurfaceOpener) }); ok {
		host.SetSurfaceOpener(a.orchestrator)
	}

	deps := &appsession.Deps{
		Repo:          repo,
		Pool:          a.pool,
		Logger:        o.logger,
		Tracer:        a.tracer,
		Metrics:       metrics,
		Publisher:     publishers,
		Notifications: a.orchestrator,
	}
	a.manager = appsession.NewManager(deps, backend.NewSelector(a.backends(o)), nil)

	a.receiver = receiver.New(a.orchestrator, o.logger, a.tracer)
	for _, t := range []session.Type{session.TypeInstall, session.TypeUninstall} {
		a.orchestrator.RegisterSource(t, a.manager)
		a.receiver.RegisterSource(t, a.manager)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if err := a.receiver.Start(runCtx, a.status); err != nil {
		return nil, err
	}

	built = true
	a.log.Info(ctx, "ackpine initialized",
		"storage", string(cfg.Storage.Driver),
		"kafka", cfg.Kafka.Enabled,
		"privileged", o.adb != nil || cfg.ADB.Enabled,
	)
	return a, nil
}

func (a *Ackpine) backends(o options) backend.Backends {
	var b backend.Backends
	if o.installer != nil {
		b.SessionBasedInstall = sessionbased.NewInstaller(o.installer, o.source, o.logger, a.tracer)
		b.SessionBasedUninstall = sessionbased.NewUninstaller(o.installer)
	}

	stagingDir := a.cfg.StagingDir
	if stagingDir == "" {
		stagingDir = os.TempDir()
	}
	b.IntentBasedInstall = intentbased.NewInstaller(a.orchestrator, o.source, stagingDir, o.logger, a.tracer)
	b.IntentBasedUninstall = intentbased.NewUninstaller(a.orchestrator)

	pm := o.adb
	if pm == nil && a.cfg.ADB.Enabled {
		pm = adb.NewClient(adb.ExecRunner{Path: a.cfg.ADB.Path}, a.cfg.ADB.Serial, o.logger, a.tracer)
	}
	if pm != nil {
		b.Privileged = privileged.New(pm, o.logger, a.tracer)
	}
	return b
}

func (a *Ackpine) openRepository(ctx context.Context) (session.Repository, error) {
	switch a.cfg.Storage.Driver {
	case config.StoragePostgres:
		return a.openPostgres(ctx)
	default:
		return memstore.NewSessionStore(), nil
	}
}

func (a *Ackpine) connectKafka(ctx context.Context, o options) (*kafka.EventPublisher, error) {
	metrics, err := kafka.NewPublisherMetrics(o.meters)
	if err != nil {
		return nil, fmt.Errorf("creating kafka metrics: %w", err)
	}
	p, err := kafka.Connect(ctx, &kafka.Config{
		Brokers:            a.cfg.Kafka.Brokers,
		ClientID:           a.cfg.Kafka.ClientID,
		SessionEventsTopic: a.cfg.Kafka.Topic,
	}, o.logger, metrics, a.tracer)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return p.Close() })
	return p, nil
}

// Installer creates and finds install sessions.
func (a *Ackpine) Installer() *Installer { return &Installer{a: a} }

// Uninstaller creates and finds uninstall sessions.
func (a *Ackpine) Uninstaller() *Uninstaller { return &Uninstaller{a: a} }

// Plugins returns the context's plugin registry.
func (a *Ackpine) Plugins() *plugin.Registry { return a.plugins }

// StatusBroker returns the bus that carries package installer status
// broadcasts into the context.
func (a *Ackpine) StatusBroker() *memory.Broker { return a.status }

// ApplyConfig applies the runtime-adjustable parts of cfg. It is meant as a
// config.Watcher callback.
func (a *Ackpine) ApplyConfig(cfg *config.Config) {
	a.limiter.UpdateLimits(cfg.Notifications.RatePerSecond, cfg.Notifications.Burst)
}

// Teardown stops the receiver, drains the worker pool and clears the global
// context so Init may be called again.
func (a *Ackpine) Teardown(ctx context.Context) error {
	mu.Lock()
	if instance == a {
		instance = nil
	}
	mu.Unlock()

	err := a.close(ctx)
	a.log.Info(ctx, "ackpine torn down")
	return err
}

func (a *Ackpine) close(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.ownsStatus {
		if err := a.status.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
