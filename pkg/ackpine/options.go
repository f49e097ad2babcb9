package ackpine

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ackpine/internal/app/confirmation"
	"github.com/ahrav/ackpine/internal/domain/events"
	"github.com/ahrav/ackpine/internal/domain/plugin"
	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/apk"
	"github.com/ahrav/ackpine/internal/infra/backend/privileged"
	"github.com/ahrav/ackpine/internal/infra/backend/sessionbased"
	"github.com/ahrav/ackpine/internal/infra/eventbus/memory"
	"github.com/ahrav/ackpine/pkg/common/logger"
)

// Option overrides a collaborator Init would otherwise build from the
// configuration.
type Option func(*options)

type options struct {
	repo      session.Repository
	installer sessionbased.PackageInstaller
	launcher  confirmation.Launcher
	notifier  confirmation.Notifier
	adb       privileged.PackageManager
	plugins   *plugin.Registry
	logger    *logger.Logger
	tracers   trace.TracerProvider
	meters    metric.MeterProvider
	publisher events.DomainEventPublisher
	status    *memory.Broker
	source    apk.Source
	resources session.Resources
}

// WithRepository persists sessions in repo instead of the configured store.
func WithRepository(repo session.Repository) Option {
	return func(o *options) { o.repo = repo }
}

// WithPackageInstaller enables the session-based backends on top of pi.
func WithPackageInstaller(pi sessionbased.PackageInstaller) Option {
	return func(o *options) { o.installer = pi }
}

// WithConfirmationHost sets where confirmation surfaces are started and where
// deferred-confirmation notifications are posted. Both are required.
func WithConfirmationHost(l confirmation.Launcher, n confirmation.Notifier) Option {
	return func(o *options) {
		o.launcher = l
		o.notifier = n
	}
}

// WithPackageManager enables the privileged backend on top of pm instead of
// an adb client built from the configuration.
func WithPackageManager(pm privileged.PackageManager) Option {
	return func(o *options) { o.adb = pm }
}

// WithPluginRegistry shares reg with the context. The privileged plugin is
// added to it if missing.
func WithPluginRegistry(reg *plugin.Registry) Option {
	return func(o *options) { o.plugins = reg }
}

func WithLogger(log *logger.Logger) Option {
	return func(o *options) { o.logger = log }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracers = tp }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meters = mp }
}

// WithEventPublisher receives every session state change in addition to the
// in-process event bus.
func WithEventPublisher(p events.DomainEventPublisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithStatusBroker delivers package installer status broadcasts through b.
// Hosts that publish statuses need the broker before Init returns.
func WithStatusBroker(b *memory.Broker) Option {
	return func(o *options) { o.status = b }
}

// WithAPKSource reads APK URIs through src instead of the local file system.
func WithAPKSource(src apk.Source) Option {
	return func(o *options) { o.source = src }
}

// WithResources resolves notification texts through res.
func WithResources(res session.Resources) Option {
	return func(o *options) { o.resources = res }
}
