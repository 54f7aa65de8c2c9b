package extension

import (
	"log/slog"

	"github.com/robfig/cron/v3"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

// RuntimeHostFactory creates the runtime host bound to one extension.
type RuntimeHostFactory func(uniqueID string) pkgext.RuntimeHost

// TrustPolicy decides whether a package may register extensions. A non-nil
// error rejects the package.
type TrustPolicy func(pkgext.Package) error

type options struct {
	Logger         *slog.Logger
	Hosts          RuntimeHostFactory
	Bridge         pkgext.ServiceBridge
	Sink           pkgext.ArtifactSink
	Trust          TrustPolicy
	RescanSchedule string
	Cron           *cron.Cron
	Metrics        bool
}

// Option applies configuration to the manager.
type Option func(*options)

func defaultOptions() options {
	return options{Logger: slog.Default(), Metrics: true}
}

// WithLogger injects a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithRuntimeHostFactory sets how runtime hosts are created for new extensions.
func WithRuntimeHostFactory(f RuntimeHostFactory) Option {
	return func(o *options) {
		o.Hosts = f
	}
}

// WithServiceBridge sets the bridge used by service-mode extensions.
func WithServiceBridge(b pkgext.ServiceBridge) Option {
	return func(o *options) {
		o.Bridge = b
	}
}

// WithArtifactSink sets where invocation results are delivered.
func WithArtifactSink(s pkgext.ArtifactSink) Option {
	return func(o *options) {
		o.Sink = s
	}
}

// WithTrustPolicy adds a package trust check on top of the status check.
func WithTrustPolicy(p TrustPolicy) Option {
	return func(o *options) {
		o.Trust = p
	}
}

// WithRescanSchedule re-runs DiscoverAll on a cron schedule, e.g. "@every 5m".
func WithRescanSchedule(spec string) Option {
	return func(o *options) {
		o.RescanSchedule = spec
	}
}

// WithCron supplies a preconfigured cron scheduler for rescans.
func WithCron(c *cron.Cron) Option {
	return func(o *options) {
		o.Cron = c
	}
}

// WithoutMetrics disables Prometheus instrumentation.
func WithoutMetrics() Option {
	return func(o *options) {
		o.Metrics = false
	}
}

// RequireSignature is a TrustPolicy accepting only packages signed with at
// least the given kind.
func RequireSignature(min pkgext.SignatureKind) TrustPolicy {
	return func(p pkgext.Package) error {
		if p.SignatureKind() < min {
			return &UntrustedError{Package: p.FullName(), Reason: "signature " + p.SignatureKind().String()}
		}
		return nil
	}
}

// UntrustedError explains why a package was rejected.
type UntrustedError struct {
	Package string
	Reason  string
}

func (e *UntrustedError) Error() string {
	return "package " + e.Package + " rejected: " + e.Reason
}

// Unwrap lets errors.Is match ErrUntrustedPackage.
func (e *UntrustedError) Unwrap() error { return ErrUntrustedPackage }
