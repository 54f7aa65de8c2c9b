// Package service launches package services as separate processes using
// HashiCorp go-plugin and exposes them as extension.ServiceBridge.
//
// Every Open starts the service executable and every Close kills it, so a
// connection never outlives the invocation that opened it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
	"github.com/goatkit/extensionhost/pkg/extension/serviceutil"
)

// ErrServiceNotFound is returned by resolvers that know no such service.
var ErrServiceNotFound = errors.New("service not found")

// Resolver maps a package service to the executable implementing it.
type Resolver interface {
	ResolveService(packageFamilyName, serviceName string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(packageFamilyName, serviceName string) (string, error)

// ResolveService calls f.
func (f ResolverFunc) ResolveService(family, service string) (string, error) {
	return f(family, service)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithPluginLogger sets the hclog logger handed to go-plugin.
func WithPluginLogger(l hclog.Logger) Option {
	return func(b *Bridge) { b.pluginLogger = l }
}

// WithStartTimeout bounds how long a service may take to handshake.
func WithStartTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.startTimeout = d }
}

// Bridge implements extension.ServiceBridge.
type Bridge struct {
	resolver     Resolver
	logger       *slog.Logger
	pluginLogger hclog.Logger
	startTimeout time.Duration
}

var _ pkgext.ServiceBridge = (*Bridge)(nil)

// NewBridge creates a bridge resolving executables with r.
func NewBridge(r Resolver, opts ...Option) *Bridge {
	b := &Bridge{
		resolver:     r,
		logger:       slog.Default(),
		startTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.pluginLogger == nil {
		b.pluginLogger = hclog.New(&hclog.LoggerOptions{
			Name:   "service",
			Output: os.Stderr,
			Level:  hclog.Warn,
		})
	}
	return b
}

// Open launches the executable for serviceName of the given package and
// returns a connection to it.
func (b *Bridge) Open(ctx context.Context, serviceName, packageFamilyName string) (pkgext.ServiceConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := b.resolver.ResolveService(packageFamilyName, serviceName)
	if err != nil {
		return nil, fmt.Errorf("resolve %s/%s: %w", packageFamilyName, serviceName, err)
	}

	cmd := exec.Command(path)
	applyProcessSandbox(cmd, packageFamilyName)

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  serviceutil.Handshake,
		Plugins:          serviceutil.PluginMap,
		Cmd:              cmd,
		Logger:           b.pluginLogger.Named(packageFamilyName),
		StartTimeout:     b.startTimeout,
		SkipHostEnv:      true,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("start service %s: %w", serviceName, err)
	}
	raw, err := rpcClient.Dispense(serviceutil.PluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("dispense service %s: %w", serviceName, err)
	}
	sender, ok := raw.(*serviceutil.RPCClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("service %s: unexpected client type %T", serviceName, raw)
	}

	b.logger.Debug("service opened", "service", serviceName, "package", packageFamilyName, "path", path)
	return &connection{sender: sender, closer: client.Kill}, nil
}

type sender interface {
	Send(ctx context.Context, req pkgext.ValueSet) (*pkgext.ServiceResponse, error)
}

// connection owns one service process.
type connection struct {
	sender sender
	closer func()
	closed bool
}

func (c *connection) Send(ctx context.Context, req pkgext.ValueSet) (*pkgext.ServiceResponse, error) {
	if c.closed {
		return nil, errors.New("connection closed")
	}
	return c.sender.Send(ctx, req)
}

func (c *connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.closer()
	return nil
}
