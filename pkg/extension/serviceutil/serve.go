// Package serviceutil is the service side of out-of-process extensions.
//
// A service is a standalone executable shipped inside an extension package.
// The host launches it with hashicorp/go-plugin and talks net/rpc to it; the
// executable only has to call Serve with its handler:
//
//	func main() {
//	    serviceutil.Serve(serviceutil.HandlerFunc(handle))
//	}
package serviceutil

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/rpc"
	"os"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

// Handshake is shared by the host and every service executable.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "EXTENSIONHOST_SERVICE",
	MagicCookieValue: "extensionhost-v1",
}

// PluginName is the key the service is dispensed under.
const PluginName = "service"

// ErrResourceLimited tells the host the service declined for lack of
// resources. Handlers may wrap it.
var ErrResourceLimited = errors.New("service resource limited")

func init() {
	// Nested value sets travel inside interface values.
	gob.Register(pkgext.ValueSet{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Handler answers one request message.
type Handler interface {
	Handle(ctx context.Context, req pkgext.ValueSet) (pkgext.ValueSet, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req pkgext.ValueSet) (pkgext.ValueSet, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req pkgext.ValueSet) (pkgext.ValueSet, error) {
	return f(ctx, req)
}

// PluginMap maps PluginName to a host-side plugin.
var PluginMap = map[string]goplugin.Plugin{
	PluginName: &ServicePlugin{},
}

// Serve runs h as a service. It blocks until the host disconnects.
func Serve(h Handler) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			PluginName: &ServicePlugin{Impl: h},
		},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:       "service",
			Output:     os.Stderr,
			Level:      hclog.Info,
			JSONFormat: true,
		}),
	})
}

// ServicePlugin is the go-plugin binding for a Handler.
type ServicePlugin struct {
	Impl Handler
}

var _ goplugin.Plugin = (*ServicePlugin)(nil)

// Server returns the RPC server (service side).
func (p *ServicePlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

// Client returns the RPC client (host side).
func (p *ServicePlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

// Request is the wire form of one message.
type Request struct {
	Message pkgext.ValueSet
}

// Response is the wire form of one reply.
type Response struct {
	Status  pkgext.ResponseStatus
	Message pkgext.ValueSet
	Error   string
}

// RPCServer runs on the service side.
type RPCServer struct {
	Impl Handler
}

// Handle is the net/rpc entry point.
func (s *RPCServer) Handle(req Request, resp *Response) error {
	if s.Impl == nil {
		resp.Status = pkgext.ResponseFailure
		resp.Error = "no handler"
		return nil
	}
	msg, err := s.call(req.Message)
	switch {
	case errors.Is(err, ErrResourceLimited):
		resp.Status = pkgext.ResponseResourceLimited
		resp.Error = err.Error()
	case err != nil:
		resp.Status = pkgext.ResponseFailure
		resp.Error = err.Error()
	default:
		resp.Status = pkgext.ResponseSuccess
		resp.Message = msg
	}
	return nil
}

func (s *RPCServer) call(req pkgext.ValueSet) (msg pkgext.ValueSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.Impl.Handle(context.Background(), req)
}

// RPCClient runs on the host side and implements pkgext.ServiceConnection
// minus Close, which belongs to whoever owns the process.
type RPCClient struct {
	client *rpc.Client
}

// Send delivers req and waits for the reply or ctx.
func (c *RPCClient) Send(ctx context.Context, req pkgext.ValueSet) (*pkgext.ServiceResponse, error) {
	var resp Response
	call := c.client.Go("Plugin.Handle", Request{Message: req}, &resp, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if call.Error != nil {
		return nil, call.Error
	}
	if resp.Message == nil {
		resp.Message = pkgext.ValueSet{}
	}
	if resp.Error != "" {
		resp.Message["error"] = resp.Error
	}
	return &pkgext.ServiceResponse{Status: resp.Status, Message: resp.Message}, nil
}
