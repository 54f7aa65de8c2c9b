// Package script hosts extension entry documents in an embedded JavaScript
// runtime.
//
// A Host keeps one goja runtime per hosted document. The inline <script>
// blocks of the document run once when it is hosted; afterwards the host
// calls named global functions on request. Documents talk back through
// notify(value) or window.external.notify(value), and their console output
// lands in a shared LogBuffer.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	pkgext "github.com/goatkit/extensionhost/pkg/extension"
)

var (
	ErrNoDocument       = errors.New("no document hosted")
	ErrFunctionNotFound = errors.New("function not found")
	ErrTimeout          = errors.New("script execution timed out")
	ErrScript           = errors.New("script error")
)

// DefaultTimeout bounds one script evaluation or function call.
const DefaultTimeout = 5 * time.Second

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger used for host diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithLogBuffer captures console output into buf.
func WithLogBuffer(buf *LogBuffer) Option {
	return func(h *Host) { h.logs = buf }
}

// WithTimeout bounds every evaluation. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(h *Host) { h.timeout = d }
}

// Host is a RuntimeHost backed by goja.
type Host struct {
	id      string
	logger  *slog.Logger
	logs    *LogBuffer
	timeout time.Duration

	// mu guards vm; a goja runtime must only be used by one goroutine at a time.
	mu sync.Mutex
	vm *goja.Runtime

	nmu      sync.Mutex
	onNotify func(string)
	pending  []string
	draining bool
}

var _ pkgext.RuntimeHost = (*Host)(nil)

// NewHost creates an empty host for the extension id.
func NewHost(id string, opts ...Option) *Host {
	h := &Host{
		id:      id,
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("extension", id)
	return h
}

// NewFactory returns a constructor creating one Host per extension id.
func NewFactory(opts ...Option) func(id string) pkgext.RuntimeHost {
	return func(id string) pkgext.RuntimeHost {
		return NewHost(id, opts...)
	}
}

// Hosting reports whether a document is currently hosted.
func (h *Host) Hosting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vm != nil
}

// HostDocument replaces the hosted document. Empty content drops the
// runtime. A document whose scripts fail to evaluate is not hosted.
func (h *Host) HostDocument(content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.vm = nil
	if strings.TrimSpace(content) == "" {
		return nil
	}

	scripts, err := extractScripts(content)
	if err != nil {
		return fmt.Errorf("%w: parse document: %w", ErrScript, err)
	}

	vm := h.newRuntime()
	for i, src := range scripts {
		name := fmt.Sprintf("%s#script%d", h.id, i)
		err := h.run(context.Background(), vm, func() error {
			_, err := vm.RunScript(name, src)
			return err
		})
		if err != nil {
			return err
		}
	}
	h.vm = vm
	h.logger.Debug("document hosted", "scripts", len(scripts))
	return nil
}

// InvokeFunction calls the global function name with string arguments.
func (h *Host) InvokeFunction(ctx context.Context, name string, args ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	vm := h.vm
	if vm == nil {
		return ErrNoDocument
	}
	fn, ok := goja.AssertFunction(vm.Get(name))
	if !ok {
		return fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	values := make([]goja.Value, len(args))
	for i, a := range args {
		values[i] = vm.ToValue(a)
	}
	return h.run(ctx, vm, func() error {
		_, err := fn(goja.Undefined(), values...)
		return err
	})
}

// OnNotify registers the receiver of notify calls. Values are delivered in
// order on a goroutine of the host's own, never while the runtime is locked.
func (h *Host) OnNotify(fn func(string)) {
	h.nmu.Lock()
	defer h.nmu.Unlock()
	h.onNotify = fn
}

func (h *Host) run(ctx context.Context, vm *goja.Runtime, fn func() error) (err error) {
	vm.ClearInterrupt()
	if h.timeout > 0 {
		timer := time.AfterFunc(h.timeout, func() { vm.Interrupt(ErrTimeout) })
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrScript, r)
		}
	}()

	err = fn()
	if err == nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return cause
		}
	}
	return fmt.Errorf("%w: %w", ErrScript, err)
}

func (h *Host) newRuntime() *goja.Runtime {
	vm := goja.New()

	notify := func(call goja.FunctionCall) goja.Value {
		h.enqueueNotify(call.Argument(0).String())
		return goja.Undefined()
	}
	_ = vm.Set("notify", notify)

	external := vm.NewObject()
	_ = external.Set("notify", notify)
	global := vm.GlobalObject()
	_ = global.Set("external", external)
	_ = vm.Set("window", global)

	console := vm.NewObject()
	for method, level := range map[string]string{
		"log":   "info",
		"info":  "info",
		"debug": "debug",
		"warn":  "warn",
		"error": "error",
	} {
		level := level
		_ = console.Set(method, func(call goja.FunctionCall) goja.Value {
			h.console(level, call.Arguments)
			return goja.Undefined()
		})
	}
	_ = vm.Set("console", console)
	return vm
}

func (h *Host) console(level string, args []goja.Value) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	msg := strings.Join(parts, " ")
	if h.logs != nil {
		h.logs.Log(h.id, level, msg)
	}
	h.logger.Debug("console", "level", level, "message", msg)
}

func (h *Host) enqueueNotify(v string) {
	h.nmu.Lock()
	h.pending = append(h.pending, v)
	if h.draining {
		h.nmu.Unlock()
		return
	}
	h.draining = true
	h.nmu.Unlock()
	go h.drain()
}

func (h *Host) drain() {
	for {
		h.nmu.Lock()
		if len(h.pending) == 0 {
			h.draining = false
			h.nmu.Unlock()
			return
		}
		v := h.pending[0]
		h.pending = h.pending[1:]
		fn := h.onNotify
		h.nmu.Unlock()

		if fn != nil {
			h.deliver(fn, v)
		}
	}
}

func (h *Host) deliver(fn func(string), v string) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("notify handler panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn(v)
}
