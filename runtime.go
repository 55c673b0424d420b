package weft

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	zmq "github.com/go-zeromq/zmq4"
)

// RuntimeState tracks where a service runtime is in its lifecycle.
type RuntimeState int32

const (
	StateUnregistered RuntimeState = iota
	StateRegistering
	StateActive
	StateDeregistering
	StateStopped
)

func (s RuntimeState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateDeregistering:
		return "deregistering"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Handler is the user-supplied function a runtime serves. It receives the
// inbound payload and a RuntimeContext exposing Call and Publish, and returns
// a result or an error that propagates to the caller as a remote failure.
type Handler interface {
	Handle(ctx context.Context, rc *RuntimeContext, payload any) (any, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, rc *RuntimeContext, payload any) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, rc *RuntimeContext, payload any) (any, error) {
	return f(ctx, rc, payload)
}

// RuntimeContext is the dispatch context handed to handlers. It is passed by
// argument, never implicitly bound.
type RuntimeContext struct {
	rt *Runtime
}

// ServiceName returns the name of the service this context belongs to.
func (rc *RuntimeContext) ServiceName() string {
	return rc.rt.name
}

// Call performs a point-to-point call to another service by name.
func (rc *RuntimeContext) Call(ctx context.Context, target string, payload any) (any, error) {
	return rc.rt.dispatcher.Call(ctx, target, payload)
}

// Publish fans a message out to every subscriber of channel.
func (rc *RuntimeContext) Publish(ctx context.Context, channel string, payload any) (*PublishResult, error) {
	return rc.rt.broadcaster.Publish(ctx, channel, payload)
}

// registration backoff bounds
const (
	registerBackoffMin = 100 * time.Millisecond
	registerBackoffMax = 3 * time.Second
)

// Runtime is the per-process service agent: it registers its name and
// address with the registry, serves inbound calls and publish deliveries by
// invoking its handler, heartbeats on a fixed interval, and deregisters
// before releasing its endpoint on shutdown.
type Runtime struct {
	name    string
	handler Handler
	cfg     *Config
	logger  *slog.Logger
	metrics *Metrics

	registry    *RegistryClient
	dispatcher  *Dispatcher
	broadcaster *Broadcaster

	socket  zmq.Socket
	address string

	state   atomic.Int32
	running atomic.Bool
	done    chan struct{}
	hbStop  chan struct{}
}

// NewRuntime creates a runtime serving handler under name. A nil cfg uses
// defaults.
func NewRuntime(name string, handler Handler, cfg *Config) *Runtime {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Runtime{
		name:    name,
		handler: handler,
		cfg:     cfg,
		logger:  slog.Default().With("service", name),
		metrics: NewMetrics(0, 0),
		done:    make(chan struct{}),
		hbStop:  make(chan struct{}),
	}
}

// SetLogger replaces the runtime's logger. Must be called before Start.
func (rt *Runtime) SetLogger(logger *slog.Logger) {
	rt.logger = logger.With("service", rt.name)
}

// Start binds the runtime's endpoint, registers with the registry (retrying
// with backoff while the registry is unreachable), and begins serving.
// Registration is never allowed to fail silently into the active state.
func (rt *Runtime) Start(ctx context.Context) error {
	if rt.name == "" || rt.handler == nil {
		return fmt.Errorf("%w: runtime needs a name and a handler", ErrInvalid)
	}

	rt.state.Store(int32(StateRegistering))

	port := findFreePort()
	rt.address = localEndpoint(port)

	rt.socket = zmq.NewRouter(context.Background())
	if err := rt.socket.Listen(rt.address); err != nil {
		rt.state.Store(int32(StateUnregistered))
		return fmt.Errorf("failed to bind %s: %w", rt.address, err)
	}

	rt.registry = NewRegistryClient(rt.cfg.RegistryURL, rt.cfg.RegistryTimeout)
	rt.dispatcher = NewDispatcher(rt.registry, rt.cfg.CallTimeout, rt.metrics)
	rt.broadcaster = NewBroadcaster(rt.registry, rt.cfg.PublishTimeout, rt.metrics)

	if err := rt.registerWithBackoff(ctx); err != nil {
		rt.registry.Close()
		rt.socket.Close()
		rt.state.Store(int32(StateUnregistered))
		return err
	}
	rt.state.Store(int32(StateActive))
	rt.logger.Info("service active", "address", rt.address)

	rt.running.Store(true)
	go rt.messageLoop()
	go rt.heartbeatLoop()

	return nil
}

// registerWithBackoff retries connection and registration until they succeed
// or ctx ends. A not-yet-ready registry is an expected transient state.
func (rt *Runtime) registerWithBackoff(ctx context.Context) error {
	backoff := registerBackoffMin
	for {
		var err error
		if !rt.registry.Connected() {
			err = rt.registry.Connect()
		}
		if err == nil {
			_, err = rt.registry.Register(ctx, rt.name, rt.address)
			if err == nil {
				return nil
			}
		}
		rt.logger.Warn("registration failed, retrying", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return fmt.Errorf("registration abandoned: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > registerBackoffMax {
			backoff = registerBackoffMax
		}
	}
}

// messageLoop serves inbound call and publish frames
func (rt *Runtime) messageLoop() {
	for rt.running.Load() {
		// ROUTER socket receives: [sender_id, empty_frame, frame_data]
		msg, err := rt.socket.Recv()
		if err != nil {
			if rt.running.Load() {
				rt.logger.Error("receive error", "error", err)
			}
			continue
		}

		frames := msg.Frames
		if len(frames) < 3 {
			continue
		}
		senderID := frames[0]
		req, err := Unpack(frames[2])
		if err != nil {
			rt.logger.Error("failed to unpack frame", "error", err)
			continue
		}
		if req.App != AppName || req.ID == "" {
			continue
		}

		switch FrameKind(req.Kind) {
		case FrameCall, FramePublish:
			// Handler execution must not block the loop: slow handlers
			// run concurrently with the runtime's own bookkeeping.
			go rt.serveRequest(req, senderID)
		default:
			rt.send(NewErrorFrame(fmt.Errorf("%w: unexpected kind '%s'", ErrInvalid, req.Kind), rt.name, req.ID), senderID)
		}
	}
}

// serveRequest invokes the handler and replies with its result or failure
func (rt *Runtime) serveRequest(req *Frame, senderID []byte) {
	rc := &RuntimeContext{rt: rt}

	result, err := rt.handler.Handle(context.Background(), rc, req.Payload)
	if err != nil {
		rt.send(NewErrorFrame(&RemoteError{Service: rt.name, Message: err.Error()}, rt.name, req.ID), senderID)
		return
	}
	rt.send(NewResult(result, req.ID), senderID)
}

// send sends a reply frame with ROUTER envelope
func (rt *Runtime) send(reply *Frame, senderID []byte) {
	data, err := reply.Pack()
	if err != nil {
		rt.logger.Error("failed to pack reply", "error", err)
		return
	}

	zmqMsg := zmq.NewMsgFrom(senderID, []byte{}, data)
	if err := rt.socket.Send(zmqMsg); err != nil {
		rt.logger.Error("failed to send reply", "error", err)
	}
}

// heartbeatLoop refreshes the directory record on a fixed interval. A missed
// heartbeat is logged, never fatal: expiry is the directory's responsibility.
func (rt *Runtime) heartbeatLoop() {
	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := rt.registry.Heartbeat(context.Background(), rt.name); err != nil {
				rt.metrics.RecordHeartbeatMiss()
				rt.logger.Warn("heartbeat failed", "error", err)
				continue
			}
			rt.metrics.RecordHeartbeatRtt(float64(time.Since(start).Microseconds()) / 1000.0)
		case <-rt.hbStop:
			return
		}
	}
}

// Subscribe adds this service to the channel's subscriber set. Inbound
// publish deliveries for the channel are served by the runtime's handler.
func (rt *Runtime) Subscribe(ctx context.Context, channel string) error {
	return rt.registry.Subscribe(ctx, channel, rt.name)
}

// Unsubscribe removes this service from the channel's subscriber set.
func (rt *Runtime) Unsubscribe(ctx context.Context, channel string) error {
	return rt.registry.Unsubscribe(ctx, channel, rt.name)
}

// Call performs a point-to-point call from outside a handler.
func (rt *Runtime) Call(ctx context.Context, target string, payload any) (any, error) {
	if !rt.running.Load() {
		return nil, ErrNotRunning
	}
	return rt.dispatcher.Call(ctx, target, payload)
}

// Publish fans a message out from outside a handler.
func (rt *Runtime) Publish(ctx context.Context, channel string, payload any) (*PublishResult, error) {
	if !rt.running.Load() {
		return nil, ErrNotRunning
	}
	return rt.broadcaster.Publish(ctx, channel, payload)
}

// State returns the runtime's lifecycle state.
func (rt *Runtime) State() RuntimeState {
	return RuntimeState(rt.state.Load())
}

// Name returns the registered service name.
func (rt *Runtime) Name() string {
	return rt.name
}

// Address returns the endpoint the runtime serves on.
func (rt *Runtime) Address() string {
	return rt.address
}

// Metrics returns the runtime's metrics collector.
func (rt *Runtime) Metrics() *Metrics {
	return rt.metrics
}

// Done returns a channel that closes when the runtime stops.
func (rt *Runtime) Done() <-chan struct{} {
	return rt.done
}

// Stop deregisters from the directory before releasing the endpoint, so no
// further calls are routed here once the directory reflects removal.
// In-flight calls already routed may still complete or fail.
func (rt *Runtime) Stop() {
	if !rt.running.CompareAndSwap(true, false) {
		return
	}
	rt.state.Store(int32(StateDeregistering))
	close(rt.hbStop)

	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.RegistryTimeout)
	defer cancel()
	if err := rt.registry.Deregister(ctx, rt.name); err != nil {
		rt.logger.Warn("deregister failed", "error", err)
	}
	rt.registry.Close()

	if rt.socket != nil {
		rt.socket.Close()
	}

	rt.state.Store(int32(StateStopped))
	rt.logger.Info("service stopped")
	close(rt.done)
}

// Run starts the runtime and blocks until SIGINT/SIGTERM.
func (rt *Runtime) Run(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if !rt.running.Load() {
		if err := rt.Start(ctx); err != nil {
			return err
		}
	}

	select {
	case <-sigChan:
		rt.logger.Info("received signal, shutting down")
		rt.Stop()
	case <-rt.done:
	}
	return nil
}
