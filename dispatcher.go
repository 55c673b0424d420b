package weft

import (
	"context"
	"fmt"
	"time"

	zmq "github.com/go-zeromq/zmq4"
)

// Dispatcher performs point-to-point calls: it resolves a target service
// name through the registry and invokes its call endpoint. A single
// resolve-and-call attempt per invocation; retry policy belongs to the
// caller, because blind retry of a non-idempotent handler is unsafe.
type Dispatcher struct {
	registry *RegistryClient
	timeout  time.Duration
	metrics  *Metrics
}

// NewDispatcher creates a dispatcher using registry for name resolution.
// metrics may be nil.
func NewDispatcher(registry *RegistryClient, timeout time.Duration, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		timeout:  timeout,
		metrics:  metrics,
	}
}

// Call resolves target and sends it payload, returning the handler's result.
// Fails with ErrNotFound if the name is absent from the directory, with
// ErrUnreachable if the resolved address does not answer within the timeout,
// and with *RemoteError if the target handler reported a failure.
func (d *Dispatcher) Call(ctx context.Context, target string, payload any) (any, error) {
	var start time.Time
	if d.metrics != nil {
		start = d.metrics.StartCall()
	}

	rec, err := d.registry.Lookup(ctx, target)
	if err != nil {
		if d.metrics != nil {
			d.metrics.EndCall(start, false)
		}
		return nil, err
	}

	result, err := deliver(ctx, rec.Address, NewCall(target, payload), d.timeout)
	if d.metrics != nil {
		d.metrics.EndCall(start, err == nil)
	}
	return result, err
}

// deliver sends one frame to a peer's endpoint and waits for the reply.
// Shared by the dispatcher (calls) and the broadcaster (publish deliveries).
func deliver(ctx context.Context, address string, req *Frame, timeout time.Duration) (any, error) {
	data, err := req.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack frame: %w", err)
	}

	socket := zmq.NewDealer(context.Background())
	defer socket.Close()

	if err := socket.Dial(address); err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, address, err)
	}

	// DEALER envelope: [empty_frame, frame_data]
	if err := socket.Send(zmq.NewMsgFrom([]byte{}, data)); err != nil {
		return nil, fmt.Errorf("%w: send to %s: %v", ErrUnreachable, address, err)
	}

	type outcome struct {
		reply *Frame
		err   error
	}
	replyChan := make(chan outcome, 1)

	// Closing the socket on exit unblocks this Recv.
	go func() {
		msg, err := socket.Recv()
		if err != nil {
			replyChan <- outcome{err: err}
			return
		}
		if len(msg.Frames) < 2 {
			replyChan <- outcome{err: fmt.Errorf("short reply")}
			return
		}
		reply, err := Unpack(msg.Frames[1])
		replyChan <- outcome{reply: reply, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: no reply from %s within %v", ErrUnreachable, address, timeout)
	case o := <-replyChan:
		if o.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, o.err)
		}
		if err := o.reply.Err(); err != nil {
			return nil, err
		}
		return o.reply.Result, nil
	}
}
