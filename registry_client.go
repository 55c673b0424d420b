package weft

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	zmq "github.com/go-zeromq/zmq4"
)

// RegistryClient talks the registry wire protocol over a DEALER socket.
// Requests are correlated to replies by frame ID through a pending-request
// map, so any number of goroutines can share one client.
type RegistryClient struct {
	endpoint string
	timeout  time.Duration

	socket  zmq.Socket
	running atomic.Bool
	closed  atomic.Bool

	pending map[string]chan *Frame
	mu      sync.Mutex

	stopChan chan struct{}
}

// NewRegistryClient creates a client for the registry at endpoint. Each
// request that gets no reply within timeout fails with
// ErrRegistryUnavailable.
func NewRegistryClient(endpoint string, timeout time.Duration) *RegistryClient {
	return &RegistryClient{
		endpoint: endpoint,
		timeout:  timeout,
		pending:  make(map[string]chan *Frame),
		stopChan: make(chan struct{}),
	}
}

// Connect dials the registry endpoint and starts the reply loop.
func (c *RegistryClient) Connect() error {
	c.socket = zmq.NewDealer(context.Background())
	if err := c.socket.Dial(c.endpoint); err != nil {
		c.socket.Close()
		return fmt.Errorf("%w: dial %s: %v", ErrRegistryUnavailable, c.endpoint, err)
	}

	c.running.Store(true)
	go c.replyLoop()
	return nil
}

// Connected reports whether the client has an open socket to the registry.
func (c *RegistryClient) Connected() bool {
	return c.running.Load()
}

// replyLoop routes reply frames to their pending requests
func (c *RegistryClient) replyLoop() {
	for c.running.Load() {
		select {
		case <-c.stopChan:
			return
		default:
		}

		// DEALER socket receives: [empty_frame, frame_data]
		msg, err := c.socket.Recv()
		if err != nil {
			if c.running.Load() {
				time.Sleep(10 * time.Millisecond)
			}
			continue
		}

		frames := msg.Frames
		if len(frames) < 2 {
			continue
		}
		reply, err := Unpack(frames[1])
		if err != nil || reply.App != AppName || reply.ID == "" {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[reply.ID]
		if ok {
			delete(c.pending, reply.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- reply
		}
	}
}

// roundTrip sends one request and waits for its reply
func (c *RegistryClient) roundTrip(ctx context.Context, req *Frame) (*Frame, error) {
	if !c.running.Load() {
		return nil, fmt.Errorf("%w: client not connected", ErrRegistryUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	data, err := req.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack request: %w", err)
	}

	replyChan := make(chan *Frame, 1)
	c.mu.Lock()
	c.pending[req.ID] = replyChan
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	// DEALER envelope: [empty_frame, frame_data]
	if err := c.socket.Send(zmq.NewMsgFrom([]byte{}, data)); err != nil {
		return nil, fmt.Errorf("%w: send: %v", ErrRegistryUnavailable, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, ctx.Err())
	case <-c.stopChan:
		return nil, fmt.Errorf("%w: client closed", ErrRegistryUnavailable)
	case <-time.After(c.timeout):
		return nil, fmt.Errorf("%w: no reply from %s within %v", ErrRegistryUnavailable, c.endpoint, c.timeout)
	case reply := <-replyChan:
		if err := reply.Err(); err != nil {
			return nil, err
		}
		return reply, nil
	}
}

// Register registers name at address and returns the directory's copy.
func (c *RegistryClient) Register(ctx context.Context, name, address string) (WireRecord, error) {
	reply, err := c.roundTrip(ctx, NewRegister(name, address))
	if err != nil {
		return WireRecord{}, err
	}
	if len(reply.Records) == 0 {
		return WireRecord{}, fmt.Errorf("%w: empty register reply", ErrInvalid)
	}
	return reply.Records[0], nil
}

// Deregister removes name from the directory. Idempotent.
func (c *RegistryClient) Deregister(ctx context.Context, name string) error {
	_, err := c.roundTrip(ctx, NewDeregister(name))
	return err
}

// Heartbeat refreshes the liveness timestamp for name.
func (c *RegistryClient) Heartbeat(ctx context.Context, name string) error {
	_, err := c.roundTrip(ctx, NewHeartbeat(name))
	return err
}

// Lookup resolves name to its registered address.
func (c *RegistryClient) Lookup(ctx context.Context, name string) (WireRecord, error) {
	reply, err := c.roundTrip(ctx, NewLookup(name))
	if err != nil {
		return WireRecord{}, err
	}
	if len(reply.Records) == 0 {
		return WireRecord{}, fmt.Errorf("%w: empty lookup reply", ErrInvalid)
	}
	return reply.Records[0], nil
}

// Subscribe adds name to the channel's subscriber set.
func (c *RegistryClient) Subscribe(ctx context.Context, channel, name string) error {
	_, err := c.roundTrip(ctx, NewSubscribe(channel, name))
	return err
}

// Unsubscribe removes name from the channel's subscriber set. Idempotent.
func (c *RegistryClient) Unsubscribe(ctx context.Context, channel, name string) error {
	_, err := c.roundTrip(ctx, NewUnsubscribe(channel, name))
	return err
}

// SubscribersOf returns the channel's subscriber snapshot at call time.
func (c *RegistryClient) SubscribersOf(ctx context.Context, channel string) ([]WireRecord, error) {
	reply, err := c.roundTrip(ctx, NewSubscribers(channel))
	if err != nil {
		return nil, err
	}
	return reply.Records, nil
}

// Services returns a snapshot of every registered service.
func (c *RegistryClient) Services(ctx context.Context) ([]WireRecord, error) {
	reply, err := c.roundTrip(ctx, NewServices())
	if err != nil {
		return nil, err
	}
	return reply.Records, nil
}

// Close stops the client and rejects any requests still in flight: waiters
// observe the stop signal and fail with ErrRegistryUnavailable without
// sitting out their timeout.
func (c *RegistryClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.running.Store(false)
	close(c.stopChan)

	c.mu.Lock()
	c.pending = make(map[string]chan *Frame)
	c.mu.Unlock()

	if c.socket != nil {
		return c.socket.Close()
	}
	return nil
}
