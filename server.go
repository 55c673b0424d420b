package weft

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	zmq "github.com/go-zeromq/zmq4"
)

// Server is the network-facing front end over the Store. It binds a ROUTER
// socket on the configured registry endpoint, answers directory requests,
// and runs the background sweep that evicts services whose heartbeats have
// gone stale.
type Server struct {
	store  *Store
	cfg    *Config
	logger *slog.Logger

	socket  zmq.Socket
	running atomic.Bool
	ready   chan struct{}
	done    chan struct{}
}

// NewServer creates a registry server over store. The server binds the
// endpoint in cfg.RegistryURL on Start.
func NewServer(store *Store, cfg *Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  store,
		cfg:    cfg,
		logger: logger,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start binds the registry endpoint and begins serving. The Ready channel
// closes once the endpoint is bound.
func (s *Server) Start() error {
	s.socket = zmq.NewRouter(context.Background())
	if err := s.socket.Listen(s.cfg.RegistryURL); err != nil {
		return fmt.Errorf("failed to bind registry endpoint %s: %w", s.cfg.RegistryURL, err)
	}

	s.running.Store(true)
	close(s.ready)
	s.logger.Info("registry listening", "endpoint", s.cfg.RegistryURL)

	go s.messageLoop()
	go s.sweepLoop()

	return nil
}

// Ready returns a channel that closes once the registry endpoint is bound.
// Dependents that must register before doing work wait on it.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// messageLoop handles incoming registry requests
func (s *Server) messageLoop() {
	for s.running.Load() {
		// ROUTER socket receives: [sender_id, empty_frame, frame_data]
		msg, err := s.socket.Recv()
		if err != nil {
			if s.running.Load() {
				s.logger.Error("registry receive error", "error", err)
			}
			continue
		}

		frames := msg.Frames
		if len(frames) < 3 {
			continue
		}
		senderID := frames[0]
		reply := s.handleRequest(frames[2])
		s.send(reply, senderID)
	}
}

// handleRequest decodes one request frame and dispatches it to the store
func (s *Server) handleRequest(data []byte) *Frame {
	req, err := Unpack(data)
	if err != nil {
		return NewErrorFrame(fmt.Errorf("%w: %v", ErrInvalid, err), "", "")
	}
	if req.App != AppName || req.ID == "" {
		return NewErrorFrame(fmt.Errorf("%w: bad envelope", ErrInvalid), "", req.ID)
	}

	switch FrameKind(req.Kind) {
	case FrameRegister:
		rec, err := s.store.Register(req.Service, req.Address)
		if err != nil {
			return NewErrorFrame(err, req.Service, req.ID)
		}
		reply := NewResult(nil, req.ID)
		reply.Records = []WireRecord{{Name: rec.Name, Address: rec.Address}}
		return reply

	case FrameDeregister:
		s.store.Deregister(req.Service)
		return NewResult(nil, req.ID)

	case FrameHeartbeat:
		if err := s.store.Heartbeat(req.Service); err != nil {
			return NewErrorFrame(err, req.Service, req.ID)
		}
		return NewResult(nil, req.ID)

	case FrameLookup:
		rec, err := s.store.Lookup(req.Service)
		if err != nil {
			return NewErrorFrame(err, req.Service, req.ID)
		}
		reply := NewResult(nil, req.ID)
		reply.Records = []WireRecord{{Name: rec.Name, Address: rec.Address}}
		return reply

	case FrameSubscribe:
		if err := s.store.Subscribe(req.Channel, req.Service); err != nil {
			return NewErrorFrame(err, req.Service, req.ID)
		}
		return NewResult(nil, req.ID)

	case FrameUnsubscribe:
		s.store.Unsubscribe(req.Channel, req.Service)
		return NewResult(nil, req.ID)

	case FrameSubscribers:
		reply := NewResult(nil, req.ID)
		reply.Records = toWireRecords(s.store.SubscribersOf(req.Channel))
		return reply

	case FrameServices:
		reply := NewResult(nil, req.ID)
		reply.Records = toWireRecords(s.store.Services())
		return reply

	default:
		return NewErrorFrame(fmt.Errorf("%w: unknown kind '%s'", ErrInvalid, req.Kind), "", req.ID)
	}
}

func toWireRecords(recs []ServiceRecord) []WireRecord {
	out := make([]WireRecord, len(recs))
	for i, rec := range recs {
		out[i] = WireRecord{Name: rec.Name, Address: rec.Address}
	}
	return out
}

// send sends a reply frame with ROUTER envelope
func (s *Server) send(reply *Frame, senderID []byte) {
	data, err := reply.Pack()
	if err != nil {
		s.logger.Error("failed to pack registry reply", "error", err)
		return
	}

	zmqMsg := zmq.NewMsgFrom(senderID, []byte{}, data)
	if err := s.socket.Send(zmqMsg); err != nil {
		s.logger.Error("failed to send registry reply", "error", err)
	}
}

// sweepLoop evicts stale records on a fixed interval. This is what prevents
// permanently-dead subscribers from silently absorbing publish slots.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.store.SweepExpired(s.cfg.SweepMaxAge)
		case <-s.done:
			return
		}
	}
}

// Close stops the server and releases the registry endpoint.
func (s *Server) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.done)

	if s.socket != nil {
		return s.socket.Close()
	}
	return nil
}
