package weft

import (
	"log/slog"
	"sync"
	"time"
)

// ServiceRecord is a directory entry for one registered service. A name maps
// to at most one live address at a time.
type ServiceRecord struct {
	Name          string
	Address       string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// Store is the in-memory service directory: the single source of truth for
// membership and channel subscriptions. All mutation is linearized behind
// one lock; reads return snapshot copies.
type Store struct {
	mu       sync.RWMutex
	services map[string]*ServiceRecord
	// channel -> subscriber names in subscription order
	channels map[string][]string

	logger *slog.Logger
}

// NewStore creates an empty directory.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		services: make(map[string]*ServiceRecord),
		channels: make(map[string][]string),
		logger:   logger,
	}
}

// Register upserts a record for name. Re-registration under the same name
// replaces the prior record atomically.
func (s *Store) Register(name, address string) (ServiceRecord, error) {
	if name == "" || address == "" {
		return ServiceRecord{}, ErrInvalid
	}

	now := time.Now()
	rec := &ServiceRecord{
		Name:          name,
		Address:       address,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	s.mu.Lock()
	s.services[name] = rec
	s.mu.Unlock()

	s.logger.Debug("service registered", "service", name, "address", address)
	return *rec, nil
}

// Heartbeat refreshes the liveness timestamp for name. Returns ErrNotFound
// if name was never registered or already expired.
func (s *Store) Heartbeat(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.services[name]
	if !ok {
		return ErrNotFound
	}
	rec.LastHeartbeat = time.Now()
	return nil
}

// Deregister removes the record for name and removes name from every
// channel's subscriber set. Deregistering an unknown name is a no-op.
func (s *Store) Deregister(name string) {
	s.mu.Lock()
	_, existed := s.services[name]
	delete(s.services, name)
	s.dropSubscriberLocked(name)
	s.mu.Unlock()

	if existed {
		s.logger.Debug("service deregistered", "service", name)
	}
}

// dropSubscriberLocked removes name from all channels. Caller holds mu.
func (s *Store) dropSubscriberLocked(name string) {
	for channel, subs := range s.channels {
		kept := subs[:0]
		for _, sub := range subs {
			if sub != name {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			// empty subscriber set is equivalent to a non-existent channel
			delete(s.channels, channel)
		} else {
			s.channels[channel] = kept
		}
	}
}

// Lookup returns a copy of the record for name, or ErrNotFound.
func (s *Store) Lookup(name string) (ServiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.services[name]
	if !ok {
		return ServiceRecord{}, ErrNotFound
	}
	return *rec, nil
}

// Subscribe adds name to the channel's subscriber set. The service must be
// currently registered. Subscribing twice is a no-op.
func (s *Store) Subscribe(channel, name string) error {
	if channel == "" {
		return ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[name]; !ok {
		return ErrNotFound
	}
	for _, sub := range s.channels[channel] {
		if sub == name {
			return nil
		}
	}
	s.channels[channel] = append(s.channels[channel], name)
	s.logger.Debug("subscribed", "channel", channel, "service", name)
	return nil
}

// Unsubscribe removes name from the channel's subscriber set. Idempotent.
func (s *Store) Unsubscribe(channel, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.channels[channel]
	kept := subs[:0]
	for _, sub := range subs {
		if sub != name {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(s.channels, channel)
	} else {
		s.channels[channel] = kept
	}
}

// SubscribersOf returns a snapshot of the channel's live subscriber records
// at call time. Later directory changes do not affect the returned slice.
func (s *Store) SubscribersOf(channel string) []ServiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.channels[channel]
	out := make([]ServiceRecord, 0, len(subs))
	for _, name := range subs {
		if rec, ok := s.services[name]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Services returns a snapshot of every registered record.
func (s *Store) Services() []ServiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ServiceRecord, 0, len(s.services))
	for _, rec := range s.services {
		out = append(out, *rec)
	}
	return out
}

// SweepExpired removes every record whose last heartbeat is older than
// maxAge, cascading removal from all channel subscriber sets. Returns the
// names evicted.
func (s *Store) SweepExpired(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for name, rec := range s.services {
		if rec.LastHeartbeat.Before(cutoff) {
			delete(s.services, name)
			s.dropSubscriberLocked(name)
			evicted = append(evicted, name)
		}
	}

	if len(evicted) > 0 {
		s.logger.Info("swept expired services", "evicted", evicted, "max_age", maxAge)
	}
	return evicted
}
