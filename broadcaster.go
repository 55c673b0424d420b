package weft

import (
	"context"
	"time"
)

// SubscriberResult is one successful delivery outcome.
type SubscriberResult struct {
	Subscriber string
	Value      any
}

// SubscriberError is one failed delivery outcome, attributable to its
// subscriber.
type SubscriberError struct {
	Subscriber string
	Err        error
}

func (e SubscriberError) Error() string {
	return "subscriber '" + e.Subscriber + "': " + e.Err.Error()
}

// Unwrap returns the underlying delivery error for errors.Is/As support
func (e SubscriberError) Unwrap() error {
	return e.Err
}

// PublishResult aggregates every subscriber's outcome for one publish.
// Results and Errors are in delivery-completion order, not subscription
// order; len(Results)+len(Errors) equals the number of subscribers resolved
// at dispatch time.
type PublishResult struct {
	Results []SubscriberResult
	Errors  []SubscriberError
}

// Broadcaster fans a message out to every current subscriber of a channel.
// Deliveries run concurrently and independently: one slow or failing
// subscriber never delays or fails the delivery to any other.
type Broadcaster struct {
	registry *RegistryClient
	timeout  time.Duration
	metrics  *Metrics
}

// NewBroadcaster creates a broadcaster using registry for subscriber
// resolution. timeout bounds each delivery independently. metrics may be nil.
func NewBroadcaster(registry *RegistryClient, timeout time.Duration, metrics *Metrics) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		timeout:  timeout,
		metrics:  metrics,
	}
}

// Publish delivers payload to every subscriber of channel and aggregates the
// per-subscriber outcomes. Publishing to a channel with no subscribers is
// valid and returns an empty result without contacting any peer. The call
// itself fails only when the subscriber snapshot cannot be resolved.
func (b *Broadcaster) Publish(ctx context.Context, channel string, payload any) (*PublishResult, error) {
	snapshot, err := b.registry.SubscribersOf(ctx, channel)
	if err != nil {
		return nil, err
	}

	result := &PublishResult{}
	if len(snapshot) == 0 {
		return result, nil
	}

	type outcome struct {
		subscriber string
		value      any
		err        error
	}
	outcomes := make(chan outcome, len(snapshot))

	for _, sub := range snapshot {
		go func(sub WireRecord) {
			value, err := deliver(ctx, sub.Address, NewPublishDelivery(channel, payload), b.timeout)
			outcomes <- outcome{subscriber: sub.Name, value: value, err: err}
		}(sub)
	}

	// Aggregate in completion order.
	for range snapshot {
		o := <-outcomes
		if o.err != nil {
			result.Errors = append(result.Errors, SubscriberError{Subscriber: o.subscriber, Err: o.err})
		} else {
			result.Results = append(result.Results, SubscriberResult{Subscriber: o.subscriber, Value: o.value})
		}
		if b.metrics != nil {
			b.metrics.RecordDelivery(o.err == nil)
		}
	}

	return result, nil
}
