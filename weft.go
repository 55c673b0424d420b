// Package weft is a lightweight distributed-process fabric: independent
// service processes register themselves with a central registry, discover
// peers by logical name, perform request/response calls across process
// boundaries, and broadcast publish/subscribe events to many peers at once
// while collecting every responder's outcome into a single aggregated result.
//
// # Architecture
//
// The fabric uses ZeroMQ ROUTER/DEALER sockets with a msgpack envelope:
//   - Server fronts the in-memory Store with a ROUTER socket and handles
//     register/deregister/heartbeat/lookup/subscribe/unsubscribe requests
//   - Runtime is the per-process agent: it binds a ROUTER socket for inbound
//     calls and publish deliveries, registers with the Server, and heartbeats
//     on a fixed interval
//   - Dispatcher and Broadcaster are the client side: they resolve names via
//     the Server and dial the resolved address with a DEALER socket
//
// # Quick Start
//
// Registry:
//
//	store := weft.NewStore(slog.Default())
//	server := weft.NewServer(store, cfg, slog.Default())
//	if err := server.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Close()
//	<-server.Ready()
//
// Service:
//
//	echo := weft.HandlerFunc(func(ctx context.Context, rc *weft.RuntimeContext, payload any) (any, error) {
//	    return payload, nil
//	})
//	rt := weft.NewRuntime("echo", echo, cfg)
//	if err := rt.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Stop()
//
// Caller:
//
//	client := weft.NewRegistryClient(cfg.RegistryURL, cfg.RegistryTimeout)
//	if err := client.Connect(); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	disp := weft.NewDispatcher(client, cfg.CallTimeout, nil)
//	result, err := disp.Call(context.Background(), "echo", map[string]any{"x": 1})
//
// Publishing fans out to every current subscriber of a channel and aggregates
// per-subscriber outcomes; one slow or failing subscriber never delays the
// delivery to any other:
//
//	bc := weft.NewBroadcaster(client, cfg.PublishTimeout, nil)
//	res, err := bc.Publish(context.Background(), "ping", map[string]any{"n": 1})
//	// res.Results and res.Errors in completion order
package weft

// Version is the current library version
const Version = "1.0.0"
