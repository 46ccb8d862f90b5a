// Package events provides an in-process publish/subscribe broker for
// build lifecycle events.
//
// Subsystems that react to lifecycle changes (metrics, the agent test
// harness, future webhook fan-out) subscribe to the broker instead of
// polling the catalog. The catalog publishes an event after each state
// transition commits, so subscribers only ever observe durable state.
//
// # Event Types
//
//	build:submitted    build accepted and queued
//	build:assigned     build claimed by a worker
//	build:completed    result uploaded, build finished
//	build:failed       build failed (worker report or cancellation)
//	build:cancelled    cancellation requested by a client
//	build:timeout      heartbeat timeout, build requeued
//	worker:registered  worker registered or re-registered
//	worker:offline     worker marked offline
//
// # Usage
//
//	broker := events.NewBroker()
//	broker.Start()
//	defer broker.Stop()
//
//	sub := broker.Subscribe()
//	defer broker.Unsubscribe(sub)
//
//	for event := range sub {
//		fmt.Printf("%s %s\n", event.Type, event.BuildID)
//	}
//
// # Delivery Semantics
//
// Delivery is best-effort: each subscriber has a buffered channel and
// events are dropped for subscribers that fall behind. The broker is a
// notification path, not a system of record. The durable record of
// every transition is the journal (see the journal package), which is
// written in the same transaction as the transition itself.
package events
