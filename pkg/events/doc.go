/*
Package events provides an in-memory event broker for host lifecycle
notifications.

The broker decouples the parts of the host that change state (controllers,
namespaces, multipath groups) from the parts that want to hear about it
(the CLI event printer, tests, future admin streams).

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────┐
	│                                                       │
	│  Publish ──► event channel (buffer 256) ──► run loop   │
	│                                              │         │
	│                        ┌─────────────────────┼──────┐  │
	│                        ▼                     ▼      ▼  │
	│                 subscriber (64)   subscriber (64)  ... │
	└───────────────────────────────────────────────────────┘

Publish never blocks. An event is dropped when the main channel is full or
the broker has stopped, and a subscriber whose buffer is full skips the
event. Publishers on the I/O and failover paths can therefore call it
while holding no budget for waiting.

# Event Types

Controller:
  - controller.added, controller.removed
  - controller.state (metadata: from, to)

Namespace:
  - namespace.added, namespace.removed

Group:
  - group.created, group.removed
  - failover.started, failover.completed
  - failover.failed (the group is degraded)

Every event gets a UUID from github.com/google/uuid and a timestamp when it
is created with New or published without one.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Printf("[%s] %s: %s\n", ev.Timestamp.Format("15:04:05"), ev.Type, ev.Message)
		}
	}()

	broker.Publish(events.New(events.EventFailoverCompleted,
		"group g1 active on nvme1n1",
		map[string]string{"group": "g1", "active": "nvme1n1"}))

Stop closes every subscriber channel, so range loops over a subscription
end on their own.
*/
package events
