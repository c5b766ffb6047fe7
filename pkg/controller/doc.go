/*
Package controller drives the lifecycle of one storage controller: register
level bring-up, the state machine, keep-alive, async events, namespace
scanning, reset and teardown.

# Architecture

A Controller owns one admin queue and a set of I/O queues on top of an
nvme.Transport. Everything that can block runs as work on a shared
workqueue.Pool; the caller of a state change never waits for the work it
starts.

	┌──────────────────────── CONTROLLER ─────────────────────────┐
	│                                                               │
	│   StateMachine  New → Live ⇄ Resetting / Reconnecting         │
	│                        ↓                                      │
	│                     Deleting → Dead                           │
	│                                                               │
	│   Work items (each holds a controller reference while armed)  │
	│     scan        identify, validate namespaces 1..nn           │
	│     reset       quiesce, cancel, disable, enable, identify    │
	│     delete      remove namespaces, shutdown, Dead             │
	│     keep-alive  KEEP ALIVE command, CSTS check                │
	│     async event keep AER slots armed, dispatch notices        │
	│     fw activate pause I/O until CSTS.PP clears                │
	│                                                               │
	│   Queues   admin (no retries)     io 1..n (retry policy)      │
	└───────────────────────────────────────────────────────────────┘

# State machine

Transitions follow a fixed table and are checked and committed under one
lock, so of several concurrent requests for the same edge exactly one
succeeds. A request that is refused is not an error: Reset returns false
when a reset is already running and the caller backs off.

	From           Allowed to
	New            Live, Resetting, Deleting
	Live           Resetting, Reconnecting, Deleting
	Resetting      Live, Deleting
	Reconnecting   Live, Deleting
	Deleting       Dead
	Dead           -

The change hook runs after the lock is released. It notifies the Observer,
which is how the host learns that a path went away. Hooks of back-to-back
transitions race, so every StateChange carries a sequence number and
Controller.StateCurrent reports whether a notice is still the latest. Entering Dead kills
every queue so outstanding and future commands fail fast with
nvme.ErrCancelled.

# Reference counting

New returns a controller holding one reference, owned by the creator. Each
namespace holds one, and every scheduled work item holds one until it has
run or has been cancelled. The final Put cancels the controller context,
kills the queues and calls Options.Release exactly once.

# Reset

A reset stops keep-alive, quiesces the I/O queues and cancels everything in
flight. Live I/O queues retry cancelled commands, so those requests park at
the head of their queue and are sent again once the controller is Live. If
re-initialisation fails the controller is deleted.

# Usage

	pool := workqueue.NewPool("nvme", 4)
	opts := controller.DefaultOptions()
	opts.Pool = pool
	opts.KeepAlive = 5 * time.Second

	c, err := controller.New(transport, opts)
	if err != nil {
		return err
	}
	if err := c.Init(ctx); err != nil {
		c.DeleteSync()
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	c.FlushScan()

	for _, ns := range c.Namespaces() {
		fmt.Println(ns.Name(), ns.Identity().CapacityBlocks)
	}

	c.DeleteSync()
*/
package controller
