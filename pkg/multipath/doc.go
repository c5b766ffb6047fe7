/*
Package multipath keeps I/O flowing to a shared namespace reachable through
several controllers.

# Architecture

Paths to the same volume, identified by NGUID, form a Group. At most one
member is active and submission always prefers it. When no member is
usable, I/O is parked in the group's congestion queue and a background
Resubmitter sends it again once a path is back.

	┌──────────────────── GROUP (nguid) ──────────────────────┐
	│                                                          │
	│   flag: stable | failover      (atomic CAS, only gate)   │
	│                                                          │
	│   members   nvme0n1 [active]   nvme1n1 [standby]  ...    │
	│                                                          │
	│   Submit ──► active usable? ──yes──► Path.Submit          │
	│                    │no                                    │
	│                    ▼                                      │
	│             congestion queue ◄── path error, budget left  │
	│                    │                                      │
	│                    ▼                                      │
	│   Resubmitter (ticker + wake): skip mid-failover groups,  │
	│   swap the queue out, expire old entries, re-route rest   │
	└──────────────────────────────────────────────────────────┘

# Failover

TriggerFailover takes the flag with a compare-and-swap; a second trigger
while one runs returns at once. With no active member the first eligible
path is activated. Otherwise the next eligible member in attach order is
chosen, subject to a minimum interval between switches enforced by a
token bucket (golang.org/x/time/rate). A rate limited trigger schedules a
delayed retry that only fails over if the group still has no usable path.

Activation is asynchronous and retried with github.com/cenkalti/backoff/v4.
If the candidate stops being eligible the next one is tried. When nothing
is left the group is degraded and every queued I/O fails with
nvme.ErrNoViablePath.

Triggers come from three places:
  - an I/O on the active member fails with a path error
  - the active member's controller leaves Live (reported by the host)
  - the active member is removed

# I/O contexts

Each multipath I/O borrows a Context from a pre-sized ContextPool. An
exhausted pool rejects the I/O with nvme.ErrResourceExhausted instead of
growing. A context carries its own retry budget, separate from the command
queue's, and its completion runs exactly once whatever happens to the group.

# Usage

	reg := multipath.NewRegistry(multipath.DefaultConfig(), listener)
	rs := multipath.NewResubmitter(reg, multipath.DefaultPollInterval)
	rs.Start()
	defer rs.Stop()

	g, _, err := reg.Attach(ns.Identity().NGUID, ns)
	if err != nil {
		return err
	}
	_ = g.TriggerFailover()

	err = g.Submit(&types.IORequest{Op: types.IOOpFlush}, func(err error) {
		if err != nil {
			log.Errorf("flush failed", err)
		}
	})
*/
package multipath
