/*
Package host ties controllers and multipath groups together into the
surface a block front end or admin tool uses.

A Host allocates controller instance ids, runs every controller on one work
pool and observes them. Shared namespaces are attached to the group for
their NGUID as they appear and detached as they go. State changes are
translated into failover triggers: a controller leaving Live fails over the
groups it is active in, and a controller coming back to Live wakes the
resubmitter so queued I/O can move.

	AddController ──► controller.New / Init / Start / first scan
	                         │
	        NamespaceAdded ──┴──► Registry.Attach(nguid)
	NamespaceRemoving ──────────► Registry.Detach
	ControllerStateChanged ─────► Group.TriggerFailover, Registry.Wake
	Failover* (listener) ───────► events.Broker

I/O is addressed by handle: a group id routes through multipath, a
namespace name such as nvme0n2 goes straight to that namespace.

	h, err := host.New(config.Default())
	if err != nil {
		return err
	}
	defer h.Close()

	if _, err := h.AddController(ctx, transport); err != nil {
		return err
	}
	err = h.Do(ctx, nguid, &types.IORequest{Op: types.IOOpFlush})
*/
package host
