package controller

import (
	"context"

	"github.com/cuemby/nvmpath/pkg/metrics"
	"github.com/cuemby/nvmpath/pkg/types"
)

// scan reconciles the namespace list with what the controller reports.
// Existing namespaces are revalidated, new ones allocated and ids past the
// reported count removed.
func (c *Controller) scan() {
	if c.State() != types.ControllerStateLive {
		return
	}
	metrics.NamespaceScansTotal.Inc()

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.AdminTimeout)
	defer cancel()

	id, err := c.transport.IdentifyController(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Namespace scan identify failed")
		return
	}
	nn := id.NamespaceCount

	for nsid := uint32(1); nsid <= nn; nsid++ {
		if c.State() != types.ControllerStateLive {
			return
		}
		c.validateNamespace(ctx, nsid)
	}

	for _, ns := range c.namespaces.snapshot() {
		if ns.ID() > nn {
			c.RemoveNamespace(ns)
		}
	}
}

func (c *Controller) validateNamespace(ctx context.Context, nsid uint32) {
	if ns := c.namespaces.find(nsid); ns != nil {
		if err := ns.revalidate(ctx); err != nil {
			c.logger.Info().Err(err).Str("ns", ns.Name()).Msg("Namespace failed revalidation")
			c.RemoveNamespace(ns)
		}
		return
	}
	c.allocNamespace(ctx, nsid)
}

func (c *Controller) allocNamespace(ctx context.Context, nsid uint32) {
	id, err := c.transport.IdentifyNamespace(ctx, nsid)
	if err != nil {
		c.logger.Debug().Err(err).Uint32("nsid", nsid).Msg("Namespace not attached")
		return
	}
	if id.CapacityBlocks == 0 {
		return
	}
	if id.NSID == 0 {
		id.NSID = nsid
	}

	ns := newNamespace(c, id)
	c.Get()
	if !c.namespaces.add(ns) {
		c.Put()
		return
	}

	c.logger.Info().
		Str("ns", ns.Name()).
		Uint64("blocks", id.CapacityBlocks).
		Uint32("block_size", id.BlockSize()).
		Str("nguid", id.NGUID).
		Msg("Namespace attached")

	if c.observer != nil {
		c.observer.NamespaceAdded(ns)
	}
}
