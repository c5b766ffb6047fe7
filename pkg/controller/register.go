package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/nvmpath/pkg/nvme"
)

var readyPollInterval = 10 * time.Millisecond

func (c *Controller) readyTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return nvme.CAPTimeout(c.capReg)
}

// waitStatus polls CSTS until mask&csts == want or the CAP timeout elapses
func (c *Controller) waitStatus(ctx context.Context, mask, want uint32, timeout time.Duration, what string) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		csts, err := c.transport.ReadRegister32(nvme.RegCSTS)
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", what, err)
		}
		if csts == ^uint32(0) {
			return fmt.Errorf("waiting for %s: device not responding: %w", what, nvme.ErrTransport)
		}
		if csts&mask == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("waiting for %s: %w after %s", what, nvme.ErrTimeout, timeout)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w: %v", what, nvme.ErrCancelled, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Controller) disable(ctx context.Context) error {
	cc, err := c.transport.ReadRegister32(nvme.RegCC)
	if err != nil {
		return fmt.Errorf("read CC: %w", err)
	}
	cc &^= nvme.CCShnMask | nvme.CCEnable
	if err := c.transport.WriteRegister32(nvme.RegCC, cc); err != nil {
		return fmt.Errorf("disable controller: %w", err)
	}
	return c.waitStatus(ctx, nvme.CSTSReady, 0, c.readyTimeout(), "controller disable")
}

func (c *Controller) enable(ctx context.Context) error {
	c.mu.Lock()
	pageShift := nvme.CAPMinPageShift(c.capReg)
	c.mu.Unlock()

	cc := nvme.CCCSSNVM |
		uint32(pageShift-12)<<nvme.CCMPSShift |
		nvme.CCArbRR |
		nvme.CCShnNone |
		nvme.CCIOSQES |
		nvme.CCIOCQES |
		nvme.CCEnable
	if err := c.transport.WriteRegister32(nvme.RegCC, cc); err != nil {
		return fmt.Errorf("enable controller: %w", err)
	}
	return c.waitStatus(ctx, nvme.CSTSReady, nvme.CSTSReady, c.readyTimeout(), "controller ready")
}

// shutdown requests a normal shutdown and waits for it to complete
func (c *Controller) shutdown(ctx context.Context) error {
	cc, err := c.transport.ReadRegister32(nvme.RegCC)
	if err != nil {
		return fmt.Errorf("read CC: %w", err)
	}
	cc = cc&^nvme.CCShnMask | nvme.CCShnNormal
	if err := c.transport.WriteRegister32(nvme.RegCC, cc); err != nil {
		return fmt.Errorf("shutdown controller: %w", err)
	}

	timeout := c.opts.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return c.waitStatus(ctx, nvme.CSTSShstMask, nvme.CSTSShstCmplt, timeout, "shutdown")
}
