package controller

import (
	"time"

	"github.com/cuemby/nvmpath/pkg/command"
	"github.com/cuemby/nvmpath/pkg/metrics"
	"github.com/cuemby/nvmpath/pkg/nvme"
	"github.com/cuemby/nvmpath/pkg/types"
)

// fwPollInterval is both the CSTS poll period during firmware activation and
// the unit of the identify MTFA field.
var fwPollInterval = 100 * time.Millisecond

const fwSlotLogSize = 512

// queueAsyncEvents refills the async event budget and queues submission
func (c *Controller) queueAsyncEvents() {
	c.mu.Lock()
	c.eventBudget = c.eventLimit
	c.mu.Unlock()
	c.asyncEventWork.schedule()
}

// submitAsyncEvents keeps as many async event requests outstanding as the
// budget allows.
func (c *Controller) submitAsyncEvents() {
	for c.State() == types.ControllerStateLive {
		c.mu.Lock()
		if c.eventBudget <= 0 {
			c.mu.Unlock()
			return
		}
		c.eventBudget--
		c.mu.Unlock()

		err := c.admin.SubmitAsync(nvme.NewAsyncEvent(), nil, command.NoTimeout, c.asyncEventDone)
		if err != nil {
			c.returnEventSlot()
			c.logger.Warn().Err(err).Msg("Failed to submit async event request")
			return
		}
	}
}

func (c *Controller) returnEventSlot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventBudget < c.eventLimit {
		c.eventBudget++
	}
}

func (c *Controller) requeueAsyncEvents() {
	if c.State() == types.ControllerStateLive {
		c.asyncEventWork.schedule()
	}
}

func (c *Controller) asyncEventDone(r command.Result) {
	switch {
	case r.Err == nil:
		c.returnEventSlot()
		c.requeueAsyncEvents()
		c.handleAsyncEvent(r.Value)
	case r.Status.Code() == nvme.SCAbortReq:
		c.returnEventSlot()
		c.requeueAsyncEvents()
	default:
		c.logger.Warn().Err(r.Err).Str("status", r.Status.String()).Msg("Async event request failed")
	}
}

func (c *Controller) handleAsyncEvent(result uint32) {
	switch result & nvme.AERMask {
	case nvme.AERNoticeNSChanged:
		metrics.AsyncEventsTotal.WithLabelValues("ns_changed").Inc()
		c.logger.Info().Msg("Namespace attributes changed")
		c.scanWork.schedule()
	case nvme.AERNoticeFWActStarting:
		metrics.AsyncEventsTotal.WithLabelValues("fw_activation").Inc()
		c.logger.Info().Msg("Firmware activation starting")
		c.fwActWork.schedule()
	default:
		metrics.AsyncEventsTotal.WithLabelValues("other").Inc()
		c.logger.Warn().Uint32("result", result).Msg("Unhandled async event")
	}
}

// firmwareActivation quiesces I/O while the device reports processing
// paused. A device that stays paused past MTFA is reset.
func (c *Controller) firmwareActivation() {
	c.StopQueues()

	timeout := c.opts.AdminTimeout
	if mtfa := c.Identity().FirmwareActivationTime; mtfa > 0 {
		timeout = time.Duration(mtfa) * fwPollInterval
	}
	deadline := time.Now().Add(timeout)

	for {
		if c.State() != types.ControllerStateLive {
			return
		}
		csts, err := c.transport.ReadRegister32(nvme.RegCSTS)
		if err == nil && csts&nvme.CSTSProcessingPaused == 0 {
			break
		}
		if err != nil || time.Now().After(deadline) {
			c.logger.Warn().Err(err).Dur("timeout", timeout).Msg("Firmware activation did not complete, resetting")
			c.Reset()
			return
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(fwPollInterval):
		}
	}

	if c.State() != types.ControllerStateLive {
		return
	}
	c.StartQueues()

	buf := make([]byte, fwSlotLogSize)
	if _, err := c.admin.SubmitSync(c.ctx, nvme.NewGetLogPage(nvme.LogFirmwareSlot, fwSlotLogSize), buf, 0); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read firmware slot log")
		return
	}
	c.logger.Info().Msg("Firmware activation complete")
}
