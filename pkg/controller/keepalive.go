package controller

import (
	"github.com/cuemby/nvmpath/pkg/metrics"
	"github.com/cuemby/nvmpath/pkg/types"
)

// keepAlive sends one keep-alive and checks controller status. Enough
// consecutive failures reset the controller; otherwise the next check is
// armed one keep-alive interval out.
func (c *Controller) keepAlive() {
	if c.State() != types.ControllerStateLive {
		return
	}

	result := c.kaChecker.Check(c.ctx)
	if result.Healthy {
		result = c.regChecker.Check(c.ctx)
	}

	if c.kaStatus.Update(result, c.kaConfig) {
		metrics.KeepAliveFailuresTotal.Inc()
		c.logger.Error().
			Err(result.Err).
			Str("reason", result.Message).
			Int("failures", c.kaStatus.ConsecutiveFailures).
			Msg("Keep-alive failed, resetting controller")
		c.Reset()
		return
	}
	if !result.Healthy {
		c.logger.Warn().Str("reason", result.Message).Msg("Keep-alive check failed")
	}

	if c.State() == types.ControllerStateLive {
		c.keepAliveWork.scheduleAfter(c.opts.KeepAlive)
	}
}
