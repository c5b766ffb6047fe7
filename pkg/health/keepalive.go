package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/nvmpath/pkg/command"
	"github.com/cuemby/nvmpath/pkg/nvme"
)

// Submitter sends a command and waits for it
type Submitter interface {
	SubmitSync(ctx context.Context, cmd *nvme.Command, buf []byte, timeout time.Duration) (command.Result, error)
}

// KeepAliveChecker sends a keep-alive admin command
type KeepAliveChecker struct {
	admin   Submitter
	Timeout time.Duration
}

// NewKeepAliveChecker creates a keep-alive checker. The command deadline is
// the keep-alive timeout itself.
func NewKeepAliveChecker(admin Submitter, kato time.Duration) *KeepAliveChecker {
	return &KeepAliveChecker{admin: admin, Timeout: kato}
}

// Check performs the keep-alive
func (k *KeepAliveChecker) Check(ctx context.Context) Result {
	start := time.Now()

	_, err := k.admin.SubmitSync(ctx, nvme.NewKeepAlive(), nil, k.Timeout)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("keep-alive failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
			Err:       err,
		}
	}

	return Result{
		Healthy:   true,
		Message:   "keep-alive acknowledged",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the check type
func (k *KeepAliveChecker) Type() CheckType {
	return CheckTypeKeepAlive
}

// RegisterReader reads controller registers
type RegisterReader interface {
	ReadRegister32(offset uint32) (uint32, error)
}

// RegisterChecker reads CSTS and fails on a fatal status or a device that
// reads back all ones.
type RegisterChecker struct {
	regs RegisterReader
}

// NewRegisterChecker creates a register checker
func NewRegisterChecker(regs RegisterReader) *RegisterChecker {
	return &RegisterChecker{regs: regs}
}

// Check performs the register read
func (r *RegisterChecker) Check(ctx context.Context) Result {
	start := time.Now()
	result := Result{CheckedAt: start}

	csts, err := r.regs.ReadRegister32(nvme.RegCSTS)
	switch {
	case err != nil:
		result.Message = fmt.Sprintf("read CSTS: %v", err)
		result.Err = err
	case csts == ^uint32(0):
		result.Message = "controller not responding"
		result.Err = nvme.ErrTransport
	case csts&nvme.CSTSFatal != 0:
		result.Message = "controller fatal status"
	case csts&nvme.CSTSReady == 0:
		result.Message = "controller not ready"
	default:
		result.Healthy = true
		result.Message = "ready"
	}
	result.Duration = time.Since(start)
	return result
}

// Type returns the check type
func (r *RegisterChecker) Type() CheckType {
	return CheckTypeRegister
}
