package multipath

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cuemby/nvmpath/pkg/nvme"
	"github.com/cuemby/nvmpath/pkg/types"
)

// Context carries one multipath I/O across failovers
type Context struct {
	IO *types.IORequest
	// Retries is the path error budget left
	Retries int
	// Enqueued is when the I/O first entered the group
	Enqueued time.Time
	// Path is the member the I/O was last dispatched to
	Path string

	done     func(error)
	finished atomic.Bool
}

// ContextPool is a fixed set of preallocated contexts
type ContextPool struct {
	size  int
	free  chan *Context
	inUse atomic.Int64
}

// NewContextPool creates a pool holding size contexts
func NewContextPool(size int) *ContextPool {
	if size < 1 {
		size = 1
	}
	p := &ContextPool{
		size: size,
		free: make(chan *Context, size),
	}
	for i := 0; i < size; i++ {
		p.free <- &Context{}
	}
	return p
}

// Get takes a context without blocking
func (p *ContextPool) Get() (*Context, error) {
	select {
	case c := <-p.free:
		p.inUse.Add(1)
		c.finished.Store(false)
		return c, nil
	default:
		return nil, fmt.Errorf("all %d multipath contexts in use: %w", p.size, nvme.ErrResourceExhausted)
	}
}

// Put returns c to the pool
func (p *ContextPool) Put(c *Context) {
	c.IO = nil
	c.Retries = 0
	c.Enqueued = time.Time{}
	c.Path = ""
	c.done = nil
	select {
	case p.free <- c:
		p.inUse.Add(-1)
	default:
	}
}

// InUse returns the number of contexts handed out
func (p *ContextPool) InUse() int {
	return int(p.inUse.Load())
}

// Size returns the pool capacity
func (p *ContextPool) Size() int {
	return p.size
}
