package nvme

import (
	"context"

	"github.com/cuemby/nvmpath/pkg/types"
)

// Transport carries registers and commands to one controller. Implementations
// own the wire protocol; the core only sees descriptors and completions.
type Transport interface {
	// Name identifies the transport endpoint in logs.
	Name() string

	ReadRegister32(offset uint32) (uint32, error)
	ReadRegister64(offset uint32) (uint64, error)
	WriteRegister32(offset uint32, value uint32) error

	// Submit queues cmd on queue qid. done is called at most once, from any
	// goroutine. A non-nil error means the command was not accepted and done
	// will not be called.
	Submit(qid uint16, cmd *Command, buf []byte, done func(Completion)) error

	IdentifyController(ctx context.Context) (types.ControllerIdentity, error)
	IdentifyNamespace(ctx context.Context, nsid uint32) (types.NamespaceIdentity, error)
}
