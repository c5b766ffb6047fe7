package nvme

import (
	"fmt"

	"github.com/cuemby/nvmpath/pkg/types"
)

// maxBlocksPerCommand is the largest transfer a single read or write can describe.
const maxBlocksPerCommand = 1 << 16

// Status is a completion status word: the code in the low 11 bits, plus
// the more and do-not-retry bits.
type Status uint16

// Code returns the status code and type without flag bits.
func (s Status) Code() uint16 { return uint16(s) & SCMask }

// DoNotRetry reports whether the device asked for the command not to be retried.
func (s Status) DoNotRetry() bool { return uint16(s)&SCDNR != 0 }

// Success reports a zero status code.
func (s Status) Success() bool { return s.Code() == SCSuccess }

func (s Status) String() string {
	if s.DoNotRetry() {
		return fmt.Sprintf("0x%03x(dnr)", s.Code())
	}
	return fmt.Sprintf("0x%03x", s.Code())
}

// DSMRange is one range of a dataset management command
type DSMRange struct {
	SLBA uint64
	NLB  uint32
}

// Command is a protocol-neutral command descriptor
type Command struct {
	Opcode uint8
	NSID   uint32
	SLBA   uint64
	// NLB is the zero based number of logical blocks for read and write.
	NLB    uint16
	CDW10  uint32
	CDW11  uint32
	Ranges []DSMRange
}

func (c *Command) String() string {
	return fmt.Sprintf("op=0x%02x nsid=%d slba=%d nlb=%d", c.Opcode, c.NSID, c.SLBA, c.NLB)
}

// IsWrite reports whether the command moves data to the device.
func (c *Command) IsWrite() bool {
	return c.Opcode == CmdWrite
}

// Completion is what a transport reports when a command finishes
type Completion struct {
	Status Status
	Result uint32
}

// BuildIO maps a generic block request onto a command descriptor for the
// given namespace. Offsets and lengths are in bytes and must be aligned to
// the logical block size.
func BuildIO(req *types.IORequest, nsid uint32, blockShift uint8) (*Command, error) {
	blockMask := uint64(1)<<blockShift - 1

	switch req.Op {
	case types.IOOpFlush:
		return &Command{Opcode: CmdFlush, NSID: nsid}, nil

	case types.IOOpRead, types.IOOpWrite:
		if req.Length == 0 {
			return nil, fmt.Errorf("%s with zero length", req.Op)
		}
		if req.Offset&blockMask != 0 || uint64(req.Length)&blockMask != 0 {
			return nil, fmt.Errorf("%s not aligned to %d byte blocks", req, 1<<blockShift)
		}
		if len(req.Buffer) < int(req.Length) {
			return nil, fmt.Errorf("%s buffer too small: %d bytes", req, len(req.Buffer))
		}
		blocks := uint64(req.Length) >> blockShift
		if blocks > maxBlocksPerCommand {
			return nil, fmt.Errorf("%s exceeds %d blocks", req, maxBlocksPerCommand)
		}
		op := CmdRead
		if req.Op == types.IOOpWrite {
			op = CmdWrite
		}
		return &Command{
			Opcode: op,
			NSID:   nsid,
			SLBA:   req.Offset >> blockShift,
			NLB:    uint16(blocks - 1),
		}, nil

	case types.IOOpDiscard:
		if req.Length == 0 {
			return nil, fmt.Errorf("discard with zero length")
		}
		if req.Offset&blockMask != 0 || uint64(req.Length)&blockMask != 0 {
			return nil, fmt.Errorf("%s not aligned to %d byte blocks", req, 1<<blockShift)
		}
		rng := DSMRange{
			SLBA: req.Offset >> blockShift,
			NLB:  req.Length >> blockShift,
		}
		return &Command{
			Opcode: CmdDSM,
			NSID:   nsid,
			CDW10:  0, // one range, zero based
			CDW11:  DSMAttrDeallocate,
			Ranges: []DSMRange{rng},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported operation %q", req.Op)
	}
}

// NewSetActive builds the command that activates nsid as the group's path.
func NewSetActive(nsid uint32) *Command {
	return &Command{Opcode: AdminSetActive, NSID: nsid}
}

// NewKeepAlive builds a keep-alive command.
func NewKeepAlive() *Command {
	return &Command{Opcode: AdminKeepAlive}
}

// NewAsyncEvent builds an asynchronous event request.
func NewAsyncEvent() *Command {
	return &Command{Opcode: AdminAsyncEvent}
}

// NewGetLogPage builds a get log page command for the whole controller.
func NewGetLogPage(page uint8, numBytes uint32) *Command {
	numd := numBytes/4 - 1
	return &Command{
		Opcode: AdminGetLogPage,
		NSID:   NSIDAll,
		CDW10:  uint32(page) | (numd&0xffff)<<16,
	}
}
