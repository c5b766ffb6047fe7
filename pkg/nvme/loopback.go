package nvme

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/nvmpath/pkg/types"
)

// MemStore is sparse in-memory block storage. Several loopback controllers
// can expose the same store to model a shared namespace.
type MemStore struct {
	mu        sync.Mutex
	blockSize uint32
	blocks    map[uint64][]byte
}

// NewMemStore creates an empty store with the given block size
func NewMemStore(blockSize uint32) *MemStore {
	return &MemStore{blockSize: blockSize, blocks: make(map[uint64][]byte)}
}

func (m *MemStore) read(slba uint64, n uint64, buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bs := uint64(m.blockSize)
	for i := uint64(0); i < n; i++ {
		dst := buf[i*bs : (i+1)*bs]
		if b, ok := m.blocks[slba+i]; ok {
			copy(dst, b)
		} else {
			clear(dst)
		}
	}
}

func (m *MemStore) write(slba uint64, n uint64, buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bs := uint64(m.blockSize)
	for i := uint64(0); i < n; i++ {
		b := make([]byte, bs)
		copy(b, buf[i*bs:(i+1)*bs])
		m.blocks[slba+i] = b
	}
}

func (m *MemStore) discard(slba uint64, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		delete(m.blocks, slba+i)
	}
}

// Blocks returns the number of blocks holding data
func (m *MemStore) Blocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// NewSharedNamespace returns an identity for a namespace reachable through
// more than one controller, with a fresh NGUID.
func NewSharedNamespace(nsid uint32, capacityBlocks uint64, blockShift uint8) types.NamespaceIdentity {
	return types.NamespaceIdentity{
		NSID:           nsid,
		CapacityBlocks: capacityBlocks,
		BlockShift:     blockShift,
		NGUID:          uuid.NewString(),
		Shared:         true,
	}
}

type loopNamespace struct {
	id    types.NamespaceIdentity
	store *MemStore
}

type fault struct {
	remaining int // negative means forever
	status    Status
	drop      bool
}

type heldCompletion struct {
	done func(Completion)
	c    Completion
}

// Loopback is an in-memory Transport. It emulates controller registers, block
// storage and the admin commands the core issues, and lets tests inject
// failures.
type Loopback struct {
	name string

	mu         sync.Mutex
	capReg     uint64
	cc         uint32
	csts       uint32
	identity   types.ControllerIdentity
	namespaces map[uint32]*loopNamespace
	down       bool
	latency    time.Duration
	readyDelay time.Duration
	faults     map[uint8]*fault
	held       bool
	heldList   []heldCompletion
	aers       []func(Completion)
	activeNSID uint32
	submitted  map[uint8]int
}

// NewLoopback creates a loopback controller with the given identity
func NewLoopback(name string, identity types.ControllerIdentity) *Loopback {
	return &Loopback{
		name: name,
		// MQES 1023, CAP.TO 1 (one second)
		capReg:     uint64(1023) | uint64(1)<<24,
		identity:   identity,
		namespaces: make(map[uint32]*loopNamespace),
		faults:     make(map[uint8]*fault),
		submitted:  make(map[uint8]int),
	}
}

// Name returns the endpoint name
func (l *Loopback) Name() string {
	return l.name
}

// AddNamespace attaches a namespace backed by store
func (l *Loopback) AddNamespace(id types.NamespaceIdentity, store *MemStore) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.namespaces[id.NSID] = &loopNamespace{id: id, store: store}
}

// RemoveNamespace detaches a namespace
func (l *Loopback) RemoveNamespace(nsid uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.namespaces, nsid)
}

// SetDown makes every register access and submission fail with ErrTransport.
func (l *Loopback) SetDown(down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = down
}

// SetLatency delays every completion by d
func (l *Loopback) SetLatency(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latency = d
}

// SetReadyDelay delays CSTS.RDY after an enable
func (l *Loopback) SetReadyDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readyDelay = d
}

// SetProcessingPaused sets or clears CSTS.PP
func (l *Loopback) SetProcessingPaused(paused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if paused {
		l.csts |= CSTSProcessingPaused
	} else {
		l.csts &^= CSTSProcessingPaused
	}
}

// FailNext completes the next n commands with opcode op using status.
// n < 0 fails every such command until ClearFaults.
func (l *Loopback) FailNext(op uint8, n int, status Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = &fault{remaining: n, status: status}
}

// DropNext accepts the next n commands with opcode op and never completes them.
func (l *Loopback) DropNext(op uint8, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = &fault{remaining: n, drop: true}
}

// ClearFaults removes every injected fault
func (l *Loopback) ClearFaults() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = make(map[uint8]*fault)
}

// Hold parks completions until Release is called.
func (l *Loopback) Hold() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = true
}

// Release delivers all parked completions and stops holding.
func (l *Loopback) Release() {
	l.mu.Lock()
	list := l.heldList
	l.heldList = nil
	l.held = false
	l.mu.Unlock()

	for _, h := range list {
		h.done(h.c)
	}
}

// PostEvent completes one outstanding async event request with result.
// It returns false if none is outstanding.
func (l *Loopback) PostEvent(result uint32) bool {
	l.mu.Lock()
	if len(l.aers) == 0 {
		l.mu.Unlock()
		return false
	}
	done := l.aers[0]
	l.aers = l.aers[1:]
	l.mu.Unlock()

	go done(Completion{Status: Status(SCSuccess), Result: result})
	return true
}

// OutstandingEvents returns the number of parked async event requests
func (l *Loopback) OutstandingEvents() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.aers)
}

// ActiveNamespace returns the nsid of the last successful activation
func (l *Loopback) ActiveNamespace() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeNSID
}

// Submitted returns how many commands with opcode op were accepted
func (l *Loopback) Submitted(op uint8) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submitted[op]
}

func (l *Loopback) ReadRegister32(offset uint32) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return 0, fmt.Errorf("%s: read register 0x%x: %w", l.name, offset, ErrTransport)
	}
	switch offset {
	case RegVS:
		return 0x10300, nil
	case RegCC:
		return l.cc, nil
	case RegCSTS:
		return l.csts, nil
	default:
		return 0, fmt.Errorf("%s: register 0x%x is not 32 bit", l.name, offset)
	}
}

func (l *Loopback) ReadRegister64(offset uint32) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return 0, fmt.Errorf("%s: read register 0x%x: %w", l.name, offset, ErrTransport)
	}
	if offset != RegCAP {
		return 0, fmt.Errorf("%s: register 0x%x is not 64 bit", l.name, offset)
	}
	return l.capReg, nil
}

func (l *Loopback) WriteRegister32(offset uint32, value uint32) error {
	l.mu.Lock()
	if l.down {
		l.mu.Unlock()
		return fmt.Errorf("%s: write register 0x%x: %w", l.name, offset, ErrTransport)
	}
	if offset != RegCC {
		l.mu.Unlock()
		return fmt.Errorf("%s: register 0x%x is read only", l.name, offset)
	}

	prev := l.cc
	l.cc = value

	var aborted []func(Completion)
	switch {
	case value&CCEnable != 0 && prev&CCEnable == 0:
		if l.readyDelay > 0 {
			time.AfterFunc(l.readyDelay, l.setReady)
		} else {
			l.csts |= CSTSReady
		}
	case value&CCEnable == 0 && prev&CCEnable != 0:
		l.csts &^= CSTSReady | CSTSShstMask
		aborted = l.aers
		l.aers = nil
	}
	if value&CCShnMask != 0 {
		l.csts = l.csts&^CSTSShstMask | CSTSShstCmplt
	}
	l.mu.Unlock()

	for _, done := range aborted {
		go done(Completion{Status: Status(SCAbortReq)})
	}
	return nil
}

func (l *Loopback) setReady() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cc&CCEnable != 0 {
		l.csts |= CSTSReady
	}
}

func (l *Loopback) Submit(qid uint16, cmd *Command, buf []byte, done func(Completion)) error {
	l.mu.Lock()
	if l.down {
		l.mu.Unlock()
		return fmt.Errorf("%s: submit %s: %w", l.name, cmd, ErrTransport)
	}
	l.submitted[cmd.Opcode]++

	if f, ok := l.faults[cmd.Opcode]; ok && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
		if f.drop {
			l.mu.Unlock()
			return nil
		}
		c := Completion{Status: f.status}
		l.deliverLocked(done, c)
		return nil
	}

	var c Completion
	if qid == AdminQueueID {
		if cmd.Opcode == AdminAsyncEvent {
			l.aers = append(l.aers, done)
			l.mu.Unlock()
			return nil
		}
		c = l.adminLocked(cmd)
	} else {
		c = l.ioLocked(cmd, buf)
	}
	l.deliverLocked(done, c)
	return nil
}

// deliverLocked releases l.mu.
func (l *Loopback) deliverLocked(done func(Completion), c Completion) {
	if l.held {
		l.heldList = append(l.heldList, heldCompletion{done: done, c: c})
		l.mu.Unlock()
		return
	}
	latency := l.latency
	l.mu.Unlock()

	go func() {
		if latency > 0 {
			time.Sleep(latency)
		}
		done(c)
	}()
}

func (l *Loopback) adminLocked(cmd *Command) Completion {
	switch cmd.Opcode {
	case AdminKeepAlive, AdminGetLogPage, AdminSetFeatures, AdminGetFeatures:
		return Completion{}
	case AdminSetActive:
		if _, ok := l.namespaces[cmd.NSID]; !ok {
			return Completion{Status: Status(SCInvalidField | SCDNR)}
		}
		l.activeNSID = cmd.NSID
		return Completion{}
	default:
		return Completion{Status: Status(SCInvalidOpcode | SCDNR)}
	}
}

func (l *Loopback) ioLocked(cmd *Command, buf []byte) Completion {
	ns, ok := l.namespaces[cmd.NSID]
	if !ok {
		return Completion{Status: Status(SCInvalidField | SCDNR)}
	}
	blocks := uint64(cmd.NLB) + 1
	inRange := func(slba, n uint64) bool {
		return slba+n <= ns.id.CapacityBlocks
	}

	switch cmd.Opcode {
	case CmdFlush:
		return Completion{}
	case CmdRead, CmdWrite:
		if !inRange(cmd.SLBA, blocks) {
			return Completion{Status: Status(SCLBARange | SCDNR)}
		}
		if uint64(len(buf)) < blocks<<ns.id.BlockShift {
			return Completion{Status: Status(SCDataXferError | SCDNR)}
		}
		if cmd.Opcode == CmdRead {
			ns.store.read(cmd.SLBA, blocks, buf)
		} else {
			ns.store.write(cmd.SLBA, blocks, buf)
		}
		return Completion{}
	case CmdDSM:
		for _, r := range cmd.Ranges {
			if !inRange(r.SLBA, uint64(r.NLB)) {
				return Completion{Status: Status(SCLBARange | SCDNR)}
			}
			ns.store.discard(r.SLBA, uint64(r.NLB))
		}
		return Completion{}
	default:
		return Completion{Status: Status(SCInvalidOpcode | SCDNR)}
	}
}

func (l *Loopback) IdentifyController(ctx context.Context) (types.ControllerIdentity, error) {
	if err := ctx.Err(); err != nil {
		return types.ControllerIdentity{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return types.ControllerIdentity{}, fmt.Errorf("%s: identify controller: %w", l.name, ErrTransport)
	}
	id := l.identity
	var nn uint32
	for nsid := range l.namespaces {
		if nsid > nn {
			nn = nsid
		}
	}
	if nn > id.NamespaceCount {
		id.NamespaceCount = nn
	}
	return id, nil
}

func (l *Loopback) IdentifyNamespace(ctx context.Context, nsid uint32) (types.NamespaceIdentity, error) {
	if err := ctx.Err(); err != nil {
		return types.NamespaceIdentity{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return types.NamespaceIdentity{}, fmt.Errorf("%s: identify namespace %d: %w", l.name, nsid, ErrTransport)
	}
	ns, ok := l.namespaces[nsid]
	if !ok {
		return types.NamespaceIdentity{}, &StatusError{Opcode: AdminIdentify, Status: Status(SCInvalidField | SCDNR)}
	}
	return ns.id, nil
}

// NamespaceIDs returns attached namespace ids in ascending order
func (l *Loopback) NamespaceIDs() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]uint32, 0, len(l.namespaces))
	for id := range l.namespaces {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
