package lowpan

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the five compile-time constants of spec §6. In this Go port
// they are loaded at startup (internal/config) rather than baked in at
// compile time, but they retain the same meaning and defaults RFC 4944
// suggests.
type Config struct {
	// FragQLength sizes the context array: must accommodate RX + TX + FW +
	// bridge concurrently.
	FragQLength int
	// MaxFragments sets the initial slot capacity of each context. Neither
	// Send nor Receive rejects a datagram that needs more slots than this.
	MaxFragments int
	// MaxSize ceilings outbound datagram length (Send returns ErrFail above
	// it).
	MaxSize int
	// TxMaxPackets caps per-context concurrent in-flight link fragments.
	TxMaxPackets int
	// FragmentTimeout is the reassembly timeout.
	FragmentTimeout time.Duration
}

// DefaultConfig mirrors the values RFC 4944 and spec §6 suggest.
func DefaultConfig() Config {
	return Config{
		FragQLength:     8,
		MaxFragments:    16,
		MaxSize:         MaxDatagramSize,
		TxMaxPackets:    2,
		FragmentTimeout: 60 * time.Second,
	}
}

// Queue is the fixed-size pool of fragment contexts (spec §3 "Queue-global
// state") plus every collaborator the core needs to drive state forward.
// All mutation and any read spanning more than one field runs under mu,
// matching spec §5's single-lock critical-section discipline (the
// production target's DISABLE_INTERRUPTS/ENABLE_INTERRUPTS pair collapses
// to a single sync.Mutex on an OS-thread target, per spec §9).
type Queue struct {
	mu       sync.Mutex
	contexts []FragmentContext
	nextTag  uint16

	cfg Config

	pool    PacketPool
	link    LinkLayer
	iphc    IPHCLayer
	upper   UpperLayer
	bridge  Bridge
	serial  Serial
	ident   Identity
	rand    RandomSource
	timers  TimerService
	recents *recentTags
	sched   *txScheduler

	log zerolog.Logger
}

// Collaborators bundles every external interface the queue consumes (spec
// §6), so construction reads as one call instead of nine positional
// arguments.
type Collaborators struct {
	Pool     PacketPool
	Link     LinkLayer
	IPHC     IPHCLayer
	Upper    UpperLayer
	Bridge   Bridge
	Serial   Serial
	Identity Identity
	Random   RandomSource
	Timers   TimerService
}

// NewQueue allocates the fixed-size context array and seeds the tag counter
// from the random source, per spec §6 ("Random: get16b()... used once at
// init to seed the tag counter").
func NewQueue(cfg Config, c Collaborators, logger zerolog.Logger) *Queue {
	q := &Queue{
		contexts: make([]FragmentContext, cfg.FragQLength),
		cfg:      cfg,
		pool:     c.Pool,
		link:     c.Link,
		iphc:     c.IPHC,
		upper:    c.Upper,
		bridge:   c.Bridge,
		serial:   c.Serial,
		ident:    c.Identity,
		rand:     c.Random,
		timers:   c.Timers,
		recents:  newRecentTags(2 * cfg.FragmentTimeout),
		log:      logger,
	}
	for i := range q.contexts {
		q.contexts[i].Index = i
		q.contexts[i].Slots = make([]FragmentSlot, 0, cfg.MaxFragments)
	}
	if c.Random != nil {
		q.nextTag = c.Random.Get16b()
	}
	q.sched = newTxScheduler(q, cfg.TxMaxPackets)
	return q
}

// nextTagLocked returns a fresh 16-bit tag, wrapping at 0xFFFF (spec §3,
// §8 property 6). Per spec §9's Design Note, it optionally scans active
// contexts to make uniqueness-under-wrap strict; FragQLength is always
// tiny compared to 65536 so the scan is cheap.
func (q *Queue) nextTagLocked(src, dst uint64) uint16 {
	for {
		tag := q.nextTag
		q.nextTag++
		if !q.tagInUseLocked(src, dst, tag) {
			return tag
		}
	}
}

func (q *Queue) tagInUseLocked(src, dst uint64, tag uint16) bool {
	for i := range q.contexts {
		c := &q.contexts[i]
		if c.InUse == Free {
			continue
		}
		if c.Src == src && c.Dst == dst && c.DatagramTag == tag {
			return true
		}
	}
	return false
}

// Free reports the number of contexts strictly in the FREE state (spec §9
// Design Note: "treat free as strictly in_use == FREE", resolving the
// fragment_bufferCountFree ambiguity).
func (q *Queue) Free() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.freeLocked()
}

func (q *Queue) freeLocked() int {
	n := 0
	for i := range q.contexts {
		if q.contexts[i].InUse == Free {
			n++
		}
	}
	return n
}

// allocateLocked reserves the first FREE context, or reports failure if the
// pool is exhausted (spec §7 ERR_NO_FREE_FRAGMENT_BUFFER).
func (q *Queue) allocateLocked() (*FragmentContext, bool) {
	for i := range q.contexts {
		if q.contexts[i].InUse == Free {
			q.contexts[i].InUse = Reserved
			return &q.contexts[i], true
		}
	}
	return nil, false
}

// lookupLocked finds the unique context for (dir,src,dst,tag,size), relying
// on the at-most-one-context-per-tuple invariant (spec §3).
func (q *Queue) lookupLocked(dir Direction, src, dst uint64, tag uint16, size int) *FragmentContext {
	for i := range q.contexts {
		c := &q.contexts[i]
		if c.InUse == Free {
			continue
		}
		if c.Dir == dir && c.Src == src && c.Dst == dst && c.DatagramTag == tag && c.DatagramSize == size {
			return c
		}
	}
	return nil
}

// releaseLocked returns a context to FREE, canceling its timer first (spec
// §5 "reassembly timer is guaranteed to be canceled before the context is
// freed") and freeing any packet buffer it still references. Freeing an
// already-FREE or nil context is the FREEING_ERROR case (spec §7); callers
// are expected to check InUse first, so this is only reachable through a
// programming error.
func (q *Queue) releaseLocked(ctx *FragmentContext) {
	cancelReassemblyTimer(ctx)
	for i := range ctx.Slots {
		s := &ctx.Slots[i]
		if s.Packet != nil && s.Packet != ctx.Msg {
			q.pool.FreeAtomic(s.Packet)
		}
		s.Packet = nil
	}
	if ctx.Msg != nil {
		q.pool.FreeAtomic(ctx.Msg)
	}
	q.recents.markCompleted(ctx.Dir, ctx.Src, ctx.Dst, ctx.DatagramTag)
	ctx.free()
}

// releaseKeepMsgLocked is releaseLocked's counterpart for a successful
// ASSEMBLE: every slot's link-fragment buffer is freed as usual, but the
// reassembled datagram itself is handed back to the caller instead of being
// freed, so it can be delivered to the upper layer after the lock is
// dropped (spec §5).
func (q *Queue) releaseKeepMsgLocked(ctx *FragmentContext) Datagram {
	cancelReassemblyTimer(ctx)
	for i := range ctx.Slots {
		s := &ctx.Slots[i]
		if s.Packet != nil && s.Packet != ctx.Msg {
			q.pool.FreeAtomic(s.Packet)
		}
		s.Packet = nil
	}
	msg := ctx.Msg
	q.recents.markCompleted(ctx.Dir, ctx.Src, ctx.Dst, ctx.DatagramTag)
	ctx.free()
	return msg
}

// withLock runs fn with the queue mutex held, for this package's tests that
// need a consistent read across multiple context fields.
func (q *Queue) withLock(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn()
}
