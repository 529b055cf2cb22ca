// Package callstack tracks asynchronous call chains issued while serving a
// request.
//
// A Stack represents one top-level request and carries the caller identity.
// Its root Frame is bound to the top-level handler. A handler issues a
// downstream call with Wind, which pushes a child frame and records the
// callback that receives the result. The downstream side completes the call
// with Unwind, which records the outcome on the stack, invokes the callback
// on the parent frame and releases the child.
//
// A stack is reclaimed only after Destroy has been called and every wound
// frame has unwound. Stacks interrupted by a disconnect are drained with
// UnwindOutstanding so every wound frame completes exactly once.
package callstack

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/mempool"
)

var (
	// ErrNilFrame is returned when a nil frame is wound from or unwound.
	ErrNilFrame = errors.New("callstack: nil frame")

	// ErrFrameComplete is returned when a frame is unwound twice.
	ErrFrameComplete = errors.New("callstack: frame already unwound")

	// ErrRootFrame is returned when the root frame of a stack is unwound.
	ErrRootFrame = errors.New("callstack: cannot unwind root frame")

	// ErrStackDestroyed is returned when winding on a destroyed stack.
	ErrStackDestroyed = errors.New("callstack: stack destroyed")
)

// Component identifies the layer a frame belongs to. The component that
// raised an error is recorded on the stack for diagnostics.
type Component interface {
	Name() string
}

// ComponentName is a Component identified by name alone.
type ComponentName string

// Name returns the component name.
func (c ComponentName) Name() string { return string(c) }

// Callback receives the result of a wound call. frame is the parent frame
// that issued the call and this is the parent's component.
type Callback func(frame *Frame, cookie any, this Component, opRet int, opErrno unix.Errno, args ...any)

// Identity is the caller identity carried by a stack.
type Identity struct {
	UID        uint32
	GID        uint32
	Pid        int32
	Groups     []uint32
	LkOwner    []byte
	Identifier string
	Op         int32
}

// Pool owns every live stack of a process. It hands out stacks and frames
// from typed mempools.
type Pool struct {
	mu     sync.Mutex
	stacks map[*Stack]struct{}
	unique atomic.Uint64

	arena  *mempool.Arena
	stackP *mempool.Pool[Stack, *Stack]
	frameP *mempool.Pool[Frame, *Frame]
}

// NewPool creates a call pool. Stacks and frames are cached on arena, which
// may be nil.
func NewPool(arena *mempool.Arena) *Pool {
	return &Pool{
		stacks: make(map[*Stack]struct{}),
		arena:  arena,
		stackP: mempool.New[Stack]("call-stack", func(s *Stack) { *s = Stack{} }),
		frameP: mempool.New[Frame]("call-frame", func(f *Frame) { *f = Frame{} }),
	}
}

// Count returns the number of stacks that have not been destroyed.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stacks)
}

// Stacks returns a snapshot of the live stacks.
func (p *Pool) Stacks() []*Stack {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stack, 0, len(p.stacks))
	for s := range p.stacks {
		out = append(out, s)
	}
	return out
}

// FrameStats returns the frame mempool counters.
func (p *Pool) FrameStats() mempool.Stats {
	return p.frameP.Stats()
}

// NewStack creates a stack for id and returns its root frame, bound to
// this.
func (p *Pool) NewStack(id Identity, this Component) *Frame {
	s := p.stackP.Get(p.arena)
	s.pool = p
	s.Unique = p.unique.Add(1)
	s.ID = uuid.New()
	s.Identity = id
	s.Groups = append([]uint32(nil), id.Groups...)
	s.LkOwner = append([]byte(nil), id.LkOwner...)
	s.ctime = time.Now()

	root := p.frameP.Get(p.arena)
	root.Root = s
	root.This = this
	root.Begin = s.ctime
	s.frames = append(s.frames, root)

	p.mu.Lock()
	p.stacks[s] = struct{}{}
	p.mu.Unlock()
	return root
}

// CopyFrame creates a new stack carrying the identity of frame's stack.
func (p *Pool) CopyFrame(frame *Frame) (*Frame, error) {
	if frame == nil || frame.Root == nil {
		logger.Error("callstack: copy of nil frame")
		return nil, ErrNilFrame
	}
	s := frame.Root
	s.mu.Lock()
	id := s.Identity
	s.mu.Unlock()
	return p.NewStack(id, frame.This), nil
}

// Stack is one top-level request and the frames wound while serving it.
type Stack struct {
	mempool.Header

	Identity
	Unique uint64
	ID     uuid.UUID

	pool  *Pool
	ctime time.Time

	mu        sync.Mutex
	frames    []*Frame
	err       unix.Errno
	errComp   Component
	destroyed bool
	drainers  []chan struct{}
}

// Created returns the creation time of the stack.
func (s *Stack) Created() time.Time {
	return s.ctime
}

// Error returns the recorded error and the component that raised it.
func (s *Stack) Error() (unix.Errno, Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err, s.errComp
}

// FrameCount returns the number of frames, root included.
func (s *Stack) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Outstanding returns the number of wound frames that have not unwound.
func (s *Stack) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames) - 1
}

// String implements fmt.Stringer.
func (s *Stack) String() string {
	return fmt.Sprintf("stack{unique=%d id=%s uid=%d gid=%d pid=%d op=%d}",
		s.Unique, s.ID, s.UID, s.GID, s.Pid, s.Op)
}

// Destroy removes the stack from its pool. Memory is reclaimed once every
// wound frame has unwound; until then the stack stays usable for unwinds.
func (s *Stack) Destroy() {
	p := s.pool
	p.mu.Lock()
	delete(p.stacks, s)
	p.mu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	reclaim := len(s.frames) == 1
	s.mu.Unlock()

	if reclaim {
		s.reclaim()
	}
}

// Drain blocks until every wound frame has unwound or ctx is done.
func (s *Stack) Drain(ctx context.Context) error {
	s.mu.Lock()
	if len(s.frames) <= 1 {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.drainers = append(s.drainers, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset releases every wound frame that has not unwound, without invoking
// callbacks. The root frame is kept. It returns the number of frames
// released.
func (s *Stack) Reset() int {
	s.mu.Lock()
	var dropped []*Frame
	all := s.frames
	kept := s.frames[:1]
	for _, f := range s.frames[1:] {
		if f.Complete {
			// Unwinding right now, detach will release it.
			kept = append(kept, f)
			continue
		}
		f.Complete = true
		dropped = append(dropped, f)
	}
	s.frames = kept
	// Pooled frames must not stay reachable through the backing array.
	clear(all[len(kept):])
	s.notifyDrained()
	reclaim := s.destroyed && len(s.frames) == 1 && len(dropped) > 0
	p := s.pool
	s.mu.Unlock()

	for _, f := range dropped {
		p.frameP.Put(f)
	}
	if reclaim {
		s.reclaim()
	}
	return len(dropped)
}

// UnwindOutstanding unwinds every wound frame that has not completed with
// -1/errno, newest first so children complete before their parents. It
// returns the number of frames unwound.
func (s *Stack) UnwindOutstanding(errno unix.Errno) int {
	n := 0
	for {
		s.mu.Lock()
		var leaf *Frame
		for i := len(s.frames) - 1; i > 0; i-- {
			if !s.frames[i].Complete {
				leaf = s.frames[i]
				leaf.Complete = true
				break
			}
		}
		s.mu.Unlock()

		if leaf == nil {
			return n
		}
		s.finish(leaf, -1, errno, nil)
		n++
	}
}

// notifyDrained must be called with s.mu held.
func (s *Stack) notifyDrained() {
	if len(s.frames) > 1 {
		return
	}
	for _, ch := range s.drainers {
		close(ch)
	}
	s.drainers = nil
}

func (s *Stack) detach(f *Frame) (reclaim bool) {
	s.mu.Lock()
	for i, fr := range s.frames {
		if fr == f {
			s.frames = slices.Delete(s.frames, i, i+1)
			break
		}
	}
	s.notifyDrained()
	reclaim = s.destroyed && len(s.frames) == 1
	p := s.pool
	s.mu.Unlock()

	p.frameP.Put(f)
	return reclaim
}

func (s *Stack) reclaim() {
	p := s.pool
	s.mu.Lock()
	frames := s.frames
	s.frames = nil
	s.mu.Unlock()

	for _, f := range frames {
		p.frameP.Put(f)
	}
	p.stackP.Put(s)
}

// Frame is one call in a stack.
type Frame struct {
	mempool.Header

	Root   *Stack
	Parent *Frame
	This   Component
	Cookie any
	Local  any
	Op     int32

	Begin time.Time
	End   time.Time

	Complete   bool
	WindFrom   string
	WindTo     string
	UnwindFrom string
	UnwindTo   string

	ret Callback
}

// Wind issues a downstream call from parent. A child frame is pushed on the
// stack, cb is registered to receive its result and fn is invoked with the
// child. A nil cookie makes the child frame its own cookie.
func Wind(parent *Frame, cb Callback, cookie any, this Component, fn func(child *Frame)) (*Frame, error) {
	if parent == nil || parent.Root == nil {
		logger.Error("callstack: wind from nil frame")
		return nil, ErrNilFrame
	}
	s := parent.Root
	p := s.pool

	child := p.frameP.Get(p.arena)
	child.Root = s
	child.Parent = parent
	child.This = this
	child.ret = cb
	child.Cookie = cookie
	if cookie == nil {
		child.Cookie = child
	}
	child.Op = s.Op
	child.Begin = time.Now()
	if parent.This != nil {
		child.WindFrom = parent.This.Name()
	}
	if this != nil {
		child.WindTo = this.Name()
	}

	s.mu.Lock()
	if s.destroyed && len(s.frames) <= 1 {
		s.mu.Unlock()
		p.frameP.Put(child)
		return nil, ErrStackDestroyed
	}
	s.frames = append(s.frames, child)
	s.mu.Unlock()

	logger.Debug("callstack: %d winding from %s to %s", s.Unique, child.WindFrom, child.WindTo)
	if fn != nil {
		fn(child)
	}
	return child, nil
}

// Unwind completes frame with the outcome of the call.
//
// The first failure is recorded on the stack with the component that raised
// it; a later, different failure does not replace it, while a success
// clears it. The parent's callback is then invoked and frame is released.
// frame must not be used after Unwind returns.
func Unwind(frame *Frame, opRet int, opErrno unix.Errno, args ...any) error {
	if frame == nil || !mempool.IsLive(frame) || frame.Root == nil {
		logger.Error("callstack: unwind of nil frame")
		return ErrNilFrame
	}
	parent := frame.Parent
	if parent == nil {
		logger.Error("callstack: unwind of root frame of stack %d", frame.Root.Unique)
		return ErrRootFrame
	}
	s := frame.Root

	s.mu.Lock()
	if frame.Complete {
		s.mu.Unlock()
		return ErrFrameComplete
	}
	frame.Complete = true
	s.mu.Unlock()

	s.finish(frame, opRet, opErrno, args)
	return nil
}

// finish runs the completion of a frame already marked complete.
func (s *Stack) finish(frame *Frame, opRet int, opErrno unix.Errno, args []any) {
	parent := frame.Parent

	s.mu.Lock()
	switch {
	case opRet < 0 && s.err == 0:
		s.err = opErrno
		s.errComp = frame.This
	case opRet >= 0:
		s.err = 0
		s.errComp = nil
	}
	frame.End = time.Now()
	if parent.This != nil {
		frame.UnwindTo = parent.This.Name()
	}
	if frame.This != nil {
		frame.UnwindFrom = frame.This.Name()
	}
	if parent.Parent == nil {
		parent.End = frame.End
	}
	s.mu.Unlock()

	if opRet < 0 {
		logger.Debug("callstack: %d %s returned %d (%v)", s.Unique, frame.UnwindFrom, opRet, opErrno)
	}
	if frame.ret != nil {
		frame.ret(parent, frame.Cookie, parent.This, opRet, opErrno, args...)
	}

	if s.detach(frame) {
		s.reclaim()
	}
}
