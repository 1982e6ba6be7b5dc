// Package faultinject provides named fault points that tests arm to force
// failures, skips, suspensions and simulated crashes at exact places in the
// persistent object code paths.
package faultinject

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
)

// Fault point names.
const (
	BeforePendingDeleteFilespaceEntry  = "before_pending_delete_filespace_entry"
	BeforePendingDeleteTablespaceEntry = "before_pending_delete_tablespace_entry"
	AfterCreatePendingBeforeMkdir      = "after_create_pending_before_mkdir"
	AfterCommitRecordBeforeHooks       = "after_commit_record_before_hooks"
	AfterMarkDropPending               = "after_mark_drop_pending"
	AfterAbortRecordBeforeHooks        = "after_abort_record_before_hooks"
	SegmentBeforePrepare               = "segment_before_prepare"
	BeforeCommitPreparedDispatch       = "before_commit_prepared_dispatch"
	MirrorUnreachable                  = "mirror_unreachable"
)

// Type is what happens when an armed fault point is reached.
type Type int

const (
	TypeError Type = iota
	TypeSkip
	TypeSuspend
	TypePanic
)

var (
	// ErrInjected is returned by TypeError faults.
	ErrInjected = errors.New("fault injected")
	// ErrSkip is returned by TypeSkip faults; the caller skips the guarded step.
	ErrSkip = errors.New("fault skip")
)

// Crash is the panic value of TypePanic faults. Tests recover it and then
// simulate a node restart.
type Crash struct {
	Point string
}

func (c Crash) String() string {
	return fmt.Sprintf("simulated crash at %s", c.Point)
}

type fault struct {
	typ       Type
	remaining int // 0 means every hit triggers
	hits      int
	triggered chan struct{}
	resume    chan struct{}
	trigOnce  sync.Once
	once      sync.Once
}

// Handle lets a test observe and release an armed fault.
type Handle struct {
	f *fault
	i *Injector
}

// Injector holds the armed fault points of one node.
type Injector struct {
	mu     sync.Mutex
	faults map[string]*fault
}

func New() *Injector {
	return &Injector{faults: make(map[string]*fault)}
}

// Inject arms name. occurrences limits how many hits trigger; 0 is unlimited.
func (i *Injector) Inject(name string, typ Type, occurrences int) *Handle {
	f := &fault{
		typ:       typ,
		remaining: occurrences,
		triggered: make(chan struct{}),
		resume:    make(chan struct{}),
	}
	i.mu.Lock()
	i.faults[name] = f
	i.mu.Unlock()
	return &Handle{f: f, i: i}
}

// Reset disarms name and releases any goroutine suspended on it.
func (i *Injector) Reset(name string) {
	i.mu.Lock()
	f := i.faults[name]
	delete(i.faults, name)
	i.mu.Unlock()
	if f != nil {
		f.release()
	}
}

// Check is called at a fault point. A nil Injector never triggers.
func (i *Injector) Check(name string) error {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	f, ok := i.faults[name]
	if !ok {
		i.mu.Unlock()
		return nil
	}
	f.hits++
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(i.faults, name)
		}
	}
	i.mu.Unlock()

	logger.Infof("fault injection: %s triggered", name)
	f.signal()
	switch f.typ {
	case TypeError:
		return errors.Wrapf(ErrInjected, "fault %s", name)
	case TypeSkip:
		return ErrSkip
	case TypeSuspend:
		<-f.resume
		return nil
	case TypePanic:
		panic(Crash{Point: name})
	}
	return nil
}

func (f *fault) signal() {
	f.trigOnce.Do(func() { close(f.triggered) })
}

func (f *fault) release() {
	f.once.Do(func() { close(f.resume) })
}

// WaitTriggered blocks until the fault fires or the timeout elapses.
func (h *Handle) WaitTriggered(timeout time.Duration) bool {
	select {
	case <-h.f.triggered:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Resume releases goroutines suspended on a TypeSuspend fault.
func (h *Handle) Resume() {
	h.f.release()
}

func (h *Handle) Hits() int {
	h.i.mu.Lock()
	defer h.i.mu.Unlock()
	return h.f.hits
}

// RecoverCrash runs fn and reports the simulated crash it raised, if any.
// Any other panic is re-raised.
func RecoverCrash(fn func()) (crash *Crash) {
	defer func() {
		if r := recover(); r != nil {
			c, ok := r.(Crash)
			if !ok {
				panic(r)
			}
			crash = &c
		}
	}()
	fn()
	return nil
}
