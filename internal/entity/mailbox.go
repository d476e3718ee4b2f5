package entity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/meridian/internal/errs"
	"github.com/dreamware/meridian/internal/wire"
)

// Behavior is the handler clause registered for an entity type. Handle is
// invoked once per request, serially with respect to every other request
// addressed to the same entity; it returns a channel of zero or more
// Chunks followed by exactly one terminal WithExit.
type Behavior interface {
	Handle(ctx context.Context, req wire.Request) (<-chan wire.Reply, error)
}

// Factory constructs the Behavior backing one entity instance the first
// time a message addresses it.
type Factory func(addr wire.EntityAddress) Behavior

// ReplySink receives every reply a mailbox's behavior produces, in
// order, for durable persistence and delivery to waiting callers.
type ReplySink func(req wire.Request, replies <-chan wire.Reply)

type mailboxItem struct {
	request *wire.Request
}

// Mailbox is one bounded, FIFO queue dedicated to a single EntityAddress,
// drained by one goroutine so messages to the same entity are always
// processed in arrival order (spec.md §5 "Per-entity" ordering).
type Mailbox struct {
	addr     wire.EntityAddress
	behavior Behavior
	sink     ReplySink
	log      *logrus.Entry

	lastActiveMS atomic.Int64

	mu            sync.Mutex
	queue         chan mailboxItem
	currentID     wire.ID
	hasCurrent    bool
	cancelCurrent context.CancelFunc
	runCancel     context.CancelFunc
	stopped       bool

	done chan struct{}
}

func newMailbox(addr wire.EntityAddress, behavior Behavior, capacity int, sink ReplySink, log *logrus.Entry) *Mailbox {
	m := &Mailbox{
		addr:     addr,
		behavior: behavior,
		sink:     sink,
		log:      log,
		queue:    make(chan mailboxItem, capacity),
		done:     make(chan struct{}),
	}
	m.touch()
	return m
}

func (m *Mailbox) touch() {
	m.lastActiveMS.Store(time.Now().UnixMilli())
}

// IdleFor reports how long it has been since the mailbox last started
// processing a message.
func (m *Mailbox) IdleFor() time.Duration {
	last := time.UnixMilli(m.lastActiveMS.Load())
	return time.Since(last)
}

// Enqueue offers req to the mailbox, failing immediately with a
// MailboxFull error if the queue is at capacity rather than blocking the
// caller (spec.md §4.2: "On overflow, send fails with MailboxFull").
func (m *Mailbox) Enqueue(req wire.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errs.New(errs.EntityNotManagedByRunner, "entity.Mailbox.Enqueue", m.addr.String()+": mailbox stopped")
	}
	select {
	case m.queue <- mailboxItem{request: &req}:
		return nil
	default:
		return errs.New(errs.MailboxFull, "entity.Mailbox.Enqueue", m.addr.String())
	}
}

// Interrupt cancels the request it names if it is the one currently
// executing. It acts directly on the running request rather than
// queuing behind it — queuing would leave the interrupt stuck until the
// very request it's meant to cancel finishes on its own.
func (m *Mailbox) Interrupt(interrupt wire.Interrupt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasCurrent && m.currentID == interrupt.RequestID && m.cancelCurrent != nil {
		m.cancelCurrent()
	}
}

// Start launches the dedicated goroutine that drains the mailbox
// serially, derived from parentCtx so an owning registry shutdown
// cancels every hosted mailbox at once.
func (m *Mailbox) Start(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	m.mu.Lock()
	m.runCancel = cancel
	m.mu.Unlock()
	go m.run(ctx)
}

func (m *Mailbox) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-m.queue:
			if !ok {
				return
			}
			m.touch()
			m.handleRequest(ctx, *item.request)
		}
	}
}

func (m *Mailbox) handleRequest(ctx context.Context, req wire.Request) {
	reqCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancelCurrent = cancel
	m.currentID = req.RequestID
	m.hasCurrent = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.cancelCurrent = nil
		m.hasCurrent = false
		m.mu.Unlock()
		cancel()
	}()

	replies, err := m.behavior.Handle(reqCtx, req)
	if err != nil {
		m.log.WithError(err).WithField("entity", m.addr.String()).Warn("behavior rejected request")
		dead := make(chan wire.Reply, 1)
		dead <- wire.WithExit{RequestID: req.RequestID, Exit: wire.Exit{Status: wire.ExitDie, Error: err.Error()}}
		close(dead)
		m.sink(req, dead)
		return
	}
	m.sink(req, replies)
}

// Stop closes the mailbox to new work and lets whatever is already
// queued keep draining for up to terminationTimeout before forcibly
// cancelling the in-flight request (spec.md §5: "if the entity does not
// yield within entityTerminationTimeout, it is forcibly dropped").
func (m *Mailbox) Stop(terminationTimeout time.Duration) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.queue)
	m.mu.Unlock()

	select {
	case <-m.done:
		return
	case <-time.After(terminationTimeout):
	}

	m.mu.Lock()
	cancel := m.runCancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-m.done
}
