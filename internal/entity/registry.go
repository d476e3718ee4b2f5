package entity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/meridian/internal/errs"
	"github.com/dreamware/meridian/internal/obslog"
	"github.com/dreamware/meridian/internal/wire"
)

// Config bundles the mailbox tunables from spec.md §6.
type Config struct {
	MailboxCapacity     int
	MaxIdleTime         time.Duration
	RegistrationTimeout time.Duration
	TerminationTimeout  time.Duration
}

// Registry owns every live Mailbox on this runner, lazily constructing
// one on first message and evicting it after MaxIdleTime of inactivity.
// It generalizes the teacher's fixed-size Shard array (one shard per
// integer ID, all created up front) into a dynamically sized map keyed
// by wire.EntityAddress, since Meridian's entity population is open-
// ended and most entities are short-lived.
type Registry struct {
	cfg     Config
	log     *logrus.Entry
	sink    ReplySink
	metrics *obslog.Metrics

	mu         sync.Mutex
	factories  map[string]Factory
	mailboxes  map[wire.EntityAddress]*Mailbox
	runningCtx context.Context

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry builds an empty Registry. sink receives every reply a
// hosted behavior produces, for durable persistence.
func NewRegistry(cfg Config, sink ReplySink, metrics *obslog.Metrics) *Registry {
	return &Registry{
		cfg:       cfg,
		log:       obslog.For("entity"),
		sink:      sink,
		metrics:   metrics,
		factories: make(map[string]Factory),
		mailboxes: make(map[wire.EntityAddress]*Mailbox),
	}
}

// Start begins the idle-eviction sweep. Mailboxes themselves are started
// lazily by Dispatch.
func (r *Registry) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.runningCtx = ctx
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.MaxIdleTime / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evictIdle()
			}
		}
	}()
}

// Stop drains and removes every hosted mailbox, each given up to
// TerminationTimeout to finish in-flight work.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	r.mu.Lock()
	mailboxes := make([]*Mailbox, 0, len(r.mailboxes))
	for _, m := range r.mailboxes {
		mailboxes = append(mailboxes, m)
	}
	r.mailboxes = make(map[wire.EntityAddress]*Mailbox)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range mailboxes {
		wg.Add(1)
		go func(m *Mailbox) {
			defer wg.Done()
			m.Stop(r.cfg.TerminationTimeout)
		}(m)
	}
	wg.Wait()
}

// RegisterEntity binds a handler factory to an entity type, mirroring
// spec.md §4.2's registerEntity(type, behavior).
func (r *Registry) RegisterEntity(entityType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[entityType] = factory
}

// Dispatch enqueues req on its entity's mailbox, lazily constructing the
// mailbox (and its behavior, via the registered factory) if this is the
// first message seen for that address. Construction itself is bounded by
// RegistrationTimeout: a factory that never returns leaves the caller
// blocked no longer than that.
func (r *Registry) Dispatch(ctx context.Context, req wire.Request) error {
	mailbox, err := r.mailboxFor(ctx, req.Address)
	if err != nil {
		return err
	}
	return mailbox.Enqueue(req)
}

// Interrupt delivers a cancellation to the named entity's mailbox, a
// no-op if the entity isn't currently hosted.
func (r *Registry) Interrupt(addr wire.EntityAddress, interrupt wire.Interrupt) {
	r.mu.Lock()
	mailbox, ok := r.mailboxes[addr]
	r.mu.Unlock()
	if ok {
		mailbox.Interrupt(interrupt)
	}
}

func (r *Registry) mailboxFor(ctx context.Context, addr wire.EntityAddress) (*Mailbox, error) {
	r.mu.Lock()
	if mailbox, ok := r.mailboxes[addr]; ok {
		r.mu.Unlock()
		return mailbox, nil
	}

	factory, ok := r.factories[addr.EntityType]
	if !ok {
		r.mu.Unlock()
		return nil, errs.New(errs.EntityNotManagedByRunner, "entity.Registry.Dispatch", addr.EntityType)
	}
	runCtx := r.runningCtx
	r.mu.Unlock()

	type built struct {
		mailbox *Mailbox
		err     error
	}
	result := make(chan built, 1)
	go func() {
		behavior := factory(addr)
		result <- built{mailbox: newMailbox(addr, behavior, r.cfg.MailboxCapacity, r.sink, r.log)}
	}()

	select {
	case b := <-result:
		if b.err != nil {
			return nil, b.err
		}
		return r.install(runCtx, addr, b.mailbox), nil
	case <-time.After(r.cfg.RegistrationTimeout):
		return nil, errs.New(errs.EntityNotManagedByRunner, "entity.Registry.Dispatch", addr.String()+": registration timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) install(runCtx context.Context, addr wire.EntityAddress, mailbox *Mailbox) *Mailbox {
	r.mu.Lock()
	if existing, ok := r.mailboxes[addr]; ok {
		r.mu.Unlock()
		return existing
	}
	r.mailboxes[addr] = mailbox
	r.mu.Unlock()

	if runCtx == nil {
		runCtx = context.Background()
	}
	mailbox.Start(runCtx)
	if r.metrics != nil {
		r.metrics.MailboxDepth.WithLabelValues(addr.EntityType).Inc()
	}
	return mailbox
}

// DrainShard stops and removes every hosted entity whose ShardID matches
// shard, used when a shard is revoked from this runner (spec.md §4.2:
// "marks all hosted entities of that shard for graceful termination").
func (r *Registry) DrainShard(shard wire.ShardId) {
	r.mu.Lock()
	var toDrop []*Mailbox
	for addr, m := range r.mailboxes {
		if addr.ShardID == shard {
			toDrop = append(toDrop, m)
			delete(r.mailboxes, addr)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range toDrop {
		wg.Add(1)
		go func(m *Mailbox) {
			defer wg.Done()
			m.Stop(r.cfg.TerminationTimeout)
		}(m)
	}
	wg.Wait()
}

func (r *Registry) evictIdle() {
	r.mu.Lock()
	var idle []wire.EntityAddress
	for addr, m := range r.mailboxes {
		if m.IdleFor() >= r.cfg.MaxIdleTime {
			idle = append(idle, addr)
		}
	}
	var toDrop []*Mailbox
	for _, addr := range idle {
		toDrop = append(toDrop, r.mailboxes[addr])
		delete(r.mailboxes, addr)
	}
	r.mu.Unlock()

	for _, m := range toDrop {
		m.Stop(r.cfg.TerminationTimeout)
	}
}
