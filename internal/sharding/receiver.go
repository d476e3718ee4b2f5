package sharding

import (
	"context"

	"github.com/dreamware/meridian/internal/errs"
	"github.com/dreamware/meridian/internal/wire"
)

// Receiver adapts Sharding to transport.Receiver: the peer side of the
// four Runners verbs a remote caller can address to this runner.
type Receiver struct {
	s *Sharding
}

// NewReceiver wraps s for HTTP serving via transport.Server.
func NewReceiver(s *Sharding) *Receiver { return &Receiver{s: s} }

// HandleNotify persists req (if not already) and dispatches it locally,
// mirroring spec.md §4.3's duplicate-handling note for the fire-and-forget
// path: a duplicate is simply not re-executed.
func (r *Receiver) HandleNotify(ctx context.Context, req wire.Request) error {
	if !r.owns(req.Address.ShardID) {
		return errs.New(errs.EntityNotAssignedToRunner, "sharding.Receiver.HandleNotify", req.Address.ShardID.String())
	}
	resolved, err := r.s.dedupe(ctx, req, false)
	if err != nil || resolved == nil {
		return err
	}
	return r.s.entities.Dispatch(ctx, *resolved)
}

// HandleEffect and HandleStream both resolve req through the duplicate
// check, dispatch it locally, and return the reply stream — Effect's
// caller only wants one terminal reply, but the wire shape is identical
// so both are served by the same local dispatch path.
func (r *Receiver) HandleEffect(ctx context.Context, req wire.Request, persisted bool) (wire.Reply, error) {
	replies, err := r.HandleStream(ctx, req, persisted)
	if err != nil {
		return nil, err
	}
	var last wire.Reply
	for reply := range replies {
		last = reply
		if reply.Kind() == wire.KindWithExit {
			break
		}
	}
	return last, nil
}

func (r *Receiver) HandleStream(ctx context.Context, req wire.Request, persisted bool) (<-chan wire.Reply, error) {
	if !r.owns(req.Address.ShardID) {
		return nil, errs.New(errs.EntityNotAssignedToRunner, "sharding.Receiver.HandleStream", req.Address.ShardID.String())
	}

	resolved, replayed, err := r.s.dedupeOrReplay(ctx, req, persisted)
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		out := make(chan wire.Reply, 1)
		out <- replayed
		close(out)
		return out, nil
	}
	return r.s.sendLocal(ctx, *resolved)
}

// HandleEnvelope handles an AckChunk (flow control, recorded in storage)
// or an Interrupt (delivered directly to the named entity's mailbox).
func (r *Receiver) HandleEnvelope(ctx context.Context, env wire.Envelope, persisted bool) error {
	switch e := env.(type) {
	case wire.Interrupt:
		r.s.entities.Interrupt(e.Address, e)
		return nil
	case wire.AckChunk:
		if !persisted {
			return r.s.messages.SaveEnvelope(ctx, env)
		}
		return nil
	default:
		return errs.New(errs.MalformedMessage, "sharding.Receiver.HandleEnvelope", "unknown envelope kind")
	}
}

func (r *Receiver) owns(shard wire.ShardId) bool {
	owner, ok := r.s.ownerOf(shard)
	return ok && owner == r.s.self
}
