package shardmanager

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/dreamware/meridian/internal/wire"
)

// EventKind discriminates the shard-manager event bus (spec.md §4.1
// "ShardingEvents"), mirroring the wire package's tagged-union style.
type EventKind string

const (
	KindStreamStarted      EventKind = "StreamStarted"
	KindRunnerRegistered   EventKind = "RunnerRegistered"
	KindRunnerDeregistered EventKind = "RunnerUnregistered"
	KindShardsAssigned     EventKind = "ShardsAssigned"
	KindShardsUnassigned   EventKind = "ShardsUnassigned"
)

// Event is anything the rebalance event bus can publish. A subscriber's
// very first received event is always StreamStarted, letting it
// distinguish "caught up, nothing has happened yet" from "missed
// something before the subscription existed".
type Event interface {
	Kind() EventKind
}

// StreamStarted is always the first event delivered on a new
// subscription.
type StreamStarted struct{}

func (StreamStarted) Kind() EventKind { return KindStreamStarted }

func (e StreamStarted) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Tag EventKind `json:"_tag"`
	}{KindStreamStarted})
}

// RunnerRegistered is published when a runner successfully registers.
type RunnerRegistered struct {
	Runner wire.Runner
}

func (RunnerRegistered) Kind() EventKind { return KindRunnerRegistered }

func (e RunnerRegistered) MarshalJSON() ([]byte, error) {
	type alias RunnerRegistered
	return json.Marshal(struct {
		Tag EventKind `json:"_tag"`
		alias
	}{KindRunnerRegistered, alias(e)})
}

// RunnerUnregistered is published when a runner is removed, whether by
// explicit Unregister or by NotifyUnhealthyRunner finding it dead.
type RunnerUnregistered struct {
	Address wire.RunnerAddress
}

func (RunnerUnregistered) Kind() EventKind { return KindRunnerDeregistered }

func (e RunnerUnregistered) MarshalJSON() ([]byte, error) {
	type alias RunnerUnregistered
	return json.Marshal(struct {
		Tag EventKind `json:"_tag"`
		alias
	}{KindRunnerDeregistered, alias(e)})
}

// ShardsAssigned is published once per shard newly given to a runner.
type ShardsAssigned struct {
	Shard   wire.ShardId
	Address wire.RunnerAddress
}

func (ShardsAssigned) Kind() EventKind { return KindShardsAssigned }

func (e ShardsAssigned) MarshalJSON() ([]byte, error) {
	type alias ShardsAssigned
	return json.Marshal(struct {
		Tag EventKind `json:"_tag"`
		alias
	}{KindShardsAssigned, alias(e)})
}

// ShardsUnassigned is published once per shard taken away from a runner.
type ShardsUnassigned struct {
	Shard   wire.ShardId
	Address wire.RunnerAddress
}

func (ShardsUnassigned) Kind() EventKind { return KindShardsUnassigned }

func (e ShardsUnassigned) MarshalJSON() ([]byte, error) {
	type alias ShardsUnassigned
	return json.Marshal(struct {
		Tag EventKind `json:"_tag"`
		alias
	}{KindShardsUnassigned, alias(e)})
}

// DecodeEvent inspects the "_tag" discriminator a websocket subscriber
// receives and unmarshals into the matching concrete Event, mirroring
// internal/wire's DecodeEnvelope/DecodeReply pattern for the same reason:
// an external subscriber only has bytes, not a Go interface value.
func DecodeEvent(data []byte) (Event, error) {
	var probe struct {
		Tag EventKind `json:"_tag"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.Wrap(err, "shardmanager: probe event")
	}
	switch probe.Tag {
	case KindStreamStarted:
		return StreamStarted{}, nil
	case KindRunnerRegistered:
		var e RunnerRegistered
		err := json.Unmarshal(data, &e)
		return e, err
	case KindRunnerDeregistered:
		var e RunnerUnregistered
		err := json.Unmarshal(data, &e)
		return e, err
	case KindShardsAssigned:
		var e ShardsAssigned
		err := json.Unmarshal(data, &e)
		return e, err
	case KindShardsUnassigned:
		var e ShardsUnassigned
		err := json.Unmarshal(data, &e)
		return e, err
	default:
		return nil, errors.Errorf("shardmanager: unknown event tag %q", probe.Tag)
	}
}
