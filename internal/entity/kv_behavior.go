package entity

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/dreamware/meridian/internal/wire"
)

// kvPayload is the request/reply body for the built-in "kv" entity type:
// a single key-value namespace per EntityID, generalized from the
// teacher's Shard (a fixed-size partition addressed by numeric ID) into
// one instance per entity address, hosted like any other behavior.
type kvPayload struct {
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Keys  []string        `json:"keys,omitempty"`
}

// IDGenerator mints the snowflake ids a Behavior needs for reply ids
// (spec.md §4.6). *snowflake.Generator satisfies this; kept as a local
// interface so entity does not import snowflake just for one method.
type IDGenerator interface {
	Next() wire.ID
}

// KVBehavior is a minimal in-memory key-value store, the default entity
// type cmd/runner registers so the binary is immediately useful for
// smoke-testing a cluster without an application wired in — the same
// role the teacher's node played by serving a generic KV shard directly
// over HTTP. Recognized request tags: "get", "put", "delete", "list".
type KVBehavior struct {
	ids  IDGenerator
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewKVBehaviorFactory builds the Factory cmd/runner registers for the
// "kv" entity type, closing over the runner's snowflake generator so
// every reply carries a unique, cluster-ordered id rather than a
// hardcoded placeholder.
func NewKVBehaviorFactory(ids IDGenerator) Factory {
	return func(wire.EntityAddress) Behavior {
		return &KVBehavior{ids: ids, data: make(map[string]json.RawMessage)}
	}
}

func (k *KVBehavior) Handle(ctx context.Context, req wire.Request) (<-chan wire.Reply, error) {
	ch := make(chan wire.Reply, 1)

	var in kvPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &in); err != nil {
			ch <- wire.WithExit{ID: k.ids.Next(), RequestID: req.RequestID, Exit: wire.Exit{Status: wire.ExitFailure, Error: err.Error()}}
			close(ch)
			return ch, nil
		}
	}

	out, opErr := k.apply(req.Tag, in)
	if opErr != nil {
		ch <- wire.WithExit{ID: k.ids.Next(), RequestID: req.RequestID, Exit: wire.Exit{Status: wire.ExitFailure, Error: opErr.Error()}}
		close(ch)
		return ch, nil
	}

	value, err := json.Marshal(out)
	if err != nil {
		ch <- wire.WithExit{ID: k.ids.Next(), RequestID: req.RequestID, Exit: wire.Exit{Status: wire.ExitFailure, Error: err.Error()}}
		close(ch)
		return ch, nil
	}
	ch <- wire.WithExit{ID: k.ids.Next(), RequestID: req.RequestID, Exit: wire.Exit{Status: wire.ExitSuccess, Value: value}}
	close(ch)
	return ch, nil
}

func (k *KVBehavior) apply(tag string, in kvPayload) (kvPayload, error) {
	switch tag {
	case "get":
		k.mu.RLock()
		defer k.mu.RUnlock()
		return kvPayload{Key: in.Key, Value: k.data[in.Key]}, nil

	case "put":
		k.mu.Lock()
		k.data[in.Key] = in.Value
		k.mu.Unlock()
		return kvPayload{Key: in.Key}, nil

	case "delete":
		k.mu.Lock()
		delete(k.data, in.Key)
		k.mu.Unlock()
		return kvPayload{Key: in.Key}, nil

	case "list":
		k.mu.RLock()
		keys := make([]string, 0, len(k.data))
		for key := range k.data {
			keys = append(keys, key)
		}
		k.mu.RUnlock()
		sort.Strings(keys)
		return kvPayload{Keys: keys}, nil

	default:
		return kvPayload{}, errUnknownTag(tag)
	}
}

type errUnknownTag string

func (e errUnknownTag) Error() string { return "kv: unknown request tag " + string(e) }
