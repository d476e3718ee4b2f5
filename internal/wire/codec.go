package wire

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformed marks a decode failure on a stored envelope or reply. Per
// spec.md §7, storage and sharding treat this as a defect: the offending
// message is excluded, a WithExit(die) reply is written in its place, and
// a warning is logged. Callers should compare with errors.Is.
var ErrMalformed = errors.New("wire: malformed message")

// DecodeEnvelope inspects the "_tag" discriminator and unmarshals into the
// matching concrete Envelope type. Unknown tags and decode failures are
// wrapped in ErrMalformed.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var probe struct {
		Tag EnvelopeKind `json:"_tag"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "envelope probe: %v", err)
	}
	switch probe.Tag {
	case KindRequest:
		var r Request
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "decode Request: %v", err)
		}
		return r, nil
	case KindAckChunk:
		var a AckChunk
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "decode AckChunk: %v", err)
		}
		return a, nil
	case KindInterrupt:
		var i Interrupt
		if err := json.Unmarshal(data, &i); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "decode Interrupt: %v", err)
		}
		return i, nil
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown envelope tag %q", probe.Tag)
	}
}

// EncodeEnvelope is a thin wrapper over json.Marshal provided for symmetry
// with DecodeEnvelope; every Envelope implementation already renders its
// own "_tag" field via MarshalJSON.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	return data, nil
}

// DecodeReply inspects the "_tag" discriminator and unmarshals into the
// matching concrete Reply type.
func DecodeReply(data []byte) (Reply, error) {
	var probe struct {
		Tag ReplyKind `json:"_tag"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "reply probe: %v", err)
	}
	switch probe.Tag {
	case KindChunk:
		var c Chunk
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "decode Chunk: %v", err)
		}
		return c, nil
	case KindWithExit:
		var w WithExit
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, errors.Wrapf(ErrMalformed, "decode WithExit: %v", err)
		}
		return w, nil
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown reply tag %q", probe.Tag)
	}
}

// EncodeReply mirrors EncodeEnvelope for the Reply union.
func EncodeReply(r Reply) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("wire: encode reply: %w", err)
	}
	return data, nil
}

// sqlRow is the msgpack-encoded shape persisted by the SQL storage
// backend's message, envelope and reply tables (spec.md §6 "SQL schema").
// Body holds the envelope's or reply's JSON encoding unchanged, so a row is
// a few bytes larger than that JSON, not smaller.
type sqlRow struct {
	Tag  string `msgpack:"tag"`
	Body []byte `msgpack:"body"`
}

// EncodeEnvelopeRow packs an envelope into the row format the SQL backend
// stores in the "body" column of its messages and envelopes tables.
func EncodeEnvelopeRow(e Envelope) ([]byte, error) {
	body, err := EncodeEnvelope(e)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(sqlRow{Tag: string(e.Kind()), Body: body})
}

// DecodeEnvelopeRow is the inverse of EncodeEnvelopeRow.
func DecodeEnvelopeRow(data []byte) (Envelope, error) {
	var row sqlRow
	if err := msgpack.Unmarshal(data, &row); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "unpack envelope row: %v", err)
	}
	return DecodeEnvelope(row.Body)
}

// EncodeReplyRow packs a reply into the row format the SQL backend stores
// in its reply table.
func EncodeReplyRow(r Reply) ([]byte, error) {
	body, err := EncodeReply(r)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(sqlRow{Tag: string(r.Kind()), Body: body})
}

// DecodeReplyRow is the inverse of EncodeReplyRow.
func DecodeReplyRow(data []byte) (Reply, error) {
	var row sqlRow
	if err := msgpack.Unmarshal(data, &row); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "unpack reply row: %v", err)
	}
	return DecodeReply(row.Body)
}
