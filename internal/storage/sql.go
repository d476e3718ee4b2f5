package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	// modernc.org/sqlite registers the "sqlite" driver; it's a pure-Go
	// implementation, so the production binary stays cgo-free.
	_ "modernc.org/sqlite"

	"github.com/dreamware/meridian/internal/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	request_id  TEXT PRIMARY KEY,
	shard_group TEXT NOT NULL,
	shard_id    INTEGER NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	tag         TEXT NOT NULL,
	dedup_key   TEXT NOT NULL DEFAULT '',
	deliver_at  INTEGER,
	exited      INTEGER NOT NULL DEFAULT 0,
	body        BLOB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS messages_primary_key
	ON messages(entity_type, entity_id, tag, dedup_key)
	WHERE dedup_key != '';
CREATE INDEX IF NOT EXISTS messages_shard_deliver
	ON messages(shard_group, shard_id, deliver_at);

CREATE TABLE IF NOT EXISTS envelopes (
	id            TEXT NOT NULL,
	request_id    TEXT NOT NULL,
	kind          TEXT NOT NULL,
	ack_reply_id  TEXT,
	body          BLOB NOT NULL,
	PRIMARY KEY (id, request_id)
);
CREATE INDEX IF NOT EXISTS envelopes_request ON envelopes(request_id);

CREATE TABLE IF NOT EXISTS replies (
	request_id TEXT NOT NULL,
	reply_id   TEXT NOT NULL,
	kind       TEXT NOT NULL,
	sequence   INTEGER,
	body       BLOB NOT NULL,
	PRIMARY KEY (request_id, reply_id)
);
CREATE INDEX IF NOT EXISTS replies_request_sequence ON replies(request_id, sequence);

CREATE TABLE IF NOT EXISTS runners (
	host         TEXT NOT NULL,
	port         INTEGER NOT NULL,
	weight       INTEGER NOT NULL,
	groups       TEXT NOT NULL,
	last_beat_ms INTEGER NOT NULL,
	PRIMARY KEY (host, port)
);

CREATE TABLE IF NOT EXISTS shard_locks (
	shard_group    TEXT NOT NULL,
	shard_id       INTEGER NOT NULL,
	owner_host     TEXT NOT NULL,
	owner_port     INTEGER NOT NULL,
	acquired_at_ms INTEGER NOT NULL,
	PRIMARY KEY (shard_group, shard_id)
);
`

// OpenDB opens (creating if necessary) a sqlite database at path and
// applies the storage schema. path may be ":memory:" for ephemeral use.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open sqlite")
	}
	// sqlite serializes writers internally; a single connection avoids
	// SQLITE_BUSY churn against the default connection pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "storage: apply schema")
	}
	return db, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// SQLMessageStorage is the production MessageStorage backend, backed by a
// sqlite database via modernc.org/sqlite (spec.md §4.4: "the encoded-row
// shape is what the SQL adapter speaks").
type SQLMessageStorage struct {
	db *sql.DB
}

// NewSQLMessageStorage wraps an already-opened, schema-applied database
// handle (see OpenDB).
func NewSQLMessageStorage(db *sql.DB) *SQLMessageStorage {
	return &SQLMessageStorage{db: db}
}

func (s *SQLMessageStorage) SaveRequest(ctx context.Context, req *wire.Request) (wire.SaveResult, error) {
	body, err := wire.EncodeEnvelopeRow(*req)
	if err != nil {
		return wire.SaveResult{}, err
	}

	var deliverAt sql.NullInt64
	if req.DeliverAt != nil {
		deliverAt = sql.NullInt64{Int64: *req.DeliverAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (request_id, shard_group, shard_id, entity_type, entity_id, tag, dedup_key, deliver_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID.String(), req.Address.ShardID.Group, req.Address.ShardID.ID,
		req.Address.EntityType, req.Address.EntityID, req.Tag, req.Key, deliverAt, body)
	if err == nil {
		return wire.Success(), nil
	}
	if !isUniqueViolation(err) || req.Key == "" {
		return wire.SaveResult{}, errors.Wrap(err, "storage: save request")
	}

	var existingIDStr string
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id FROM messages
		WHERE entity_type = ? AND entity_id = ? AND tag = ? AND dedup_key = ?`,
		req.Address.EntityType, req.Address.EntityID, req.Tag, req.Key)
	if err := row.Scan(&existingIDStr); err != nil {
		return wire.SaveResult{}, errors.Wrap(err, "storage: resolve duplicate")
	}
	existingID, err := parseID(existingIDStr)
	if err != nil {
		return wire.SaveResult{}, err
	}

	last, err := s.lastReply(ctx, existingID)
	if err != nil {
		return wire.SaveResult{}, err
	}
	return wire.DuplicateOf(existingID, last), nil
}

func (s *SQLMessageStorage) SaveEnvelope(ctx context.Context, env wire.Envelope) error {
	var id, requestID wire.ID
	var ackReplyID sql.NullString
	switch e := env.(type) {
	case wire.AckChunk:
		id, requestID = e.ID, e.RequestID
		ackReplyID = sql.NullString{String: e.ReplyID.String(), Valid: true}
	case wire.Interrupt:
		id, requestID = e.ID, e.RequestID
	default:
		return errMalformedEnvelope
	}

	body, err := wire.EncodeEnvelopeRow(env)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO envelopes (id, request_id, kind, ack_reply_id, body)
		VALUES (?, ?, ?, ?, ?)`,
		id.String(), requestID.String(), string(env.Kind()), ackReplyID, body)
	return errors.Wrap(err, "storage: save envelope")
}

func (s *SQLMessageStorage) SaveReply(ctx context.Context, reply wire.Reply) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "storage: begin save reply")
	}
	defer tx.Rollback()

	var exited int
	row := tx.QueryRowContext(ctx, `SELECT exited FROM messages WHERE request_id = ?`, reply.ForRequest().String())
	if err := row.Scan(&exited); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return errors.Wrap(err, "storage: load request for reply")
	}
	if exited != 0 {
		return tx.Commit()
	}

	body, err := wire.EncodeReplyRow(reply)
	if err != nil {
		return err
	}

	var sequence sql.NullInt64
	var replyID wire.ID
	switch r := reply.(type) {
	case wire.Chunk:
		replyID = r.ID
		sequence = sql.NullInt64{Int64: int64(r.Sequence), Valid: true}
	case wire.WithExit:
		replyID = r.ID
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO replies (request_id, reply_id, kind, sequence, body)
		VALUES (?, ?, ?, ?, ?)`,
		reply.ForRequest().String(), replyID.String(), string(reply.Kind()), sequence, body); err != nil {
		return errors.Wrap(err, "storage: save reply")
	}

	if reply.Kind() == wire.KindWithExit {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET exited = 1 WHERE request_id = ?`, reply.ForRequest().String()); err != nil {
			return errors.Wrap(err, "storage: mark request exited")
		}
	}

	return tx.Commit()
}

func (s *SQLMessageStorage) RepliesFor(ctx context.Context, requestIDs []wire.ID) (map[wire.ID][]wire.Reply, error) {
	out := make(map[wire.ID][]wire.Reply, len(requestIDs))
	for _, id := range requestIDs {
		replies, err := s.repliesForOne(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = replies
	}
	return out, nil
}

func (s *SQLMessageStorage) repliesForOne(ctx context.Context, id wire.ID) ([]wire.Reply, error) {
	lastSeq, hasAck, err := s.lastAckedSequence(ctx, id)
	if err != nil {
		return nil, err
	}

	query := `SELECT body, sequence FROM replies WHERE request_id = ?`
	args := []any{id.String()}
	if hasAck {
		query += ` AND (sequence IS NULL OR sequence > ?)`
		args = append(args, lastSeq)
	}
	query += ` ORDER BY COALESCE(sequence, -1) ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query replies")
	}
	defer rows.Close()

	var out []wire.Reply
	for rows.Next() {
		var body []byte
		var seq sql.NullInt64
		if err := rows.Scan(&body, &seq); err != nil {
			return nil, errors.Wrap(err, "storage: scan reply")
		}
		reply, err := wire.DecodeReplyRow(body)
		if err != nil {
			return nil, err
		}
		out = append(out, reply)
	}
	return out, rows.Err()
}

func (s *SQLMessageStorage) lastAckedSequence(ctx context.Context, id wire.ID) (uint64, bool, error) {
	var ackReplyID string
	row := s.db.QueryRowContext(ctx, `
		SELECT ack_reply_id FROM envelopes
		WHERE request_id = ? AND kind = ? AND ack_reply_id IS NOT NULL
		ORDER BY CAST(ack_reply_id AS INTEGER) DESC LIMIT 1`,
		id.String(), string(wire.KindAckChunk))
	if err := row.Scan(&ackReplyID); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "storage: load last ack")
	}

	var seq sql.NullInt64
	row = s.db.QueryRowContext(ctx, `SELECT sequence FROM replies WHERE request_id = ? AND reply_id = ?`, id.String(), ackReplyID)
	if err := row.Scan(&seq); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "storage: load acked reply sequence")
	}
	if !seq.Valid {
		return 0, false, nil
	}
	return uint64(seq.Int64), true, nil
}

func (s *SQLMessageStorage) lastReply(ctx context.Context, id wire.ID) (wire.Reply, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT body FROM replies WHERE request_id = ? ORDER BY COALESCE(sequence, -1) DESC LIMIT 1`, id.String())
	var body []byte
	if err := row.Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "storage: load last reply")
	}
	return wire.DecodeReplyRow(body)
}

func (s *SQLMessageStorage) UnprocessedMessages(ctx context.Context, shards []wire.ShardId, nowMS int64) ([]UnprocessedMessage, error) {
	var out []UnprocessedMessage
	for _, shard := range shards {
		rows, err := s.db.QueryContext(ctx, `
			SELECT request_id, body FROM messages
			WHERE shard_group = ? AND shard_id = ? AND exited = 0
			  AND (deliver_at IS NULL OR deliver_at <= ?)`,
			shard.Group, shard.ID, nowMS)
		if err != nil {
			return nil, errors.Wrap(err, "storage: query unprocessed messages")
		}

		type found struct {
			id   string
			body []byte
		}
		var batch []found
		for rows.Next() {
			var f found
			if err := rows.Scan(&f.id, &f.body); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "storage: scan unprocessed message")
			}
			batch = append(batch, f)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		for _, f := range batch {
			env, err := wire.DecodeEnvelopeRow(f.body)
			if err != nil {
				return nil, err
			}
			req, ok := env.(wire.Request)
			if !ok {
				continue
			}
			um := UnprocessedMessage{Request: &req}
			if err := s.fillEnvelopes(ctx, f.id, &um); err != nil {
				return nil, err
			}
			out = append(out, um)
		}
	}
	return out, nil
}

func (s *SQLMessageStorage) fillEnvelopes(ctx context.Context, requestID string, um *UnprocessedMessage) error {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, body FROM envelopes WHERE request_id = ?`, requestID)
	if err != nil {
		return errors.Wrap(err, "storage: query envelopes")
	}
	defer rows.Close()

	var latestAck *wire.AckChunk
	for rows.Next() {
		var kind string
		var body []byte
		if err := rows.Scan(&kind, &body); err != nil {
			return errors.Wrap(err, "storage: scan envelope")
		}
		env, err := wire.DecodeEnvelopeRow(body)
		if err != nil {
			return err
		}
		switch e := env.(type) {
		case wire.Interrupt:
			um.Interrupts = append(um.Interrupts, &e)
		case wire.AckChunk:
			if latestAck == nil || e.ReplyID > latestAck.ReplyID {
				latestAck = &e
			}
		}
	}
	um.LastAck = latestAck
	return rows.Err()
}

func (s *SQLMessageStorage) ClearAddress(ctx context.Context, addr wire.EntityAddress) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id FROM messages
		WHERE shard_group = ? AND shard_id = ? AND entity_type = ? AND entity_id = ?`,
		addr.ShardID.Group, addr.ShardID.ID, addr.EntityType, addr.EntityID)
	if err != nil {
		return errors.Wrap(err, "storage: query clear address")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	return s.deleteRequests(ctx, ids)
}

func (s *SQLMessageStorage) ResetShards(ctx context.Context, shards []wire.ShardId) error {
	var ids []string
	for _, shard := range shards {
		rows, err := s.db.QueryContext(ctx, `SELECT request_id FROM messages WHERE shard_group = ? AND shard_id = ?`, shard.Group, shard.ID)
		if err != nil {
			return errors.Wrap(err, "storage: query reset shards")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return s.deleteRequests(ctx, ids)
}

func (s *SQLMessageStorage) deleteRequests(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM replies WHERE request_id = ?`, id); err != nil {
			return errors.Wrap(err, "storage: delete replies")
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE request_id = ?`, id); err != nil {
			return errors.Wrap(err, "storage: delete envelopes")
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE request_id = ?`, id); err != nil {
			return errors.Wrap(err, "storage: delete message")
		}
	}
	return nil
}

func parseID(s string) (wire.ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "storage: parse request id %q", s)
	}
	return wire.ID(v), nil
}

// SQLRunnerStorage is the production RunnerStorage backend: the liveness
// and shard-lock lease tables, backed by the same sqlite handle as
// SQLMessageStorage.
type SQLRunnerStorage struct {
	db *sql.DB
}

// NewSQLRunnerStorage wraps an already-opened, schema-applied database
// handle.
func NewSQLRunnerStorage(db *sql.DB) *SQLRunnerStorage {
	return &SQLRunnerStorage{db: db}
}

func (s *SQLRunnerStorage) RegisterRunner(ctx context.Context, r wire.Runner, nowMS int64) error {
	groups, err := json.Marshal(r.Groups)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runners (host, port, weight, groups, last_beat_ms) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(host, port) DO UPDATE SET weight = excluded.weight, groups = excluded.groups, last_beat_ms = excluded.last_beat_ms`,
		r.Address.Host, r.Address.Port, r.Weight, string(groups), nowMS)
	return errors.Wrap(err, "storage: register runner")
}

func (s *SQLRunnerStorage) Heartbeat(ctx context.Context, addr wire.RunnerAddress, nowMS int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runners SET last_beat_ms = ? WHERE host = ? AND port = ?`, nowMS, addr.Host, addr.Port)
	if err != nil {
		return errors.Wrap(err, "storage: heartbeat")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLRunnerStorage) RemoveRunner(ctx context.Context, addr wire.RunnerAddress) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runners WHERE host = ? AND port = ?`, addr.Host, addr.Port)
	return errors.Wrap(err, "storage: remove runner")
}

func (s *SQLRunnerStorage) ListLiveRunners(ctx context.Context, nowMS int64, maxAge time.Duration) ([]wire.Runner, error) {
	cutoff := nowMS - maxAge.Milliseconds()
	rows, err := s.db.QueryContext(ctx, `SELECT host, port, weight, groups FROM runners WHERE last_beat_ms >= ?`, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list live runners")
	}
	defer rows.Close()

	var out []wire.Runner
	for rows.Next() {
		var r wire.Runner
		var groups string
		if err := rows.Scan(&r.Address.Host, &r.Address.Port, &r.Weight, &groups); err != nil {
			return nil, errors.Wrap(err, "storage: scan runner")
		}
		if err := json.Unmarshal([]byte(groups), &r.Groups); err != nil {
			return nil, errors.Wrap(err, "storage: decode runner groups")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLRunnerStorage) AcquireLock(ctx context.Context, shard wire.ShardId, owner wire.RunnerAddress, nowMS int64, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var ownerHost string
	var ownerPort int
	var acquiredAt int64
	row := tx.QueryRowContext(ctx, `SELECT owner_host, owner_port, acquired_at_ms FROM shard_locks WHERE shard_group = ? AND shard_id = ?`, shard.Group, shard.ID)
	err = row.Scan(&ownerHost, &ownerPort, &acquiredAt)
	held := err == nil
	if err != nil && err != sql.ErrNoRows {
		return false, errors.Wrap(err, "storage: load lock")
	}

	if held {
		current := wire.RunnerAddress{Host: ownerHost, Port: ownerPort}
		if current != owner && acquiredAt > nowMS-ttl.Milliseconds() {
			return false, nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO shard_locks (shard_group, shard_id, owner_host, owner_port, acquired_at_ms) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(shard_group, shard_id) DO UPDATE SET owner_host = excluded.owner_host, owner_port = excluded.owner_port, acquired_at_ms = excluded.acquired_at_ms`,
		shard.Group, shard.ID, owner.Host, owner.Port, nowMS); err != nil {
		return false, errors.Wrap(err, "storage: acquire lock")
	}
	return true, tx.Commit()
}

func (s *SQLRunnerStorage) RefreshLock(ctx context.Context, shard wire.ShardId, owner wire.RunnerAddress, nowMS int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shard_locks SET acquired_at_ms = ?
		WHERE shard_group = ? AND shard_id = ? AND owner_host = ? AND owner_port = ?`,
		nowMS, shard.Group, shard.ID, owner.Host, owner.Port)
	if err != nil {
		return false, errors.Wrap(err, "storage: refresh lock")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLRunnerStorage) ReleaseLock(ctx context.Context, shard wire.ShardId, owner wire.RunnerAddress) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM shard_locks WHERE shard_group = ? AND shard_id = ? AND owner_host = ? AND owner_port = ?`,
		shard.Group, shard.ID, owner.Host, owner.Port)
	return errors.Wrap(err, "storage: release lock")
}

func (s *SQLRunnerStorage) LockOwner(ctx context.Context, shard wire.ShardId) (wire.RunnerAddress, int64, bool, error) {
	var host string
	var port int
	var acquiredAt int64
	row := s.db.QueryRowContext(ctx, `SELECT owner_host, owner_port, acquired_at_ms FROM shard_locks WHERE shard_group = ? AND shard_id = ?`, shard.Group, shard.ID)
	if err := row.Scan(&host, &port, &acquiredAt); err != nil {
		if err == sql.ErrNoRows {
			return wire.RunnerAddress{}, 0, false, nil
		}
		return wire.RunnerAddress{}, 0, false, errors.Wrap(err, "storage: load lock owner")
	}
	return wire.RunnerAddress{Host: host, Port: port}, acquiredAt, true, nil
}
