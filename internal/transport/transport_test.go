package transport

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/meridian/internal/errs"
	"github.com/dreamware/meridian/internal/wire"
)

type fakeReceiver struct {
	notified  []wire.Request
	envelopes []wire.Envelope
	effectFn  func(req wire.Request) (wire.Reply, error)
	streamFn  func(req wire.Request) <-chan wire.Reply
	notifyErr error
}

func (f *fakeReceiver) HandleNotify(ctx context.Context, req wire.Request) error {
	if f.notifyErr != nil {
		return f.notifyErr
	}
	f.notified = append(f.notified, req)
	return nil
}

func (f *fakeReceiver) HandleEffect(ctx context.Context, req wire.Request, persisted bool) (wire.Reply, error) {
	return f.effectFn(req)
}

func (f *fakeReceiver) HandleStream(ctx context.Context, req wire.Request, persisted bool) (<-chan wire.Reply, error) {
	return f.streamFn(req), nil
}

func (f *fakeReceiver) HandleEnvelope(ctx context.Context, env wire.Envelope, persisted bool) error {
	f.envelopes = append(f.envelopes, env)
	return nil
}

func newTestPair(t *testing.T, recv *fakeReceiver) (*HTTPRunners, wire.RunnerAddress, func()) {
	t.Helper()
	srv := NewServer(recv)
	ts := httptest.NewServer(srv.Handler())

	host, portStr := splitHostPort(t, ts.URL)
	client := NewHTTPRunners(time.Minute, nil, nil)

	return client, wire.RunnerAddress{Host: host, Port: portStr}, ts.Close
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)
	return parsed.Hostname(), port
}

func TestPingSucceedsAgainstLiveServer(t *testing.T) {
	client, addr, closeFn := newTestPair(t, &fakeReceiver{})
	defer closeFn()

	require.NoError(t, client.Ping(context.Background(), addr))
}

func TestNotifyDeliversRequestToReceiver(t *testing.T) {
	recv := &fakeReceiver{}
	client, addr, closeFn := newTestPair(t, recv)
	defer closeFn()

	req := wire.Request{RequestID: 1, Address: wire.EntityAddress{EntityType: "counter", EntityID: "a"}, Tag: "increment"}
	require.NoError(t, client.Notify(context.Background(), addr, req))
	require.Len(t, recv.notified, 1)
	assert.Equal(t, req.RequestID, recv.notified[0].RequestID)
}

func TestEffectReturnsSingleReply(t *testing.T) {
	recv := &fakeReceiver{effectFn: func(req wire.Request) (wire.Reply, error) {
		return wire.WithExit{ID: 1, RequestID: req.RequestID, Exit: wire.Exit{Status: wire.ExitSuccess}}, nil
	}}
	client, addr, closeFn := newTestPair(t, recv)
	defer closeFn()

	req := wire.Request{RequestID: 1, Address: wire.EntityAddress{EntityType: "counter", EntityID: "a"}, Tag: "get"}
	reply, err := client.Effect(context.Background(), addr, req, false)
	require.NoError(t, err)
	require.Equal(t, wire.KindWithExit, reply.Kind())
}

func TestStreamDeliversChunksThenExit(t *testing.T) {
	recv := &fakeReceiver{streamFn: func(req wire.Request) <-chan wire.Reply {
		ch := make(chan wire.Reply, 2)
		ch <- wire.Chunk{ID: 1, RequestID: req.RequestID, Sequence: 1}
		ch <- wire.WithExit{ID: 2, RequestID: req.RequestID, Exit: wire.Exit{Status: wire.ExitSuccess}}
		close(ch)
		return ch
	}}
	client, addr, closeFn := newTestPair(t, recv)
	defer closeFn()

	req := wire.Request{RequestID: 7, Address: wire.EntityAddress{EntityType: "counter", EntityID: "a"}, Tag: "watch"}
	replies, err := client.Stream(context.Background(), addr, req, false)
	require.NoError(t, err)

	var got []wire.Reply
	for r := range replies {
		got = append(got, r)
	}
	require.Len(t, got, 2)
	assert.Equal(t, wire.KindChunk, got[0].Kind())
	assert.Equal(t, wire.KindWithExit, got[1].Kind())
}

func TestEnvelopeDeliversAckChunk(t *testing.T) {
	recv := &fakeReceiver{}
	client, addr, closeFn := newTestPair(t, recv)
	defer closeFn()

	ack := wire.AckChunk{ID: 1, Address: wire.EntityAddress{EntityType: "counter", EntityID: "a"}, RequestID: 5, ReplyID: 3}
	require.NoError(t, client.Envelope(context.Background(), addr, ack, true))
	require.Len(t, recv.envelopes, 1)
	assert.Equal(t, wire.KindAckChunk, recv.envelopes[0].Kind())
}

func TestNotifyPropagatesErrorKind(t *testing.T) {
	recv := &fakeReceiver{notifyErr: errs.New(errs.EntityNotAssignedToRunner, "fake", "shard moved")}
	client, addr, closeFn := newTestPair(t, recv)
	defer closeFn()

	req := wire.Request{RequestID: 1, Address: wire.EntityAddress{EntityType: "counter", EntityID: "a"}, Tag: "increment"}
	err := client.Notify(context.Background(), addr, req)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.EntityNotAssignedToRunner))
}

func TestEvictIdlePeersRemovesStaleConnections(t *testing.T) {
	client, addr, closeFn := newTestPair(t, &fakeReceiver{})
	defer closeFn()

	require.NoError(t, client.Ping(context.Background(), addr))
	client.mu.Lock()
	require.Contains(t, client.peers, addr)
	client.mu.Unlock()

	client.idleTTL = time.Millisecond
	time.Sleep(5 * time.Millisecond)
	client.evictIdle()

	client.mu.Lock()
	assert.NotContains(t, client.peers, addr)
	client.mu.Unlock()
}
