package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/meridian/internal/errs"
	"github.com/dreamware/meridian/internal/obslog"
	"github.com/dreamware/meridian/internal/wire"
)

// ErrRunnerUnavailable is returned when a peer cannot be reached at all
// (connection refused, timeout, DNS failure) as opposed to an application
// error surfaced by the peer's handler.
var ErrRunnerUnavailable = errors.New("transport: runner unavailable")

// Runners is the uniform interface Sharding uses to reach a peer
// regardless of transport (spec.md §4.3). The HTTP implementation below
// is the only one Meridian ships, but callers depend on this interface
// so tests can substitute an in-process fake.
type Runners interface {
	Ping(ctx context.Context, addr wire.RunnerAddress) error
	Notify(ctx context.Context, addr wire.RunnerAddress, req wire.Request) error
	Effect(ctx context.Context, addr wire.RunnerAddress, req wire.Request, persisted bool) (wire.Reply, error)
	Stream(ctx context.Context, addr wire.RunnerAddress, req wire.Request, persisted bool) (<-chan wire.Reply, error)
	Envelope(ctx context.Context, addr wire.RunnerAddress, env wire.Envelope, persisted bool) error
}

// peerClient is one pooled connection-equivalent: an *http.Client scoped
// to a single peer address, tracked so the janitor can evict it once
// idleTTL has passed since its last use.
type peerClient struct {
	client *http.Client

	mu       sync.Mutex
	lastUsed time.Time
}

func (p *peerClient) touch() {
	p.mu.Lock()
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

func (p *peerClient) idleSince() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastUsed)
}

// HTTPRunners is the RC-map pooled HTTP implementation of Runners. Each
// peer address gets its own *http.Client (and so its own connection
// pool); a background janitor evicts peers idle longer than idleTTL,
// matching spec.md §4.3's "pooled per peer address via an RC-map with
// idle TTL (3 minutes)".
type HTTPRunners struct {
	log     *logrus.Entry
	idleTTL time.Duration

	onUnavailable func(wire.RunnerAddress)

	mu    sync.Mutex
	peers map[wire.RunnerAddress]*peerClient

	metrics *obslog.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHTTPRunners builds a pooled Runners client. onUnavailable, if
// non-nil, is called whenever a connection attempt to addr fails
// outright — the caller typically wires this to
// ShardManager.NotifyUnhealthyRunner.
func NewHTTPRunners(idleTTL time.Duration, onUnavailable func(wire.RunnerAddress), metrics *obslog.Metrics) *HTTPRunners {
	return &HTTPRunners{
		log:           obslog.For("transport"),
		idleTTL:       idleTTL,
		onUnavailable: onUnavailable,
		peers:         make(map[wire.RunnerAddress]*peerClient),
		metrics:       metrics,
	}
}

// Start runs the idle-eviction janitor until ctx is cancelled or Stop is
// called.
func (h *HTTPRunners) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.idleTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.evictIdle()
			}
		}
	}()
}

// Stop halts the janitor.
func (h *HTTPRunners) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *HTTPRunners) evictIdle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for addr, peer := range h.peers {
		if peer.idleSince() >= h.idleTTL {
			delete(h.peers, addr)
		}
	}
}

func (h *HTTPRunners) peerFor(addr wire.RunnerAddress) *peerClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	peer, ok := h.peers[addr]
	if !ok {
		peer = &peerClient{client: &http.Client{Timeout: 10 * time.Second}, lastUsed: time.Now()}
		h.peers[addr] = peer
	}
	peer.touch()
	return peer
}

func (h *HTTPRunners) baseURL(addr wire.RunnerAddress) string {
	return fmt.Sprintf("http://%s", addr.String())
}

// doJSON posts body (or issues a bare GET if body is nil) to path on
// addr, decoding a JSON response into out when non-nil. It mirrors the
// teacher's PostJSON/GetJSON but routes through the per-peer pool and
// reports connection failures distinctly from application errors so the
// caller can demote the peer.
func (h *HTTPRunners) doJSON(ctx context.Context, addr wire.RunnerAddress, method, path string, body, out any) error {
	peer := h.peerFor(addr)

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "transport: encode request")
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL(addr)+path, reader)
	if err != nil {
		return errors.Wrap(err, "transport: build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := peer.client.Do(req)
	if err != nil {
		if h.onUnavailable != nil {
			h.onUnavailable(addr)
		}
		if h.metrics != nil {
			h.metrics.StorageRetries.WithLabelValues("transport_unavailable").Inc()
		}
		return errors.Wrapf(ErrRunnerUnavailable, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeErrorResponse(resp, method, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeErrorResponse reconstitutes the *errs.Error a peer's writeError
// attached via errorKindHeader, falling back to a plain error carrying
// the response body when the peer didn't tag one (e.g. a 404 from some
// intermediate proxy).
func decodeErrorResponse(resp *http.Response, method, path string) error {
	body, _ := io.ReadAll(resp.Body)
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("http %d", resp.StatusCode)
	}
	if kind := resp.Header.Get(errorKindHeader); kind != "" {
		return errs.New(errs.Kind(kind), fmt.Sprintf("transport: %s %s", method, path), msg)
	}
	return errors.Errorf("transport: %s %s: %s", method, path, msg)
}

// Ping checks reachability via the peer's /health endpoint.
func (h *HTTPRunners) Ping(ctx context.Context, addr wire.RunnerAddress) error {
	return h.doJSON(ctx, addr, http.MethodGet, "/health", nil, nil)
}

// Notify delivers a newly saved request to its owning runner so it can
// dequeue immediately instead of waiting for the next poll interval.
// Fire-and-forget: the peer's response body is ignored.
func (h *HTTPRunners) Notify(ctx context.Context, addr wire.RunnerAddress, req wire.Request) error {
	return h.doJSON(ctx, addr, http.MethodPost, "/notify", req, nil)
}

// requestEnvelope is the wire shape Effect/Stream send: the request plus
// whether the caller has already durably saved it (so the receiver
// doesn't redundantly re-save).
type requestEnvelope struct {
	Request   wire.Request `json:"request"`
	Persisted bool         `json:"persisted"`
}

// Effect sends req and blocks for a single terminal Reply.
func (h *HTTPRunners) Effect(ctx context.Context, addr wire.RunnerAddress, req wire.Request, persisted bool) (wire.Reply, error) {
	var raw json.RawMessage
	if err := h.doJSON(ctx, addr, http.MethodPost, "/effect", requestEnvelope{Request: req, Persisted: persisted}, &raw); err != nil {
		return nil, err
	}
	return wire.DecodeReply(raw)
}

// Stream sends req and returns a channel fed with every Reply as it's
// received over a newline-delimited-JSON response body, closed once a
// WithExit arrives or the connection ends.
func (h *HTTPRunners) Stream(ctx context.Context, addr wire.RunnerAddress, req wire.Request, persisted bool) (<-chan wire.Reply, error) {
	encoded, err := json.Marshal(requestEnvelope{Request: req, Persisted: persisted})
	if err != nil {
		return nil, errors.Wrap(err, "transport: encode stream request")
	}

	peer := h.peerFor(addr)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL(addr)+"/stream", bytes.NewReader(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "transport: build stream request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := peer.client.Do(httpReq)
	if err != nil {
		if h.onUnavailable != nil {
			h.onUnavailable(addr)
		}
		return nil, errors.Wrapf(ErrRunnerUnavailable, "stream %s: %v", addr.String(), err)
	}
	if resp.StatusCode >= 300 {
		err := decodeErrorResponse(resp, http.MethodPost, "/stream")
		resp.Body.Close()
		return nil, err
	}

	out := make(chan wire.Reply, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			reply, err := wire.DecodeReply(line)
			if err != nil {
				h.log.WithError(err).Warn("dropping malformed stream line")
				continue
			}
			select {
			case out <- reply:
			case <-ctx.Done():
				return
			}
			if reply.Kind() == wire.KindWithExit {
				return
			}
		}
	}()
	return out, nil
}

// envelopeEnvelope carries an AckChunk or Interrupt plus its persisted
// flag; the field name mirrors requestEnvelope's shape for symmetry.
type envelopeEnvelope struct {
	Envelope  json.RawMessage `json:"envelope"`
	Persisted bool            `json:"persisted"`
}

// Envelope delivers an AckChunk or Interrupt to addr.
func (h *HTTPRunners) Envelope(ctx context.Context, addr wire.RunnerAddress, env wire.Envelope, persisted bool) error {
	encoded, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "transport: encode envelope")
	}
	return h.doJSON(ctx, addr, http.MethodPost, "/envelope", envelopeEnvelope{Envelope: encoded, Persisted: persisted}, nil)
}
