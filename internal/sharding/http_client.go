package sharding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/dreamware/meridian/internal/obslog"
	"github.com/dreamware/meridian/internal/shardmanager"
	"github.com/dreamware/meridian/internal/wire"
)

// assignmentEntry is the wire shape of one row of GetAssignments: a
// wire.ShardId can't be a JSON object key (it's a struct, not a string),
// so the admin/assignment endpoint ships a flat array instead.
type assignmentEntry struct {
	Shard   wire.ShardId        `json:"shard"`
	Address *wire.RunnerAddress `json:"address"`
}

type registerRequest struct {
	Runner wire.Runner `json:"runner"`
	NowMS  int64       `json:"nowMs"`
}

type registerResponse struct {
	MachineID int64 `json:"machineId"`
}

type addressRequest struct {
	Address wire.RunnerAddress `json:"address"`
}

// HTTPShardManagerClient implements ShardManagerClient against a remote
// shard manager process's admin HTTP API (cmd/shardmanager), for runners
// that don't share a binary with the shard manager. It mirrors
// transport.HTTPRunners' shape — a thin wrapper over net/http — but talks
// to a single, well-known peer rather than a pool.
type HTTPShardManagerClient struct {
	baseURL string
	client  *http.Client
	log     interface {
		Warn(args ...any)
	}
}

// NewHTTPShardManagerClient builds a client against a shard manager
// listening at addr (e.g. "http://127.0.0.1:8080").
func NewHTTPShardManagerClient(addr string, timeout time.Duration) *HTTPShardManagerClient {
	return &HTTPShardManagerClient{
		baseURL: addr,
		client:  &http.Client{Timeout: timeout},
		log:     obslog.For("sharding.http_client"),
	}
}

func (c *HTTPShardManagerClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "sharding: encode shard manager request")
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "sharding: build shard manager request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "sharding: shard manager %s %s unreachable", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("sharding: shard manager %s %s: http %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPShardManagerClient) Register(ctx context.Context, r wire.Runner, nowMS int64) (int64, error) {
	var resp registerResponse
	if err := c.doJSON(ctx, http.MethodPost, "/register", registerRequest{Runner: r, NowMS: nowMS}, &resp); err != nil {
		return 0, err
	}
	return resp.MachineID, nil
}

func (c *HTTPShardManagerClient) Unregister(ctx context.Context, addr wire.RunnerAddress) error {
	return c.doJSON(ctx, http.MethodPost, "/unregister", addressRequest{Address: addr}, nil)
}

func (c *HTTPShardManagerClient) NotifyUnhealthyRunner(ctx context.Context, addr wire.RunnerAddress) error {
	return c.doJSON(ctx, http.MethodPost, "/notify-unhealthy", addressRequest{Address: addr}, nil)
}

func (c *HTTPShardManagerClient) GetAssignments() map[wire.ShardId]*wire.RunnerAddress {
	var entries []assignmentEntry
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.doJSON(ctx, http.MethodGet, "/assignments", nil, &entries); err != nil {
		c.log.Warn(fmt.Sprintf("sharding: fetch assignments failed: %v", err))
		return nil
	}
	out := make(map[wire.ShardId]*wire.RunnerAddress, len(entries))
	for _, e := range entries {
		out[e.Shard] = e.Address
	}
	return out
}

func (c *HTTPShardManagerClient) GetTime() int64 {
	var resp struct {
		NowMS int64 `json:"nowMs"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.doJSON(ctx, http.MethodGet, "/time", nil, &resp); err != nil {
		return time.Now().UnixMilli()
	}
	return resp.NowMS
}

// Subscribe dials the shard manager's websocket event endpoint and
// relays every decoded Event onto an external Subscription, reconnecting
// with backoff on disconnect so a transient network blip doesn't
// permanently starve Sharding's event loop.
func (c *HTTPShardManagerClient) Subscribe() *shardmanager.Subscription {
	sub := shardmanager.NewExternalSubscription()
	wsURL := "ws" + c.baseURL[len("http"):] + "/events"
	go c.readLoop(wsURL, sub)
	return sub
}

func (c *HTTPShardManagerClient) readLoop(wsURL string, sub *shardmanager.Subscription) {
	backoff := time.Second
	for {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			c.log.Warn(fmt.Sprintf("sharding: event subscription dial failed, retrying in %s: %v", backoff, err))
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				conn.Close()
				break
			}
			evt, err := shardmanager.DecodeEvent(data)
			if err != nil {
				c.log.Warn(fmt.Sprintf("sharding: dropping malformed event: %v", err))
				continue
			}
			sub.Push(evt)
		}
	}
}
