package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/paysplit/paysplit/internal/billing"
	"github.com/paysplit/paysplit/internal/dashboard"
	"go.uber.org/zap"
)

// ErrChannel indicates the push connection failed. The store keeps operating
// on the last-known snapshot; reconnection policy belongs to the caller.
var ErrChannel = errors.New("client: push channel error")

// PushConfig configures the push channel.
type PushConfig struct {
	// URL is the WebSocket endpoint, e.g. "ws://host/ws/bills". An http(s)
	// scheme is converted for convenience.
	URL    string
	Token  string
	Logger *zap.Logger
}

// Push is the persistent push channel delivering incremental bill updates.
// Messages are either an array of full bills (snapshot-equivalent) or a
// single bill (upsert). Malformed frames are logged and dropped; they never
// crash the store.
type Push struct {
	conn   *websocket.Conn
	logger *zap.Logger
}

// DialPush opens the push channel.
func DialPush(ctx context.Context, cfg PushConfig) (*Push, error) {
	endpoint, err := pushURL(cfg.URL, cfg.Token)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, resp, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == 401 {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrChannel, err)
	}

	return &Push{conn: conn, logger: logger}, nil
}

// Listen reads frames until the context is cancelled or the connection
// drops, handing each decoded message to deliver. A clean close returns nil;
// anything else wraps ErrChannel. There is no buffering or replay — the next
// snapshot fetch resynchronizes state after a disconnect.
func (p *Push) Listen(ctx context.Context, deliver func(dashboard.PushEvent)) error {
	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: read: %v", ErrChannel, err)
		}

		event, ok := p.decode(data)
		if !ok {
			continue
		}
		deliver(event)
	}
}

// Close shuts the channel down cleanly, as on navigation away from the
// dashboard.
func (p *Push) Close() error {
	return p.conn.Close(websocket.StatusNormalClosure, "dashboard closed")
}

func (p *Push) decode(data []byte) (dashboard.PushEvent, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return dashboard.PushEvent{}, false
	}

	if trimmed[0] == '[' {
		var payloads []billing.BillPayload
		if err := json.Unmarshal(trimmed, &payloads); err != nil {
			p.logger.Warn("dropping malformed push batch", zap.Error(err))
			return dashboard.PushEvent{}, false
		}
		bills, skipped := billing.ParseBills(payloads)
		if skipped > 0 {
			p.logger.Warn("push batch contained unparseable bills", zap.Int("skipped", skipped))
		}
		return dashboard.PushEvent{Bills: bills}, true
	}

	var payload billing.BillPayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		p.logger.Warn("dropping malformed push message", zap.Error(err))
		return dashboard.PushEvent{}, false
	}
	bill, err := billing.ParseBill(payload)
	if err != nil {
		p.logger.Warn("dropping unparseable push bill", zap.Error(err))
		return dashboard.PushEvent{}, false
	}
	return dashboard.PushEvent{Update: &bill}, true
}

func pushURL(raw, token string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrMissingBaseURL
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChannel, err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrChannel, parsed.Scheme)
	}

	if token != "" {
		query := parsed.Query()
		query.Set("access_token", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}
