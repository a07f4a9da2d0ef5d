// Package rpc is the HTTP client for the chat server's send, receipt and sync
// endpoints. Every failure is returned as *Error so that callers can branch on
// its Kind without looking at status codes.
package rpc

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/matheus3301/courier/internal/auth"
	"github.com/matheus3301/courier/internal/wire"
	"go.uber.org/zap"
	"resty.dev/v3"
)

// Config configures the HTTP client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the chat server over HTTP.
type Client struct {
	http   *resty.Client
	tokens auth.Provider
	logger *zap.Logger
}

// NewClient creates a client. tokens may be nil for unauthenticated access.
func NewClient(cfg Config, tokens auth.Provider, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: c, tokens: tokens, logger: logger}
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

func (c *Client) request(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx)
	if c.tokens != nil {
		if token, ok := c.tokens.Token(); ok {
			r.SetAuthToken(token)
		}
	}
	return r
}

func check(res *resty.Response, err error) error {
	if err != nil {
		return transportError(err)
	}
	if res.IsError() {
		return statusError(res.StatusCode(), res.Header(), res.String())
	}
	return nil
}

// Send submits a message. The client message id doubles as the idempotency
// key, so replays of the same message are answered with KindConflict.
func (c *Client) Send(ctx context.Context, conversationID string, req wire.SendRequest) (*wire.SendResponse, error) {
	var out wire.SendResponse
	res, err := c.request(ctx).
		SetHeader("Idempotency-Key", req.ClientMessageID).
		SetBody(req).
		SetResult(&out).
		Post("/v1/conversations/" + url.PathEscape(conversationID) + "/messages")
	if err := check(res, err); err != nil {
		c.logger.Debug("send failed",
			zap.String("message_id", req.ClientMessageID),
			zap.Error(err))
		return nil, err
	}
	return &out, nil
}

// SendReceipts acknowledges ids in bulk. kind is wire.ReceiptDelivered or wire.ReceiptRead.
func (c *Client) SendReceipts(ctx context.Context, kind string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	res, err := c.request(ctx).
		SetBody(wire.Receipt{Type: kind, MessageIDs: ids, At: time.Now().UnixMilli()}).
		Post("/v1/receipts")
	if err := check(res, err); err != nil {
		return fmt.Errorf("send %s receipts: %w", kind, err)
	}
	return nil
}

// Sync fetches messages and receipts newer than since (unix ms). An empty
// conversationID syncs every conversation.
func (c *Client) Sync(ctx context.Context, since int64, conversationID string) (*wire.SyncResponse, error) {
	var out wire.SyncResponse
	r := c.request(ctx).
		SetQueryParam("since", strconv.FormatInt(since, 10)).
		SetResult(&out)
	if conversationID != "" {
		r.SetQueryParam("conversation_id", conversationID)
	}
	res, err := r.Get("/v1/sync")
	if err := check(res, err); err != nil {
		return nil, fmt.Errorf("sync since %d: %w", since, err)
	}
	return &out, nil
}
