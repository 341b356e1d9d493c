package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// HTTPClient talks to one indexing-service endpoint over REST reads and a
// websocket transaction stream.
type HTTPClient struct {
	base  *url.URL
	wsURL string
	http  *http.Client
}

// NewHTTPClient builds a client for a single service URL. wsURL may be
// empty when the caller never subscribes (pool health/read connections).
func NewHTTPClient(serviceURL, wsURL string, timeout time.Duration) (*HTTPClient, error) {
	if serviceURL == "" {
		return nil, fmt.Errorf("service URL not set")
	}
	u, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid service URL: %w", err)
	}
	return &HTTPClient{
		base:  u,
		wsURL: wsURL,
		http:  &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPClient) url(path string) string {
	u := *c.base
	basePath := strings.TrimRight(u.Path, "/")
	rel := strings.TrimLeft(path, "/")
	u.Path = basePath + "/" + rel
	return u.String()
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusNotFound {
			return ErrAccountNotFound
		}
		return &Error{Status: resp.StatusCode, Detail: strings.TrimSpace(string(b))}
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func (c *HTTPClient) LoadAccount(ctx context.Context, accountID string) (*Account, error) {
	var account Account
	if err := c.getJSON(ctx, fmt.Sprintf("/accounts/%s", accountID), &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (c *HTTPClient) Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	var page struct {
		Records []Transaction `json:"records"`
	}
	path := fmt.Sprintf("/accounts/%s/transactions?limit=%d&order=desc", accountID, limit)
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}
	return page.Records, nil
}

// Ping reads the service root; any 2xx means the connection is usable.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/"), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &Error{Status: resp.StatusCode, Detail: "health probe failed"}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *HTTPClient) SubscribeTransactions(ctx context.Context, accountID, cursor string, txCh chan<- Transaction) error {
	if c.wsURL == "" {
		return fmt.Errorf("ws URL not configured")
	}

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}

	sub := map[string]interface{}{
		"action":  "subscribe",
		"type":    "transactions",
		"account": accountID,
		"cursor":  cursor,
	}
	defer conn.Close()

	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("ws subscribe failed: %w", err)
	}

	// Closing the connection is the only way to unblock ReadJSON when the
	// caller cancels; the done channel keeps this goroutine from outliving
	// the stream on error returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return fmt.Errorf("ws ping failed: %w", err)
			}
		default:
		}

		var msg struct {
			Transaction *Transaction `json:"transaction"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("ws read failed: %w", err)
		}
		if msg.Transaction == nil {
			continue
		}
		select {
		case txCh <- *msg.Transaction:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
