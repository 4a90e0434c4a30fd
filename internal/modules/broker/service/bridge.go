package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"signal_trader/internal/market"
	"signal_trader/pkg/logger"
)

var ErrNotConnected = errors.New("broker: not connected")

// errNothingToClose is returned by the sidecar when the symbol is already flat.
var errNothingToClose = errors.New("broker: nothing to close")

// Bridge talks to the broker sidecar over HTTP. The sidecar owns the broker session,
// this side only keeps a connected flag and reconnects with a linear backoff.
type Bridge struct {
	base     string
	http     *http.Client
	cal      *market.Calendar
	attempts int
	backoff  time.Duration

	connected atomic.Bool
}

func NewBridge(base string, attempts int, backoff time.Duration, cal *market.Calendar) *Bridge {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = "http://127.0.0.1:8787"
	}
	if attempts <= 0 {
		attempts = 1
	}
	return &Bridge{
		base:     base,
		http:     &http.Client{Timeout: 15 * time.Second},
		cal:      cal,
		attempts: attempts,
		backoff:  backoff,
	}
}

func (b *Bridge) Name() string { return "bridge" }

func (b *Bridge) Connect(ctx context.Context) (bool, error) {
	var r struct {
		Connected bool `json:"connected"`
	}
	if err := b.do(ctx, http.MethodPost, "/connect", nil, &r); err != nil {
		b.connected.Store(false)
		return false, errors.Wrap(err, "bridge connect")
	}
	b.connected.Store(r.Connected)
	if r.Connected {
		logger.Info("[BROKER] bridge connected: %s", b.base)
	}
	return r.Connected, nil
}

// IsConnected pings the sidecar and reconnects on failure.
func (b *Bridge) IsConnected(ctx context.Context) bool {
	var r struct {
		Connected bool `json:"connected"`
	}
	if err := b.do(ctx, http.MethodGet, "/health", nil, &r); err == nil && r.Connected {
		b.connected.Store(true)
		return true
	}
	b.connected.Store(false)
	return b.reconnect(ctx)
}

func (b *Bridge) reconnect(ctx context.Context) bool {
	for i := 1; i <= b.attempts; i++ {
		ok, err := b.Connect(ctx)
		if ok {
			return true
		}
		logger.Warn("[BROKER] reconnect attempt %d/%d failed: %v", i, b.attempts, err)
		if i == b.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(b.backoff * time.Duration(i)):
		}
	}
	return false
}

func (b *Bridge) ensureConnected(ctx context.Context) error {
	if b.connected.Load() || b.IsConnected(ctx) {
		return nil
	}
	return ErrNotConnected
}

func (b *Bridge) Close() error {
	b.connected.Store(false)
	b.http.CloseIdleConnections()
	return nil
}

// do sends body as JSON and decodes the response into out (when not nil).
func (b *Bridge) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "%s %s marshal", method, path)
		}
		rd = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.base+path, rd)
	if err != nil {
		return errors.Wrapf(err, "%s %s new request", method, path)
	}
	req.Header.Set("User-Agent", "signal_trader/bridge")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusConflict:
		return errNothingToClose
	case resp.StatusCode == http.StatusServiceUnavailable:
		b.connected.Store(false)
		return ErrNotConnected
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("%s %s http %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "%s %s decode; body=%s", method, path, string(data))
	}
	return nil
}
