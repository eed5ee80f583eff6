package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/amirimatin/go-replset/pkg/replset"
	"github.com/amirimatin/go-replset/pkg/retry"
	"github.com/amirimatin/go-replset/pkg/transport"
)

// DefaultReconcileTimeout bounds a remote reconcile. It covers the engine's
// default reconfigure and health budgets.
const DefaultReconcileTimeout = 7 * time.Minute

// Client is a thin HTTP client for the management API. Requests that never
// reached the agent are retried a few times; answers from the agent are not.
type Client struct {
	httpc            *http.Client
	transport        *http.Transport
	isTLS            bool
	timeout          time.Duration
	reconcileTimeout time.Duration
	retry            retry.Policy
}

// NewClient constructs a new Client whose status calls are bounded by timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{
		httpc:            &http.Client{Transport: tr},
		transport:        tr,
		timeout:          timeout,
		reconcileTimeout: DefaultReconcileTimeout,
		retry:            retry.Policy{Interval: 100 * time.Millisecond, MaxElapsed: time.Second},
	}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	c.transport.TLSClientConfig = cfg
	c.isTLS = cfg != nil
	return c
}

// WithReconcileTimeout overrides DefaultReconcileTimeout.
func (c *Client) WithReconcileTimeout(d time.Duration) *Client {
	if d > 0 {
		c.reconcileTimeout = d
	}
	return c
}

func (c *Client) url(addr, path string) string {
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// unreachable marks failures where no HTTP response was received.
type unreachable struct{ error }

func (u unreachable) Unwrap() error { return u.error }

func isUnreachable(err error) bool {
	var u unreachable
	return errors.As(err, &u)
}

// do sends one request per attempt, rebuilding the body each time, and
// returns the status code and body of the first response received.
func (c *Client) do(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var (
		code int
		data []byte
	)
	_, err := retry.Do(ctx, c.retry, func(ctx context.Context, _ int) error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return unreachable{err}
		}
		defer resp.Body.Close()
		code = resp.StatusCode
		data, err = io.ReadAll(resp.Body)
		return err
	}, isUnreachable, nil)
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) && ex.Last != nil {
		err = ex.Last
	}
	return code, data, err
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	code, data, err := c.do(ctx, http.MethodGet, c.url(addr, "/status"), nil)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", code, bytes.TrimSpace(data))
	}
	return data, nil
}

func (c *Client) PostReconcile(ctx context.Context, addr string, req transport.ReconcileRequest) (*replset.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.reconcileTimeout)
	defer cancel()
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	code, data, err := c.do(ctx, http.MethodPost, c.url(addr, "/reconcile"), body)
	if err != nil {
		return nil, err
	}
	var resp transport.ReconcileResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("reconcile status %d: %s", code, bytes.TrimSpace(data))
	}
	return resp.Result()
}

var _ transport.RPCClient = (*Client)(nil)

// Close releases idle connections.
func (c *Client) Close() { c.transport.CloseIdleConnections() }
