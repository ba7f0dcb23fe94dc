// Package rpcclient implements the JSON-RPC 2.0 transport used to talk
// to the partner-chain node (spec §4.1, §6). It is the leaf of the
// dependency graph: the codec, digest parser, resolver and
// registration source are all built on top of Client.Call.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config bundles the per-client construction parameters from spec §6.
type Config struct {
	URL              string
	Timeout          time.Duration
	MaxRetries       uint64
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

// Client performs JSON-RPC 2.0 requests against a single node endpoint.
// A Client is safe for concurrent use; request ids are allocated from a
// single atomic counter so responses on a multiplexed HTTP/2 connection
// are unambiguous (§4.1).
type Client struct {
	cfg        Config
	httpClient *http.Client
	nextID     atomic.Uint64
	instanceID string
	log        *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	instanceID := uuid.NewString()
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		instanceID: instanceID,
		log:        log.With(zap.String("rpc_client", instanceID)),
	}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrObj      `json:"error"`
}

type rpcErrObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call issues a single JSON-RPC request and decodes the result into
// out. No retry is performed; callers that want §4.1's backoff policy
// should use CallWithRetry.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return newDecodeErr(method, fmt.Sprintf("marshal params: %v", err))
	}

	id := c.nextID.Add(1)
	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsRaw}
	body, err := json.Marshal(req)
	if err != nil {
		return newDecodeErr(method, fmt.Sprintf("marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return newTransportErr(method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Sentryd-Client", c.instanceID)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return newTimeoutErr(method, err)
		}
		return newTransportErr(method, err)
	}
	defer httpResp.Body.Close()

	switch httpResp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return newTransportErr(method, fmt.Errorf("http status %d", httpResp.StatusCode))
	}
	if httpResp.StatusCode >= 400 {
		return newResponseErr(method, httpResp.StatusCode, fmt.Sprintf("http status %d", httpResp.StatusCode))
	}

	var resp response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return newDecodeErr(method, fmt.Sprintf("decode envelope: %v", err))
	}
	if resp.Error != nil {
		return newResponseErr(method, resp.Error.Code, resp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return newDecodeErr(method, fmt.Sprintf("decode result: %v", err))
	}
	return nil
}

// CallWithRetry wraps Call with the exponential-backoff policy from
// §4.1: only Retryable failures are retried, up to MaxRetries retries
// after the first attempt, starting at RetryInitialDelay and capped at
// RetryMaxDelay.
func (c *Client) CallWithRetry(ctx context.Context, method string, params any, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInitialDelay
	policy.MaxInterval = c.cfg.RetryMaxDelay
	policy.MaxElapsedTime = 0 // bounded by MaxRetries instead of wall-clock
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, c.cfg.MaxRetries), ctx)

	var lastErr error
	attempt := 0
	op := func() error {
		attempt++
		err := c.Call(ctx, method, params, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		c.log.Warn("rpc call failed, retrying",
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}

	if err := backoff.Retry(op, bo); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return perm.Err
		}
		return lastErr
	}
	return nil
}

// dialTimeoutTransport is exposed for tests that want a Client whose
// HTTP transport fails fast on unroutable addresses instead of hanging
// for the full context timeout.
func dialTimeoutTransport(d time.Duration) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{Timeout: d}).DialContext,
	}
}

// WithFastDial swaps in a short-dial-timeout transport; used by tests
// exercising Retryable against a closed port.
func (c *Client) WithFastDial(d time.Duration) *Client {
	c.httpClient.Transport = dialTimeoutTransport(d)
	return c
}
