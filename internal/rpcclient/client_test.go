package rpcclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeNode is a minimal JSON-RPC 2.0 node used to exercise Client
// against real HTTP, routed with httprouter the way the rest of the
// pack sets up test servers rather than stubbing http.Handler by hand.
type fakeNode struct {
	results map[string]json.RawMessage
	errs    map[string]*rpcErrObj
	calls   []string
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		results: map[string]json.RawMessage{},
		errs:    map[string]*rpcErrObj{},
	}
}

func (f *fakeNode) setResult(method string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.results[method] = raw
}

func (f *fakeNode) setError(method string, code int, msg string) {
	f.errs[method] = &rpcErrObj{Code: code, Message: msg}
}

func (f *fakeNode) server() *httptest.Server {
	router := httprouter.New()
	router.POST("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req request
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.calls = append(f.calls, req.Method)

		resp := response{JSONRPC: "2.0", ID: req.ID}
		if e, ok := f.errs[req.Method]; ok {
			resp.Error = e
		} else if raw, ok := f.results[req.Method]; ok {
			resp.Result = raw
		} else {
			resp.Error = &rpcErrObj{Code: -32601, Message: "method not found"}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	})
	return httptest.NewServer(router)
}

func testClient(t *testing.T, url string) *Client {
	t.Helper()
	return New(Config{
		URL:               url,
		Timeout:           time.Second,
		MaxRetries:        2,
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     10 * time.Millisecond,
	}, zap.NewNop())
}

func TestClient_SystemHealth_DecodesResult(t *testing.T) {
	node := newFakeNode()
	node.setResult("system_health", HealthResult{Peers: 7, IsSyncing: false, ShouldHavePeers: true})
	srv := node.server()
	defer srv.Close()

	c := testClient(t, srv.URL)
	health, err := c.SystemHealth(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, health.Peers)
	require.False(t, health.IsSyncing)
	require.True(t, health.ShouldHavePeers)
}

func TestClient_ChainGetHeader_DecodesLatestHeader(t *testing.T) {
	node := newFakeNode()
	node.setResult("chain_getHeader", HeaderResult{Number: "0x5", ParentHash: "0xabc"})
	srv := node.server()
	defer srv.Close()

	c := testClient(t, srv.URL)
	h, err := c.ChainGetHeader(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "0x5", h.Number)
	require.Equal(t, "0xabc", h.ParentHash)
}

func TestClient_CallWithRetry_DoesNotRetryResponseError(t *testing.T) {
	node := newFakeNode()
	node.setError("author_hasKey", -32601, "RPC call is unsafe to be called externally")
	srv := node.server()
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.AuthorHasKey(context.Background(), "0xdead", "aura")
	require.Error(t, err)
	require.False(t, Retryable(err))
	require.Len(t, node.calls, 1, "a KindResponse error must not be retried")
}

func TestClient_CallWithRetry_TransportFailureIsRetryable(t *testing.T) {
	// an unroutable address fails every attempt at the transport layer;
	// CallWithRetry exhausts MaxRetries and surfaces a Retryable error
	// rather than hanging for the full context timeout.
	c := testClient(t, "http://127.0.0.1:1").WithFastDial(50 * time.Millisecond)
	_, err := c.SystemHealth(context.Background())
	require.Error(t, err)
	require.True(t, Retryable(err))
}

func TestIsPrunedState_MatchesKnownMessages(t *testing.T) {
	node := newFakeNode()
	node.setError("state_call", -32000, "Client error: Execution failed: Could not find state at block hash 0xdead")
	srv := node.server()
	defer srv.Close()

	c := testClient(t, srv.URL)
	_, err := c.StateCallAuraAuthorities(context.Background(), "0xdead")
	require.Error(t, err)
	require.True(t, IsPrunedState(err))
}
