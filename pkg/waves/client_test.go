package waves

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeScript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/invoke", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))

		var req InvokeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "3N1dApp", req.DApp)
		assert.Equal(t, "storeMetrics", req.Function)
		require.Len(t, req.Args, 1)
		assert.Equal(t, "string", req.Args[0].Type)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "tx-abc"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")

	tx, err := client.InvokeScript(context.Background(), InvokeRequest{
		DApp:     "3N1dApp",
		Function: "storeMetrics",
		Args:     []Arg{{Type: "string", Value: `{"operating_hours":"750"}`}},
	})
	require.NoError(t, err)
	assert.Equal(t, "tx-abc", tx.ID)
}

func TestInvokeScriptGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`node unreachable`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")

	_, err := client.InvokeScript(context.Background(), InvokeRequest{Function: "storeMetrics"})
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
	assert.Contains(t, statusErr.Body, "node unreachable")
}

func TestTransactionInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions/info/tx-abc", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "tx-abc", "height": 123456}`))
	}))
	defer srv.Close()

	client := NewClient("http://gateway.invalid", "test-key", WithNodeURL(srv.URL))

	info, err := client.TransactionInfo(context.Background(), "tx-abc")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int64(123456), info.Height)
}

func TestTransactionInfoNotMined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": 311, "message": "transactions does not exist"}`))
	}))
	defer srv.Close()

	client := NewClient("http://gateway.invalid", "test-key", WithNodeURL(srv.URL))

	info, err := client.TransactionInfo(context.Background(), "tx-missing")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestWaitForTransaction(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "tx-abc", "height": 42}`))
	}))
	defer srv.Close()

	client := NewClient("http://gateway.invalid", "test-key",
		WithNodeURL(srv.URL),
		WithPollInterval(time.Millisecond),
	)

	info, err := client.WaitForTransaction(context.Background(), "tx-abc", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.Height)
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestWaitForTransactionTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient("http://gateway.invalid", "test-key",
		WithNodeURL(srv.URL),
		WithPollInterval(time.Millisecond),
	)

	_, err := client.WaitForTransaction(context.Background(), "tx-abc", 5*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout waiting for transaction")
}

func TestWaitForTransactionCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient("http://gateway.invalid", "test-key",
		WithNodeURL(srv.URL),
		WithPollInterval(50*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.WaitForTransaction(ctx, "tx-abc", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}
