package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	addr, done, err := Serve(ctx, "127.0.0.1:0", logger)
	require.NoError(t, err)

	QuotaThrottlesTotal.Inc()
	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "inboxrules_quota_throttles_total")

	cancel()
	assert.NoError(t, <-done)
}

func TestServeBadAddr(t *testing.T) {
	_, _, err := Serve(context.Background(), "not-an-addr", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
