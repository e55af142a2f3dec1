package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natemellendorf/relaychat/internal/model"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "tok")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSend(t *testing.T) {
	expires := time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/relay/send", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req model.SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bob", req.RecipientID)
		assert.Equal(t, "ct", req.EncryptedContent)

		writeJSON(w, http.StatusOK, model.SendResponse{
			Success: true, MessageID: req.MessageID, Status: model.StatusQueued, ExpiresAt: expires,
		})
	})

	resp, err := c.Send(context.Background(), model.SendRequest{
		RecipientID: "bob",
		MessageID:   "id-1",
		Payload:     model.Payload{EncryptedContent: "ct"},
	})
	require.NoError(t, err)
	assert.Equal(t, "id-1", resp.MessageID)
	assert.Equal(t, model.StatusQueued, resp.Status)
	assert.True(t, expires.Equal(resp.ExpiresAt))
}

func TestSendDuplicate(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, model.ErrorResponse{Error: "duplicate message id"})
	})

	_, err := c.Send(context.Background(), model.SendRequest{MessageID: "id-1"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.False(t, IsRetryable(err))
}

func TestStatusErrors(t *testing.T) {
	status := http.StatusInternalServerError
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, model.ErrorResponse{Error: "boom"})
	})

	_, err := c.Pending(context.Background())
	require.Error(t, err)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, "boom", se.Message)
	assert.True(t, IsRetryable(err))

	status = http.StatusBadRequest
	_, err = c.Acknowledge(context.Background(), "x")
	require.Error(t, err)
	assert.False(t, IsRetryable(err))

	status = http.StatusTooManyRequests
	_, err = c.Stats(context.Background())
	assert.True(t, IsRetryable(err))
}

func TestNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := New(srv.URL, "tok")
	srv.Close()

	_, err := c.Pending(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestPendingAckStatsCleanup(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/relay/pending":
			writeJSON(w, http.StatusOK, model.PendingResponse{
				Success: true, Count: 2,
				Messages: []*model.RelayMessage{{ID: "a"}, {ID: "b"}},
			})
		case "/relay/acknowledge":
			var req model.AckRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			writeJSON(w, http.StatusOK, model.AckResponse{
				Success: true, MessageID: req.MessageID, Status: "acknowledged", Result: "not_found",
			})
		case "/relay/stats":
			writeJSON(w, http.StatusOK, model.StatsResponse{Success: true, Stats: model.Stats{Total: 3, OnlineUsers: 1}})
		case "/relay/cleanup":
			writeJSON(w, http.StatusOK, model.CleanupResponse{Success: true, DeletedCount: 4})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	msgs, err := c.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID)

	ack, err := c.Acknowledge(ctx, "gone")
	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.Equal(t, "not_found", ack.Result)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)

	n, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
