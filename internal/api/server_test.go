package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"beatq/internal/broker"
	"beatq/internal/config"
	"beatq/internal/results"
	"beatq/internal/task"
)

func testServer(t *testing.T) (*Server, *broker.Redis, *results.Redis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		MaxRetries:   3,
		PollInterval: 5 * time.Millisecond,
		ResultTTL:    time.Minute,
	}
	b := broker.NewRedisWithClient(client, cfg)
	backend := results.NewRedis(client)
	return New(cfg, b, backend, nil, nil), b, backend
}

func TestPublishEndpoint(t *testing.T) {
	srv, b, _ := testServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/tasks",
		strings.NewReader(`{"name": "echo", "args": ["hi"], "queue": "default"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)

	deliveries, err := b.Lease(context.Background(), []string{"default"}, 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, resp.ID, deliveries[0].Msg.ID)
	require.Equal(t, 3, deliveries[0].Msg.MaxRetries)
}

func TestPublishRequiresName(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"args": []}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPublishWithDelayIsNotImmediatelyLeasable(t *testing.T) {
	srv, b, _ := testServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/tasks",
		strings.NewReader(`{"name": "echo", "delay_seconds": 60}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	deliveries, err := b.Lease(context.Background(), []string{"default"}, 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, deliveries)
}

func TestGetResult(t *testing.T) {
	srv, _, backend := testServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/tasks/unknown-id", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, backend.Store(context.Background(), &task.Result{
		TaskID: "known-id",
		Status: task.StatusSuccess,
		Value:  "hi",
	}, time.Minute))

	req = httptest.NewRequest(http.MethodGet, "/tasks/known-id", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var res task.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, task.StatusSuccess, res.Status)
	require.Equal(t, "hi", res.Value)
}

func TestRevokeEndpoint(t *testing.T) {
	srv, b, _ := testServer(t)
	router := srv.Router()

	msg := task.NewMessage("echo", nil, nil)
	id, err := b.Publish(context.Background(), msg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/tasks/"+id+"/revoke", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	deliveries, err := b.Lease(context.Background(), []string{"default"}, 1, 20*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, deliveries)
}

func TestDLQEndpoint(t *testing.T) {
	srv, b, _ := testServer(t)
	router := srv.Router()

	msg := task.NewMessage("doomed", nil, nil)
	_, err := b.Publish(context.Background(), msg)
	require.NoError(t, err)
	deliveries, err := b.Lease(context.Background(), []string{"default"}, 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	_, err = b.Nack(context.Background(), deliveries[0], false, 0)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/dlq", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Items []*task.Message `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, msg.ID, resp.Items[0].ID)
}
