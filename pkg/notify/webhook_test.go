package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmur-labs/scribed/pkg/task"
)

func TestNewWebhookDisabledWithoutURL(t *testing.T) {
	assert.Nil(t, NewWebhook(Config{}))
}

func TestTaskFinishedPostsPayload(t *testing.T) {
	got := make(chan payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer hunter2", r.Header.Get("Authorization"))

		var p payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		got <- p
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(Config{URL: srv.URL, Secret: "hunter2"})
	require.NotNil(t, wh)
	defer wh.Close()

	wh.TaskFinished(task.Snapshot{
		TaskID: "t-1",
		Status: task.StatusCompleted,
	})

	select {
	case p := <-got:
		assert.Equal(t, "task.completed", p.Event)
		assert.Equal(t, "t-1", p.Task.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestDeliveryRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(Config{URL: srv.URL, Backoff: 10 * time.Millisecond})
	require.NotNil(t, wh)

	wh.TaskFinished(task.Snapshot{TaskID: "t-1", Status: task.StatusFailed})
	wh.Close()

	assert.Equal(t, int32(2), calls.Load())
}

func TestDeliveryGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := NewWebhook(Config{URL: srv.URL, MaxAttempts: 2, Backoff: 10 * time.Millisecond})
	require.NotNil(t, wh)

	wh.TaskFinished(task.Snapshot{TaskID: "t-1", Status: task.StatusFailed})
	wh.Close()

	assert.Equal(t, int32(2), calls.Load())
}
