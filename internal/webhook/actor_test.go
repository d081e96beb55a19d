package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prilive-com/botapigateway/internal/tqueue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestActor_DeliversSingleUpdateAndForgets(t *testing.T) {
	var received atomic.Int32
	var mu sync.Mutex
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&gotBody)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q, err := tqueue.Open("", testLogger())
	require.NoError(t, err)
	defer q.Close()

	id, err := q.Push(1, []byte(`{"x":1}`), time.Now().Add(time.Hour).Unix(), 0)
	require.NoError(t, err)

	verified := make(chan string, 1)
	a := New(testLogger(), q, 1, Config{URL: srv.URL, MaxConnections: 4, LocalMode: true}, Callbacks{
		OnVerified: func(ip string) { verified <- ip },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	deadline := time.After(2 * time.Second)
	for received.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for webhook delivery")
		case <-time.After(10 * time.Millisecond):
		}
	}

	assert.Equal(t, int32(1), received.Load())
	mu.Lock()
	assert.Equal(t, float64(id), gotBody["update_id"])
	assert.Equal(t, float64(1), gotBody["x"])
	mu.Unlock()

	select {
	case <-verified:
	case <-time.After(time.Second):
		t.Fatal("verification callback never fired")
	}

	out := make([]tqueue.Event, 10)
	assert.Eventually(t, func() bool {
		total, _ := q.Get(1, 0, 0, time.Now().Unix(), out)
		return total == 0
	}, time.Second, 10*time.Millisecond)
}

func TestActor_RetriesOnServerErrorThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q, err := tqueue.Open("", testLogger())
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Push(1, []byte(`{}`), time.Now().Add(time.Hour).Unix(), 0)
	require.NoError(t, err)

	a := New(testLogger(), q, 1, Config{URL: srv.URL, MaxConnections: 2, LocalMode: true}, Callbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, 10*time.Second, 20*time.Millisecond)
}

func TestIsAnswerableMethod(t *testing.T) {
	assert.True(t, isAnswerableMethod("sendMessage"))
	assert.False(t, isAnswerableMethod("setWebhook"))
	assert.False(t, isAnswerableMethod("deleteWebhook"))
	assert.False(t, isAnswerableMethod("getMe"))
	assert.False(t, isAnswerableMethod(""))
}
