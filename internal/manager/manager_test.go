package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prilive-com/botapigateway/internal/apierr"
	"github.com/prilive-com/botapigateway/internal/tqueue"
	"github.com/prilive-com/botapigateway/internal/upstream"
	"github.com/prilive-com/botapigateway/internal/upstream/fake"
	"github.com/prilive-com/botapigateway/internal/webhookdb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T, admission Admission) (*Manager, *fake.Dialer) {
	return newTestManagerWithConfig(t, Config{Admission: admission, MaxWebhookConnections: 40})
}

func newTestManagerWithConfig(t *testing.T, cfg Config) (*Manager, *fake.Dialer) {
	t.Helper()
	q, err := tqueue.Open("", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	db, err := webhookdb.Open("", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dialer := fake.NewDialer()
	m := New(testLogger(), q, db, dialer, cfg)
	return m, dialer
}

func TestManager_RejectsMalformedToken(t *testing.T) {
	m, _ := newTestManager(t, Admission{})
	_, err := m.Dispatch(context.Background(), "1.2.3.4", "not-a-token", false, "getMe", nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrUnauthorized)
}

func TestManager_AdmissionFilterRejectsAndAccepts(t *testing.T) {
	m, _ := newTestManager(t, Admission{Rem: 1, Mod: 3})

	_, err := m.Dispatch(context.Background(), "1.2.3.4", "2:rest-of-token", false, "getMe", nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrMisdirectedRequest)

	_, err = m.Dispatch(context.Background(), "1.2.3.4", "4:rest-of-token", false, "getMe", nil, false)
	assert.NoError(t, err)
}

func TestManager_CreationFloodRejectsThe21stNewBot(t *testing.T) {
	m, _ := newTestManager(t, Admission{})
	for i := 1; i <= 20; i++ {
		token := fmt.Sprintf("%d:rest", i)
		_, err := m.Dispatch(context.Background(), "9.9.9.9", token, false, "getMe", nil, false)
		require.NoError(t, err, "bot %d should be admitted", i)
	}
	_, err := m.Dispatch(context.Background(), "9.9.9.9", "21:rest", false, "getMe", nil, false)
	require.Error(t, err)
	var apiErr *apierr.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.Code)
	assert.GreaterOrEqual(t, apiErr.RetryAfter, 1)
}

func TestManager_GetUpdatesReturnsPushedEvents(t *testing.T) {
	m, dialer := newTestManager(t, Admission{})
	token := "100:rest"

	_, err := m.Dispatch(context.Background(), "1.1.1.1", token, false, "getMe", nil, false)
	require.NoError(t, err)

	dialer.ClientFor(token).Push(upstream.Update{ID: 1, Payload: []byte(`{"message":{"text":"hi"}}`)})

	var got []tqueue.Event
	require.Eventually(t, func() bool {
		res, err := m.Dispatch(context.Background(), "1.1.1.1", token, false, "getUpdates",
			map[string]any{"offset": 0, "timeout": 0}, false)
		if err != nil {
			return false
		}
		events, ok := res.([]tqueue.Event)
		if !ok || len(events) == 0 {
			return false
		}
		got = events
		return true
	}, time.Second, 10*time.Millisecond)

	require.Len(t, got, 1)
}

func TestManager_SetWebhookDeliversAndDeleteWebhookStops(t *testing.T) {
	received := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- body
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	m, dialer := newTestManagerWithConfig(t, Config{LocalMode: true, MaxWebhookConnections: 40})
	token := "200:rest"

	_, err := m.Dispatch(context.Background(), "1.1.1.1", token, false, "getMe", nil, false)
	require.NoError(t, err)

	_, err = m.Dispatch(context.Background(), "1.1.1.1", token, false, "setWebhook",
		map[string]any{"url": srv.URL}, false)
	require.NoError(t, err)

	dialer.ClientFor(token).Push(upstream.Update{ID: 1, Payload: []byte(`{"x":1}`)})

	select {
	case body := <-received:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(body, &decoded))
		assert.EqualValues(t, 1, decoded["update_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the pushed update")
	}

	_, err = m.Dispatch(context.Background(), "1.1.1.1", token, false, "deleteWebhook", nil, false)
	require.NoError(t, err)
	assert.Empty(t, m.webhookDB.Get(token))
}

func TestManager_TopKRanksByScore(t *testing.T) {
	m, _ := newTestManager(t, Admission{})
	for i := 1; i <= 3; i++ {
		token := fmt.Sprintf("%d:rest", i)
		_, err := m.Dispatch(context.Background(), "3.3.3.3", token, false, "getMe", nil, false)
		require.NoError(t, err)
	}
	top := m.TopK(2, time.Now())
	assert.Len(t, top, 2)
}

func TestManager_CloseRejectsSubsequentDispatches(t *testing.T) {
	m, _ := newTestManager(t, Admission{})
	require.NoError(t, m.Close())

	_, err := m.Dispatch(context.Background(), "1.1.1.1", "300:rest", false, "getMe", nil, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrShuttingDown)
}

func TestManager_WatchdogStartStopDoesNotHang(t *testing.T) {
	m, _ := newTestManager(t, Admission{})
	m.StartWatchdog(5*time.Millisecond, 20*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	m.StopWatchdog()
}

func TestManager_RestoreWebhooksReplaysPersistedEntries(t *testing.T) {
	q, err := tqueue.Open("", testLogger())
	require.NoError(t, err)
	defer q.Close()

	db, err := webhookdb.Open("", testLogger())
	require.NoError(t, err)
	defer db.Close()

	desc := webhookdb.Descriptor{URL: "https://example.invalid/hook", MaxConnections: 5}
	require.NoError(t, db.Set("400:resttoken", desc.Encode()))

	dialer := fake.NewDialer()
	m := New(testLogger(), q, db, dialer, Config{LocalMode: true})

	m.RestoreWebhooks(context.Background())

	assert.Equal(t, 1, m.BotCount())
}

func TestManager_RestoreWebhooksSkipsEntriesFailingAdmission(t *testing.T) {
	q, err := tqueue.Open("", testLogger())
	require.NoError(t, err)
	defer q.Close()

	db, err := webhookdb.Open("", testLogger())
	require.NoError(t, err)
	defer db.Close()

	desc := webhookdb.Descriptor{URL: "https://example.invalid/hook"}
	require.NoError(t, db.Set("401:resttoken", desc.Encode()))

	dialer := fake.NewDialer()
	m := New(testLogger(), q, db, dialer, Config{LocalMode: true, Admission: Admission{Rem: 0, Mod: 2}})

	m.RestoreWebhooks(context.Background())

	assert.Equal(t, 0, m.BotCount())
}
