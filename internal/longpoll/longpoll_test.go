package longpoll

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prilive-com/botapigateway/internal/tqueue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestWaiter_ImmediateReturnWhenEventsAvailable(t *testing.T) {
	q, err := tqueue.Open("", testLogger())
	require.NoError(t, err)
	defer q.Close()

	id, err := q.Push(1, []byte("{}"), time.Now().Add(time.Hour).Unix(), 0)
	require.NoError(t, err)

	w := New(testLogger(), q, 1)
	got, err := w.GetUpdates(context.Background(), 0, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
}

func TestWaiter_ParksAndWakesOnPush(t *testing.T) {
	q, err := tqueue.Open("", testLogger())
	require.NoError(t, err)
	defer q.Close()

	w := New(testLogger(), q, 1)

	resultCh := make(chan []tqueue.Event, 1)
	go func() {
		got, err := w.GetUpdates(context.Background(), 0, 10, 5)
		require.NoError(t, err)
		resultCh <- got
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = q.Push(1, []byte(`{"a":1}`), time.Now().Add(time.Hour).Unix(), 0)
	require.NoError(t, err)

	select {
	case got := <-resultCh:
		require.Len(t, got, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("parked getUpdates never woke on push")
	}
}

func TestWaiter_TimesOutWithEmptyResult(t *testing.T) {
	q, err := tqueue.Open("", testLogger())
	require.NoError(t, err)
	defer q.Close()

	w := New(testLogger(), q, 1)
	start := time.Now()
	got, err := w.GetUpdates(context.Background(), 0, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestWaiter_NewCallSupersedesParkedCallWithEmptyResult(t *testing.T) {
	q, err := tqueue.Open("", testLogger())
	require.NoError(t, err)
	defer q.Close()

	w := New(testLogger(), q, 1)

	resultCh := make(chan []tqueue.Event, 1)
	errCh := make(chan error, 1)
	go func() {
		got, err := w.GetUpdates(context.Background(), 0, 10, 5)
		resultCh <- got
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	// The new call's offset (0) does not acknowledge any events the old
	// parked call (also waiting from offset 0) hadn't delivered yet, so the
	// old call is superseded cleanly rather than conflicted.
	_, err = w.GetUpdates(context.Background(), 0, 10, 0)
	require.NoError(t, err)

	select {
	case err := <-errCh:
		require.NoError(t, err)
		assert.Empty(t, <-resultCh)
	case <-time.After(2 * time.Second):
		t.Fatal("old parked call was never superseded")
	}
}

func TestWaiter_NewCallAbortsParkedCallWithConflictWhenAcknowledgingEvents(t *testing.T) {
	q, err := tqueue.Open("", testLogger())
	require.NoError(t, err)
	defer q.Close()

	w := New(testLogger(), q, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := w.GetUpdates(context.Background(), 0, 10, 5)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	// An offset past what the old parked call was waiting from means this
	// caller already saw updates the old poll hadn't handed back yet: a real
	// conflict, reserved for HTTP 409.
	_, err = w.GetUpdates(context.Background(), 5, 10, 0)
	require.NoError(t, err)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConflict)
	case <-time.After(2 * time.Second):
		t.Fatal("old parked call was never aborted")
	}
}

func TestWaiter_AbortCancelsParkedCall(t *testing.T) {
	q, err := tqueue.Open("", testLogger())
	require.NoError(t, err)
	defer q.Close()

	w := New(testLogger(), q, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := w.GetUpdates(context.Background(), 0, 10, 5)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	w.Abort()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConflict)
	case <-time.After(2 * time.Second):
		t.Fatal("Abort did not cancel the parked call")
	}
}
