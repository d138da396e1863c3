package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypothesis/h-sub003/internal/logger"
)

func setupBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	bus, err := NewRedisBus("redis://"+s.Addr(), "annotation-events", logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus, s
}

func TestNewRedisBusBadURL(t *testing.T) {
	_, err := NewRedisBus("not a url", "c", logger.NewNop())
	require.Error(t, err)
}

func TestPublishSubscribe(t *testing.T) {
	bus, _ := setupBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 2)
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(ctx, func(_ context.Context, ev Event) error {
			select {
			case got <- ev:
			default:
			}
			return nil
		})
	}()

	want := Event{Action: ActionCreate, AnnotationID: "e0tsKg8eTTybihEiM0RVZg", Annotation: map[string]any{"text": "hello"}}
	require.Eventually(t, func() bool {
		assert.NoError(t, bus.Publish(ctx, want))
		select {
		case ev := <-got:
			assert.Equal(t, want, ev)
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestSubscribeSkipsMalformedPayloads(t *testing.T) {
	bus, s := setupBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 4)
	go func() {
		_ = bus.Subscribe(ctx, func(_ context.Context, ev Event) error {
			select {
			case got <- ev:
			default:
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		s.Publish("annotation-events", "{not json")
		assert.NoError(t, bus.Publish(ctx, Event{Action: ActionDelete, AnnotationID: "x"}))
		select {
		case ev := <-got:
			assert.Equal(t, ActionDelete, ev.Action)
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublishRejectsUnknownAction(t *testing.T) {
	bus, _ := setupBus(t)
	err := bus.Publish(context.Background(), Event{Action: "flag", AnnotationID: "x"})
	require.Error(t, err)
}
