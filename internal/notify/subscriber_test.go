package notify

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/blastline/blastline/internal/models"
)

var testWaitCreds = models.Credentials{Key: "key-w", Address: "+1 5550100"}

func setupSubscriber(t *testing.T, onReady func(context.Context, ReadyEvent)) (*miniredis.Miniredis, *Bus) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	bus := NewBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sub := NewSubscriber(rdb, "events", bus, onReady, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sub.Run(ctx)

	// Wait until the subscription is registered
	deadline := time.Now().Add(5 * time.Second)
	for mr.PubSubNumSub("events")["events"] == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return mr, bus
}

func TestSubscriberForwardsReadyEvents(t *testing.T) {
	var mu sync.Mutex
	var got []ReadyEvent
	mr, _ := setupSubscriber(t, func(_ context.Context, ev ReadyEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	mr.Publish("events", `{"type":"status","status":"ready","credentialKey":"key-1","originatingAddress":"+49 1701234567"}`)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ready event never reached the handler")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].CredentialKey != "key-1" {
		t.Errorf("credentialKey = %q, want key-1", got[0].CredentialKey)
	}
	if got[0].OriginatingAddress != "+49 1701234567" {
		t.Errorf("originatingAddress = %q", got[0].OriginatingAddress)
	}
}

func TestSubscriberIgnoresOtherEvents(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	mr, _ := setupSubscriber(t, func(_ context.Context, ev ReadyEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	mr.Publish("events", `{"type":"status","status":"disconnected"}`)
	mr.Publish("events", `{"type":"message","status":"ready"}`)
	mr.Publish("events", `not json at all`)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("handler called %d times for non-ready events, want 0", calls)
	}
}

func TestSubscriberFeedsWaitReady(t *testing.T) {
	mr, bus := setupSubscriber(t, nil)

	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- bus.WaitReady(ctx, testWaitCreds)
	}()

	time.Sleep(20 * time.Millisecond)
	mr.Publish("events", `{"type":"status","status":"ready","credentialKey":"key-w","originatingAddress":"+1 5550100"}`)

	select {
	case ok := <-done:
		if !ok {
			t.Error("WaitReady() = false, want true after published event")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitReady() did not return")
	}
}
