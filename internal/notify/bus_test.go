package notify

import (
	"context"
	"testing"
	"time"

	"github.com/blastline/blastline/internal/models"
)

func TestBusWaitReadyMatch(t *testing.T) {
	bus := NewBus()
	creds := models.Credentials{Key: "key-1", Address: "+49 1701234567"}

	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- bus.WaitReady(ctx, creds)
	}()

	// Give the waiter a moment to subscribe, then publish a non-matching
	// event followed by the matching one.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(ReadyEvent{CredentialKey: "other", OriginatingAddress: "+1 999"})
	bus.Publish(ReadyEvent{CredentialKey: "key-1", OriginatingAddress: "+49 170 1234567"})

	select {
	case ok := <-done:
		if !ok {
			t.Error("WaitReady() = false, want true")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitReady() did not return")
	}
}

func TestBusWaitReadyAnonymousEvent(t *testing.T) {
	bus := NewBus()
	creds := models.Credentials{Key: "key-1", Address: "+1 100"}

	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- bus.WaitReady(ctx, creds)
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Publish(ReadyEvent{})

	if ok := <-done; !ok {
		t.Error("WaitReady() = false for anonymous event, want true")
	}
}

func TestBusWaitReadyTimeout(t *testing.T) {
	bus := NewBus()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if ok := bus.WaitReady(ctx, models.Credentials{Key: "k", Address: "+1 1"}); ok {
		t.Error("WaitReady() = true without any event")
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()

	// Subscriber that never reads
	_, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(ReadyEvent{CredentialKey: "k"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish() blocked on a slow subscriber")
	}
}

func TestBusUnsubscribeIdempotent(t *testing.T) {
	bus := NewBus()
	_, unsubscribe := bus.Subscribe(1)
	unsubscribe()
	unsubscribe()
}
