package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_GetAbsent(t *testing.T) {
	store := NewMemoryStore()

	_, found, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if found {
		t.Error("Expected missing key to be absent")
	}
}

func TestMemoryStore_CreateIfAbsent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := BucketState{Tokens: 4, LastRefill: time.Now()}

	swapped, err := store.CompareAndSet(ctx, "bucket1", nil, state, time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !swapped {
		t.Fatal("Expected creation of absent key to succeed")
	}

	// A second create of the same key must conflict
	swapped, err = store.CompareAndSet(ctx, "bucket1", nil, state, time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if swapped {
		t.Error("Expected creation of existing key to conflict")
	}

	stored, found, _ := store.Get(ctx, "bucket1")
	if !found || !stored.Equal(state) {
		t.Errorf("Expected stored state %+v, got %+v (found=%v)", state, stored, found)
	}
}

func TestMemoryStore_CompareAndSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	initial := BucketState{Tokens: 4, LastRefill: time.Now()}
	store.CompareAndSet(ctx, "bucket1", nil, initial, time.Minute)

	updated := BucketState{Tokens: 3, LastRefill: initial.LastRefill}

	swapped, err := store.CompareAndSet(ctx, "bucket1", &initial, updated, time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !swapped {
		t.Fatal("Expected CAS with matching expectation to succeed")
	}

	// Stale expectation must conflict
	swapped, err = store.CompareAndSet(ctx, "bucket1", &initial, updated, time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if swapped {
		t.Error("Expected CAS with stale expectation to conflict")
	}
}

func TestMemoryStore_CompareAndSetAbsent(t *testing.T) {
	store := NewMemoryStore()

	expected := BucketState{Tokens: 1, LastRefill: time.Now()}
	swapped, err := store.CompareAndSet(context.Background(), "missing", &expected, expected, time.Minute)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if swapped {
		t.Error("Expected CAS against an absent key to conflict")
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := BucketState{Tokens: 1, LastRefill: time.Now()}
	store.CompareAndSet(ctx, "bucket1", nil, state, 20*time.Millisecond)

	time.Sleep(40 * time.Millisecond)

	_, found, _ := store.Get(ctx, "bucket1")
	if found {
		t.Error("Expected bucket to be reclaimed after its TTL")
	}

	// Expired key behaves as absent for creation
	swapped, _ := store.CompareAndSet(ctx, "bucket1", nil, state, time.Minute)
	if !swapped {
		t.Error("Expected creation to succeed after expiry")
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := BucketState{Tokens: 1, LastRefill: time.Now()}
	store.CompareAndSet(ctx, "stale", nil, state, 10*time.Millisecond)
	store.CompareAndSet(ctx, "fresh", nil, state, time.Hour)

	time.Sleep(20 * time.Millisecond)
	store.Cleanup()

	store.mu.Lock()
	_, staleExists := store.entries["stale"]
	_, freshExists := store.entries["fresh"]
	store.mu.Unlock()

	if staleExists {
		t.Error("Expected stale bucket to be removed")
	}
	if !freshExists {
		t.Error("Expected fresh bucket to survive cleanup")
	}
}
