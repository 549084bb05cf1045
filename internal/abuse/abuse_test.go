package abuse

import (
	"context"
	"testing"
	"time"
)

func TestController_UserThrottled_AtThresholdPlusOne(t *testing.T) {
	store := NewMemoryStore()
	c := New(store, 24*time.Hour, 10, 5)
	now := time.Now()

	for i := 0; i < 5; i++ {
		if err := c.RecordFailure(context.Background(), 1, now); err != nil {
			t.Fatal(err)
		}
	}
	throttled, err := c.UserThrottled(context.Background(), 1, now)
	if err != nil {
		t.Fatal(err)
	}
	if throttled {
		t.Error("expected not throttled at exactly MaxFailedBeforeBlock failures")
	}

	if err := c.RecordFailure(context.Background(), 1, now); err != nil {
		t.Fatal(err)
	}
	throttled, err = c.UserThrottled(context.Background(), 1, now)
	if err != nil {
		t.Fatal(err)
	}
	if !throttled {
		t.Error("expected throttled after MaxFailedBeforeBlock+1 failures")
	}
}

func TestController_GloballyThrottled_AtTenFailures(t *testing.T) {
	store := NewMemoryStore()
	c := New(store, 24*time.Hour, 10, 100)
	now := time.Now()

	for i := int64(0); i < 9; i++ {
		if err := c.RecordFailure(context.Background(), i, now); err != nil {
			t.Fatal(err)
		}
	}
	throttled, err := c.GloballyThrottled(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if throttled {
		t.Error("expected not globally throttled at 9 failures")
	}

	if err := c.RecordFailure(context.Background(), 100, now); err != nil {
		t.Fatal(err)
	}
	throttled, err = c.GloballyThrottled(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if !throttled {
		t.Error("expected globally throttled at 10 failures")
	}
}

func TestController_OldEntriesDoNotCount(t *testing.T) {
	store := NewMemoryStore()
	c := New(store, 24*time.Hour, 10, 1)
	old := time.Now().Add(-25 * time.Hour)
	now := time.Now()

	if err := c.RecordFailure(context.Background(), 1, old); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordFailure(context.Background(), 1, old); err != nil {
		t.Fatal(err)
	}

	throttled, err := c.UserThrottled(context.Background(), 1, now)
	if err != nil {
		t.Fatal(err)
	}
	if throttled {
		t.Error("expected entries older than the window not to count")
	}
}

func TestController_PerUserIsolation(t *testing.T) {
	store := NewMemoryStore()
	c := New(store, 24*time.Hour, 100, 1)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if err := c.RecordFailure(context.Background(), 1, now); err != nil {
			t.Fatal(err)
		}
	}
	throttled, err := c.UserThrottled(context.Background(), 2, now)
	if err != nil {
		t.Fatal(err)
	}
	if throttled {
		t.Error("user 2's failures should be isolated from user 1's")
	}
}
