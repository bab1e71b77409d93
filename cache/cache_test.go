package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sharedcode/fabric"
)

func TestCache_BasicOperations(t *testing.T) {
	c := NewStringCache[int](100, 4)

	if _, ok := c.TryGet("a"); ok {
		t.Fatalf("TryGet on empty cache returned found")
	}

	v, inserted := c.TryPutOrGet("a", 1)
	if !inserted || v != 1 {
		t.Fatalf("TryPutOrGet insert returned (%d, %v)", v, inserted)
	}
	v, inserted = c.TryPutOrGet("a", 2)
	if inserted || v != 1 {
		t.Fatalf("TryPutOrGet existing returned (%d, %v), expected (1, false)", v, inserted)
	}

	if v, ok := c.TryGet("a"); !ok || v != 1 {
		t.Errorf("TryGet returned (%d, %v)", v, ok)
	}
	if !c.TryRemove("a") {
		t.Errorf("TryRemove returned false")
	}
	if c.TryRemove("a") {
		t.Errorf("second TryRemove returned true")
	}
}

func TestCache_TryInvalidatePolicy(t *testing.T) {
	c := NewStringCache[int](100, 4)
	c.Put("a", 10)

	if c.TryInvalidate("a", func(existing int) bool { return existing > 10 }) {
		t.Fatalf("TryInvalidate removed entry the policy disallowed")
	}
	if _, ok := c.TryGet("a"); !ok {
		t.Fatalf("entry gone after disallowed invalidation")
	}
	if !c.TryInvalidate("a", func(existing int) bool { return existing == 10 }) {
		t.Fatalf("TryInvalidate did not remove allowed entry")
	}
}

func TestCache_LruEviction(t *testing.T) {
	// Single bucket so capacity is exact.
	c := NewStringCache[int](3, 1)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// Touch "a" so "b" is the least recently used.
	c.TryGet("a")
	c.Put("d", 4)

	if _, ok := c.TryGet("b"); ok {
		t.Errorf("LRU entry b survived eviction")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := c.TryGet(k); !ok {
			t.Errorf("entry %s evicted unexpectedly", k)
		}
	}
}

func TestCache_BeginTryGetSingleFlight(t *testing.T) {
	c := NewStringCache[string](100, 4)
	ctx := context.Background()

	const waiters = 8
	var firstCount int32
	var wg sync.WaitGroup
	results := make([]string, waiters)

	for i := 0; i < waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, hit, isFirst, err := c.BeginTryGet(ctx, "key")
			if err != nil {
				t.Errorf("BeginTryGet failed: %v", err)
				return
			}
			if isFirst {
				atomic.AddInt32(&firstCount, 1)
				// Simulate the fetch the elected waiter performs.
				time.Sleep(20 * time.Millisecond)
				c.EndFetch("key", "fetched")
				results[i] = "fetched"
				return
			}
			if !hit {
				t.Errorf("non-first waiter got no hit")
			}
			results[i] = v
		}()
	}
	wg.Wait()

	if firstCount != 1 {
		t.Fatalf("%d waiters got elected, expected exactly 1", firstCount)
	}
	for i, r := range results {
		if r != "fetched" {
			t.Errorf("waiter %d observed %q", i, r)
		}
	}
	if v, ok := c.TryGet("key"); !ok || v != "fetched" {
		t.Errorf("fetched value not cached: (%q, %v)", v, ok)
	}
}

func TestCache_FailFetchReleasesWaiters(t *testing.T) {
	c := NewStringCache[string](100, 4)
	ctx := context.Background()

	_, _, isFirst, err := c.BeginTryGet(ctx, "key")
	if err != nil || !isFirst {
		t.Fatalf("first BeginTryGet: isFirst=%v err=%v", isFirst, err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, _, err := c.BeginTryGet(ctx, "key")
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.FailFetch("key", fabric.NewError(fabric.NameNotFound, fmt.Errorf("no such name")))

	err = <-errCh
	if fabric.CodeOf(err) != fabric.NameNotFound {
		t.Fatalf("waiter error = %v, expected NameNotFound", err)
	}
	if _, ok := c.TryGet("key"); ok {
		t.Errorf("failed fetch left a cached value")
	}
}

func TestCache_BeginTryGetTimeout(t *testing.T) {
	c := NewStringCache[string](100, 4)

	ctx := context.Background()
	_, _, isFirst, err := c.BeginTryGet(ctx, "key")
	if err != nil || !isFirst {
		t.Fatalf("first BeginTryGet: isFirst=%v err=%v", isFirst, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, _, _, err = c.BeginTryGet(waitCtx, "key")
	if fabric.CodeOf(err) != fabric.Timeout {
		t.Fatalf("waiter error = %v, expected Timeout", err)
	}

	// Unblock the pending fetch for cleanliness.
	c.EndFetch("key", "late")
}
