package storage

import (
	"testing"
	"time"
)

func TestCachePutGet(t *testing.T) {
	cache := NewTTLCache(10, time.Minute)

	if _, ok := cache.Get("missing"); ok {
		t.Error("Expected miss for absent key")
	}

	cache.Put("k", []byte("v"))
	got, ok := cache.Get("k")
	if !ok || string(got) != "v" {
		t.Errorf("Expected hit with 'v', got %q ok=%v", got, ok)
	}

	cache.Put("k", []byte("v2"))
	got, ok = cache.Get("k")
	if !ok || string(got) != "v2" {
		t.Errorf("Expected refreshed value, got %q ok=%v", got, ok)
	}
}

func TestCacheExpiry(t *testing.T) {
	cache := NewTTLCache(10, 10*time.Millisecond)

	cache.Put("k", []byte("v"))
	time.Sleep(25 * time.Millisecond)

	if _, ok := cache.Get("k"); ok {
		t.Error("Expected miss after TTL")
	}
	if cache.Len() != 0 {
		t.Errorf("Expected expired entry to be dropped on read, len=%d", cache.Len())
	}
}

func TestCacheEviction(t *testing.T) {
	cache := NewTTLCache(2, time.Minute)

	cache.Put("a", []byte("1"))
	cache.Put("b", []byte("2"))
	cache.Get("a") // a is now most recently used
	cache.Put("c", []byte("3"))

	if _, ok := cache.Get("b"); ok {
		t.Error("Expected oldest entry to be evicted")
	}
	if _, ok := cache.Get("a"); !ok {
		t.Error("Recently used entry was evicted")
	}
	if _, ok := cache.Get("c"); !ok {
		t.Error("Newest entry missing")
	}
}

func TestCachePurge(t *testing.T) {
	cache := NewTTLCache(10, 10*time.Millisecond)

	cache.Put("a", []byte("1"))
	cache.Put("b", []byte("2"))
	time.Sleep(25 * time.Millisecond)
	cache.Put("c", []byte("3"))

	if removed := cache.Purge(); removed != 2 {
		t.Errorf("Expected 2 purged, got %d", removed)
	}
	if cache.Len() != 1 {
		t.Errorf("Expected 1 entry left, got %d", cache.Len())
	}
}

func TestCacheDeleteAndClear(t *testing.T) {
	cache := NewTTLCache(10, time.Minute)

	cache.Put("a", []byte("1"))
	cache.Delete("a")
	if _, ok := cache.Get("a"); ok {
		t.Error("Expected miss after delete")
	}

	cache.Put("b", []byte("2"))
	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("Expected empty cache after clear, len=%d", cache.Len())
	}
}
