package lru

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ t time.Time }

func (m *manualClock) now() time.Time { return m.t }
func (m *manualClock) advance(d time.Duration) { m.t = m.t.Add(d) }

func withClock[K comparable, V any](c *Cache[K, V]) *manualClock {
	m := &manualClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.now = m.now
	return m
}

func TestGetPut(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")

	k, v, evicted := c.Put("c", 3)
	require.True(t, evicted)
	assert.Equal(t, "b", k)
	assert.Equal(t, 2, v)
	assert.False(t, c.Contains("b"))
	assert.Equal(t, []string{"c", "a"}, c.Keys())
}

func TestUpdateExistingDoesNotEvict(t *testing.T) {
	c := New[string, int](1)
	c.Put("a", 1)
	_, _, evicted := c.Put("a", 2)
	assert.False(t, evicted)
	v, _ := c.Get("a")
	assert.Equal(t, 2, v)
}

func TestDeleteAndClear(t *testing.T) {
	c := New[string, int](3)
	c.Put("a", 1)
	c.Put("b", 2)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Keys())
}

func TestPeekDoesNotPromote(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Peek("a")

	k, _, _ := c.Put("c", 3)
	assert.Equal(t, "a", k)
	assert.Equal(t, Stats{Evictions: 1}, c.Stats())
}

func TestPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[string, int](0) })
}

func TestTTL(t *testing.T) {
	c := New[string, int](10, WithTTL[string, int](100*time.Millisecond))
	clk := withClock(c)

	c.Put("a", 1)
	c.PutWithTTL("forever", 2, 0)
	assert.True(t, c.Contains("a"))

	clk.advance(80 * time.Millisecond)
	c.Put("a", 3)
	clk.advance(80 * time.Millisecond)
	v, ok := c.Get("a")
	require.True(t, ok, "update resets ttl")
	assert.Equal(t, 3, v)

	clk.advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.True(t, c.Contains("forever"))
	assert.Equal(t, uint64(1), c.Stats().Expirations)
}

func TestKeysAndPurgeSkipExpired(t *testing.T) {
	c := New[string, int](10)
	clk := withClock(c)
	c.PutWithTTL("old", 1, 50*time.Millisecond)
	c.Put("alive", 2)

	clk.advance(100 * time.Millisecond)
	assert.Equal(t, []string{"alive"}, c.Keys())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 1, c.Len())
}

func TestOnEvict(t *testing.T) {
	var got []string
	c := New[string, int](2,
		WithTTL[string, int](time.Minute),
		WithOnEvict[string, int](func(k string, _ int) { got = append(got, k) }),
	)
	clk := withClock(c)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	assert.Equal(t, []string{"a"}, got)

	clk.advance(2 * time.Minute)
	c.Get("b")
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestStatsHitRate(t *testing.T) {
	c := New[string, int](10)
	assert.Zero(t, c.Stats().HitRate())

	c.Put("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, uint64(3), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.InDelta(t, 0.75, s.HitRate(), 0.001)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int, int](100, WithTTL[int, int](50*time.Millisecond))
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Put(offset*500+i, i)
				c.Get(offset*500 + i)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 100)
}

func BenchmarkPut(b *testing.B) {
	c := New[int, int](1000)
	for i := 0; i < b.N; i++ {
		c.Put(i, i)
	}
}

func BenchmarkGetHit(b *testing.B) {
	c := New[int, int](1000)
	for i := 0; i < 1000; i++ {
		c.Put(i, i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(i % 1000)
	}
}

func ExampleCache() {
	cache := New[string, int](2)
	cache.Put("a", 1)
	cache.Put("b", 2)

	v, _ := cache.Get("a")
	fmt.Println(v)

	cache.Put("c", 3)
	_, ok := cache.Get("b")
	fmt.Println(ok)

	// Output:
	// 1
	// false
}
