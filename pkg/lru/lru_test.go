package lru

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_LRU_order(t *testing.T) {
	r := require.New(t)
	q := New[string, int](0, nil)

	q.Add("a", 1)
	q.Add("b", 2)
	q.Add("c", 3)

	// Touch "a" so "b" becomes the oldest.
	_, ok := q.Get("a")
	r.True(ok)

	k, v, ok := q.PopOldest()
	r.True(ok)
	r.Equal("b", k)
	r.Equal(2, v)

	k, _, ok = q.PopOldest()
	r.True(ok)
	r.Equal("c", k)

	k, _, ok = q.PopOldest()
	r.True(ok)
	r.Equal("a", k)

	_, _, ok = q.PopOldest()
	r.False(ok)
}

func Test_LRU_peek_does_not_touch(t *testing.T) {
	r := require.New(t)
	q := New[string, int](0, nil)

	q.Add("a", 1)
	q.Add("b", 2)

	_, ok := q.Peek("a")
	r.True(ok)

	k, _, ok := q.PopOldest()
	r.True(ok)
	r.Equal("a", k)
}

func Test_LRU_bounded_evicts_oldest(t *testing.T) {
	r := require.New(t)
	evicted := make([]string, 0)
	q := New[string, int](2, func(key string, _ int) {
		evicted = append(evicted, key)
	})

	q.Add("a", 1)
	q.Add("b", 2)
	q.Add("c", 3)

	r.Equal([]string{"a"}, evicted)
	r.Equal(2, q.Len())

	_, ok := q.Peek("a")
	r.False(ok)
}

func Test_LRU_clean(t *testing.T) {
	r := require.New(t)
	q := New[int, int](0, nil)
	for i := 0; i < 10; i++ {
		q.Add(i, i)
	}

	removed := q.Clean(func(key int, _ int) bool {
		return key%2 == 0
	})
	r.Equal(5, removed)
	r.Equal(5, q.Len())
}
