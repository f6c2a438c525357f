package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Bus_subscribe_unsubscribe(t *testing.T) {
	r := require.New(t)
	b := NewBus[int](nil)

	var got []int
	unsub := b.Subscribe(func(v int) { got = append(got, v) })

	b.Publish(1)
	b.Publish(2)
	unsub()
	b.Publish(3)
	unsub() // second call is a no-op

	r.Equal([]int{1, 2}, got)
	r.Equal(0, b.Len())
}

func Test_Bus_panic_isolation(t *testing.T) {
	r := require.New(t)
	b := NewBus[string](nil)

	var first, last bool
	b.Subscribe(func(string) { first = true })
	b.Subscribe(func(string) { panic("listener boom") })
	b.Subscribe(func(string) { last = true })

	b.Publish("x")

	r.True(first)
	r.True(last)
}
