package netwatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Watcher_transitions(t *testing.T) {
	r := require.New(t)
	w := New(Opts{AssumeOnline: true})
	r.True(w.Online())

	var seen []bool
	unsub := w.Subscribe(func(online bool) { seen = append(seen, online) })

	w.SetOnline(true) // no transition, no event
	w.SetOnline(false)
	w.SetOnline(false)
	w.SetOnline(true)
	unsub()
	w.SetOnline(false)

	r.Equal([]bool{false, true}, seen)
	r.False(w.Online())
}
