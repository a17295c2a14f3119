package lookup

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGet_MissingKeyReportsNotFound(t *testing.T) {
	idx := New()
	_, ok := idx.Get("a")
	require.False(t, ok)
}

func TestGetOrDefault_MissingKeyReturnsZeroValue(t *testing.T) {
	idx := New()
	require.Equal(t, Metadata{}, idx.GetOrDefault("a"))
}

func TestUpdate_ThenGetReturnsLatestValue(t *testing.T) {
	idx := New()
	idx.Update("a", Metadata{Master: 2, Counter: 7})

	got, ok := idx.Get("a")
	require.True(t, ok)
	require.Equal(t, Metadata{Master: 2, Counter: 7}, got)
}

func TestUpdate_OverwritesPreviousValue(t *testing.T) {
	idx := New()
	idx.Update("a", Metadata{Master: 1, Counter: 1})
	idx.Update("a", Metadata{Master: 2, Counter: 2})

	got := idx.GetOrDefault("a")
	require.Equal(t, Metadata{Master: 2, Counter: 2}, got)
}

func TestIndex_ConcurrentUpdatesDoNotRace(t *testing.T) {
	idx := New()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx.Update("a", Metadata{Master: uint32(i), Counter: uint64(i)})
			idx.GetOrDefault("a")
		}(i)
	}
	wg.Wait()
}
