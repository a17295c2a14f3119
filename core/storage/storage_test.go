package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slogdb/slog/core/model"
)

func TestPutGet_RoundTrip(t *testing.T) {
	s := New()
	s.Put("a", model.Record{Value: model.Value("v"), Metadata: model.Metadata{Master: 1, Counter: 2}})

	rec, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, model.Value("v"), rec.Value)
	require.Equal(t, uint32(1), rec.Metadata.Master)
}

func TestGet_MissingKeyReportsNotFound(t *testing.T) {
	s := New()
	_, ok := s.Get("missing")
	require.False(t, ok)
}

func TestDelete_RemovesKey(t *testing.T) {
	s := New()
	s.Put("a", model.Record{Value: model.Value("v")})
	s.Delete("a")
	_, ok := s.Get("a")
	require.False(t, ok)
}

func TestUpdateMetadata_PreservesValue(t *testing.T) {
	s := New()
	s.Put("a", model.Record{Value: model.Value("v"), Metadata: model.Metadata{Master: 0, Counter: 0}})
	s.UpdateMetadata("a", model.Metadata{Master: 3, Counter: 1})

	rec, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, model.Value("v"), rec.Value)
	require.Equal(t, uint32(3), rec.Metadata.Master)
	require.Equal(t, uint64(1), rec.Metadata.Counter)
}

func TestStore_ConcurrentDisjointKeysDoNotRace(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := model.Key(rune('a' + i%26))
			s.Put(key, model.Record{Value: model.Value{byte(i)}})
			s.Get(key)
		}(i)
	}
	wg.Wait()
}
