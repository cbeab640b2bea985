package reload

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroadcasterCoalesces(t *testing.T) {
	b := NewBroadcaster()
	a, cancelA := b.Subscribe()
	c, cancelC := b.Subscribe()
	defer cancelC()

	require.Equal(t, 2, b.Notify())
	require.Equal(t, 2, b.Notify())

	<-a
	select {
	case <-a:
		t.Fatal("notifications should coalesce")
	default:
	}
	<-c

	cancelA()
	cancelA()
	require.Equal(t, 1, b.Len())
	require.Equal(t, 1, b.Notify())
}

func TestWatcherDebouncesMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	var (
		mu  sync.Mutex
		got []string
	)
	fired := make(chan struct{}, 4)
	w, err := NewWatcher(WatchConfig{
		Paths:    []string{dir},
		Patterns: []string{"*.json"},
		Debounce: 50 * time.Millisecond,
		OnChange: func(_ context.Context, changed []string) {
			mu.Lock()
			got = append(got, changed...)
			mu.Unlock()
			fired <- struct{}{}
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	require.Contains(t, got, filepath.Join(abs, "a.json"))
	require.NotContains(t, got, filepath.Join(abs, "notes.txt"))
}

func TestWatcherSingleFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("a: 1"), 0o644))

	fired := make(chan []string, 1)
	w, err := NewWatcher(WatchConfig{
		Paths:    []string{file},
		Debounce: 20 * time.Millisecond,
		OnChange: func(_ context.Context, changed []string) {
			select {
			case fired <- changed:
			default:
			}
		},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("b: 1"), 0o644))
	require.NoError(t, os.WriteFile(file, []byte("a: 2"), 0o644))

	select {
	case changed := <-fired:
		abs, _ := filepath.Abs(file)
		require.Equal(t, []string{abs}, changed)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
	require.Error(t, w.Run(ctx), "second Run must fail")
}

func TestNewWatcherErrors(t *testing.T) {
	_, err := NewWatcher(WatchConfig{Paths: []string{filepath.Join(t.TempDir(), "missing")}})
	require.Error(t, err)
	_, err = NewWatcher(WatchConfig{Patterns: []string{"[abc"}})
	require.Error(t, err)
}
