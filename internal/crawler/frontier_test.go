package crawler

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFrontier(t *testing.T, maxDepth, maxPages int) *Frontier {
	t.Helper()
	f, err := NewFrontier(FrontierOptions{StartURL: "https://8se.me/", MaxDepth: maxDepth, MaxPages: maxPages})
	require.NoError(t, err)
	return f
}

func TestFrontierRejectsBeyondMaxDepth(t *testing.T) {
	f := newTestFrontier(t, 1, 0)
	require.True(t, f.Push("https://8se.me/", 0))

	entry, ok := f.Pop()
	require.True(t, ok)
	require.Equal(t, 0, entry.Depth)

	require.False(t, f.Push("https://8se.me/url1", 2))
	require.True(t, f.Push("https://8se.me/url2", 1))
	require.Equal(t, 1, f.Len())
}

func TestFrontierNormalisesAndDedups(t *testing.T) {
	f := newTestFrontier(t, 3, 0)
	require.True(t, f.Push("https://8se.me/a?x=1#top", 0))
	require.False(t, f.Push("HTTPS://8SE.ME:443/a", 1))
	require.False(t, f.Push("https://8se.me/a?y=2", 1))

	_, ok := f.Pop()
	require.True(t, ok)
	require.True(t, f.Visited("https://8se.me/a"))
	require.False(t, f.Push("https://8se.me/a", 1))

	_, ok = f.Pop()
	require.False(t, ok)
}

func TestFrontierRejectsForeignHostsAndSchemes(t *testing.T) {
	f := newTestFrontier(t, 3, 0)
	require.False(t, f.Push("https://other.example/", 0))
	require.False(t, f.Push("ftp://8se.me/file", 0))
	require.False(t, f.Push("::not a url", 0))
	require.Zero(t, f.Len())
}

func TestFrontierIsBreadthFirst(t *testing.T) {
	f := newTestFrontier(t, 2, 0)
	f.Push("https://8se.me/", 0)

	var order []string
	children := map[string][]string{
		"https://8se.me/":  {"https://8se.me/a", "https://8se.me/b"},
		"https://8se.me/a": {"https://8se.me/a1"},
		"https://8se.me/b": {"https://8se.me/b1"},
	}
	for {
		entry, ok := f.Pop()
		if !ok {
			break
		}
		order = append(order, entry.URL)
		for _, c := range children[entry.URL] {
			f.Push(c, entry.Depth+1)
		}
	}
	require.Equal(t, []string{
		"https://8se.me/",
		"https://8se.me/a",
		"https://8se.me/b",
		"https://8se.me/a1",
		"https://8se.me/b1",
	}, order)
}

func TestFrontierCapCountsPops(t *testing.T) {
	f := newTestFrontier(t, 5, 2)
	for i := 0; i < 4; i++ {
		require.True(t, f.Push(fmt.Sprintf("https://8se.me/%d", i), 0))
	}
	_, ok := f.Pop()
	require.True(t, ok)
	_, ok = f.Pop()
	require.True(t, ok)
	_, ok = f.Pop()
	require.False(t, ok)
	require.Equal(t, 2, f.PoppedCount())
	require.False(t, f.Push("https://8se.me/late", 0))
}

func TestFrontierAtMostOnceUnderConcurrency(t *testing.T) {
	f := newTestFrontier(t, 1, 0)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				f.Push(fmt.Sprintf("https://8se.me/p/%d", i), 1)
			}
		}()
	}

	var mu sync.Mutex
	popped := make(map[string]int)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if entry, ok := f.Pop(); ok {
					mu.Lock()
					popped[entry.URL]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	for {
		entry, ok := f.Pop()
		if !ok {
			break
		}
		popped[entry.URL]++
	}

	require.Len(t, popped, 50)
	for u, n := range popped {
		require.Equal(t, 1, n, u)
	}
}
