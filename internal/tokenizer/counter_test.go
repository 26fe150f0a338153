package tokenizer

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustNew(t *testing.T) *Counter {
	t.Helper()
	c, err := New("")
	require.NoError(t, err)
	return c
}

func TestCount_Empty(t *testing.T) {
	require.Equal(t, 0, mustNew(t).Count(""))
}

func TestCount_Deterministic(t *testing.T) {
	c := mustNew(t)
	text := "我正在做着`两数之和`这道编程题，题目描述如下：\n```\nGiven an array of integers...\n```"
	first := c.Count(text)
	require.Positive(t, first)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, c.Count(text))
	}
}

func TestCount_SameAcrossInstances(t *testing.T) {
	a := mustNew(t)
	b := mustNew(t)
	text := strings.Repeat("func main() { fmt.Println(\"hi\") }\n", 10)
	require.Equal(t, a.Count(text), b.Count(text))
}

func TestCount_KnownValue(t *testing.T) {
	// cl100k_base splits this into "hello" and " world".
	require.Equal(t, 2, mustNew(t).Count("hello world"))
}

func TestCount_ConcurrentUse(t *testing.T) {
	c := mustNew(t)
	const text = "the quick brown fox jumps over the lazy dog"
	want := c.Count(text)

	got := make([]int, 8)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = c.Count(text)
		}(i)
	}
	wg.Wait()
	for _, n := range got {
		require.Equal(t, want, n)
	}
}

func TestNew_UnknownModel(t *testing.T) {
	_, err := New("definitely-not-a-model")
	require.Error(t, err)
	require.Contains(t, err.Error(), "encoding for model")
}
