package utils

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

// TestJSONLWriter_Concurrent 并发写入不交错
func TestJSONLWriter_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := CreateJSONL(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, w.WriteLine(record{Name: strings.Repeat("x", 1000), N: n}))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, w.Lines())
	require.NoError(t, w.Close())

	seen := make(map[int]bool)
	err = ReadJSONL(path, func(line int, r record) error {
		assert.Len(t, r.Name, 1000)
		seen[r.N] = true
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 50)
}

// TestJSONLWriter_AppendAndTruncate 追加与截断模式
func TestJSONLWriter_AppendAndTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")

	for i := 0; i < 2; i++ {
		w, err := AppendJSONL(path)
		require.NoError(t, err)
		require.NoError(t, w.WriteLine(record{N: i}))
		require.NoError(t, w.Close())
	}

	count := 0
	require.NoError(t, ReadJSONL(path, func(int, record) error { count++; return nil }))
	assert.Equal(t, 2, count)

	w, err := CreateJSONL(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	count = 0
	require.NoError(t, ReadJSONL(path, func(int, record) error { count++; return nil }))
	assert.Equal(t, 0, count)
}

// TestMarshalLine 不转义 HTML
func TestMarshalLine(t *testing.T) {
	line, err := MarshalLine(map[string]string{"xml": "<a>&</a>"})
	require.NoError(t, err)
	assert.Equal(t, "{\"xml\":\"<a>&</a>\"}\n", string(line))
}

// TestDecodeJSONL 错误行号与回调错误
func TestDecodeJSONL(t *testing.T) {
	input := "{\"n\":1}\n\n{bad}\n"
	var got []int
	err := DecodeJSONL(strings.NewReader(input), func(line int, r record) error {
		got = append(got, r.N)
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
	assert.Equal(t, []int{1}, got)

	stop := errors.New("stop")
	err = DecodeJSONL(strings.NewReader("{\"n\":1}\n{\"n\":2}\n"), func(int, record) error { return stop })
	assert.ErrorIs(t, err, stop)
}
