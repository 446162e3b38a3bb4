// Package sourcetest checks the guarantees every contentsource.ContentSource has to keep.
package sourcetest

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"sync"
	"testing"

	"github.com/bitrise-io/go-contentsource/contentsource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run runs the conformance checks against sources created by newSource.
// newSource is called once per check and must return a source over non-empty content.
func Run(t *testing.T, newSource func(t *testing.T) contentsource.ContentSource) {
	t.Run("length is stable", func(t *testing.T) {
		src := newSource(t)

		first, err := src.ContentLength()
		require.NoError(t, err)
		second, err := src.ContentLength()
		require.NoError(t, err)

		assert.GreaterOrEqual(t, first, int64(0))
		assert.Equal(t, first, second)
	})

	t.Run("every stream yields the same content", func(t *testing.T) {
		src := newSource(t)

		length, err := src.ContentLength()
		require.NoError(t, err)

		first := ReadAll(t, src)
		second := ReadAll(t, src)

		assert.Equal(t, first, second)
		assert.Equal(t, length, int64(len(first)))
	})

	t.Run("streams are independent", func(t *testing.T) {
		src := newSource(t)
		want := ReadAll(t, src)

		first, err := src.Open()
		require.NoError(t, err)
		defer first.Close() //nolint:errcheck
		second, err := src.Open()
		require.NoError(t, err)
		defer second.Close() //nolint:errcheck

		half := len(want) / 2
		head := make([]byte, half)
		_, err = io.ReadFull(first, head)
		require.NoError(t, err)

		fromSecond, err := io.ReadAll(second)
		require.NoError(t, err)
		rest, err := io.ReadAll(first)
		require.NoError(t, err)

		assert.Equal(t, want, fromSecond)
		assert.Equal(t, want, append(head, rest...))
	})

	t.Run("concurrent streams yield the same content", func(t *testing.T) {
		src := newSource(t)
		want := ReadAll(t, src)

		const streams = 8
		results := make([][]byte, streams)
		errs := make([]error, streams)
		var wg sync.WaitGroup
		for i := 0; i < streams; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rc, err := src.Open()
				if err != nil {
					errs[i] = err
					return
				}
				defer rc.Close() //nolint:errcheck
				results[i], errs[i] = io.ReadAll(rc)
			}(i)
		}
		wg.Wait()

		for i := 0; i < streams; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, want, results[i])
		}
	})

	t.Run("precomputed sha1 matches content", func(t *testing.T) {
		src := newSource(t)

		sum, ok, err := src.SHA1()
		require.NoError(t, err)
		if !ok {
			t.Skip("source has no precomputed SHA1")
		}

		assert.Equal(t, SHA1(ReadAll(t, src)), sum)
	})

	t.Run("ranges match content", func(t *testing.T) {
		src := newSource(t)
		if _, ok := src.(contentsource.RangeOpener); !ok {
			t.Skip("source doesn't open ranges")
		}
		want := ReadAll(t, src)
		size := int64(len(want))

		ranges := [][2]int64{{0, size}, {0, 0}, {size / 2, size - size/2}, {size - 1, 1}}
		for _, r := range ranges {
			rc, err := contentsource.OpenRange(src, r[0], r[1])
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			require.NoError(t, rc.Close())
			require.NoError(t, err)
			assert.Equal(t, want[r[0]:r[0]+r[1]], got, "range %d+%d", r[0], r[1])
		}

		_, err := contentsource.OpenRange(src, size, 1)
		assert.ErrorIs(t, err, contentsource.ErrIO)
	})
}

// ReadAll opens src and reads the stream fully.
func ReadAll(t *testing.T, src contentsource.ContentSource) []byte {
	t.Helper()

	rc, err := src.Open()
	require.NoError(t, err)
	defer func() {
		require.NoError(t, rc.Close())
	}()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

// SHA1 returns the hex-encoded SHA1 of data.
func SHA1(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
