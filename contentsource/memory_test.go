package contentsource_test

import (
	"testing"
	"time"

	"github.com/bitrise-io/go-contentsource/contentsource"
	"github.com/bitrise-io/go-contentsource/contentsource/sourcetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Conformance(t *testing.T) {
	sourcetest.Run(t, func(t *testing.T) contentsource.ContentSource {
		return contentsource.NewMemory([]byte("the quick brown fox jumps over the lazy dog"))
	})
}

func TestMemory_ConformanceWithSHA1(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	sourcetest.Run(t, func(t *testing.T) contentsource.ContentSource {
		return contentsource.NewMemory(data, contentsource.WithSHA1(sourcetest.SHA1(data)))
	})
}

func TestMemory_ABCDE(t *testing.T) {
	src := contentsource.NewMemory([]byte("abcde"))

	length, err := src.ContentLength()
	require.NoError(t, err)
	assert.Equal(t, int64(5), length)

	_, ok, err := src.SHA1()
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = src.LastModified()
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []byte{'a', 'b', 'c', 'd', 'e'}, sourcetest.ReadAll(t, src))
	assert.Equal(t, []byte{'a', 'b', 'c', 'd', 'e'}, sourcetest.ReadAll(t, src))
}

func TestMemory_CopiesData(t *testing.T) {
	data := []byte("abcde")
	src := contentsource.NewMemory(data)

	data[0] = 'z'

	assert.Equal(t, []byte("abcde"), sourcetest.ReadAll(t, src))
}

func TestMemory_Metadata(t *testing.T) {
	modified := time.Date(2017, 3, 1, 10, 0, 0, 0, time.UTC)
	src := contentsource.NewMemory([]byte("abcde"),
		contentsource.WithSHA1("03DE6C570BFE24BFC328CCD7CA46B76EADAF4334"),
		contentsource.WithLastModified(modified),
	)

	sum, ok, err := src.SHA1()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "03de6c570bfe24bfc328ccd7ca46b76eadaf4334", sum)

	lastModified, ok, err := src.LastModified()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, modified, lastModified)
	assert.Equal(t, int64(1488362400000), contentsource.Millis(lastModified))
}

func TestMemory_Empty(t *testing.T) {
	src := contentsource.NewMemory(nil)

	length, err := src.ContentLength()
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
	assert.Empty(t, sourcetest.ReadAll(t, src))

	sum, err := contentsource.ComputeSHA1(src)
	require.NoError(t, err)
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", sum)
}
