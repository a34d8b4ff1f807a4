package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentReaderChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("a", 1200)), 0o600))

	reader, err := newDocumentReader(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, reader.names())

	ctx := WithToolSession(context.Background(), "u1", "s1")
	out, err := reader.run(ctx, &documentReaderParams{Name: "notes.txt", ChunkIndex: 1, ChunkSize: 1000})
	require.NoError(t, err)
	assert.Contains(t, out, "Chunk 2/2")

	_, err = reader.run(ctx, &documentReaderParams{Name: "missing.txt"})
	assert.Error(t, err)
}

func TestDocumentReaderRateLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o600))
	reader, err := newDocumentReader(context.Background(), []string{path})
	require.NoError(t, err)

	ctx := WithToolSession(context.Background(), "u1", "s1")
	for i := 0; i < DocumentRateLimit; i++ {
		_, err := reader.run(ctx, &documentReaderParams{Name: "a.txt"})
		require.NoError(t, err)
	}
	_, err = reader.run(ctx, &documentReaderParams{Name: "a.txt"})
	assert.ErrorContains(t, err, "rate limit")

	// other sessions have their own window
	_, err = reader.run(WithToolSession(context.Background(), "u1", "s2"), &documentReaderParams{Name: "a.txt"})
	assert.NoError(t, err)
}

func TestToolRateLimiterWindow(t *testing.T) {
	now := time.Unix(0, 0)
	l := newToolRateLimiter(1, time.Minute)
	l.now = func() time.Time { return now }
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
	now = now.Add(time.Minute + time.Second)
	assert.True(t, l.Allow("k"))
}

func TestChunkText(t *testing.T) {
	seg, idx, total := chunkText(strings.Repeat("x", 1500), 9, 500)
	assert.Equal(t, 2, idx)
	assert.Equal(t, 3, total)
	assert.Len(t, seg, 500)

	_, _, total = chunkText("", 0, 0)
	assert.Zero(t, total)
}

func TestToolSessionContext(t *testing.T) {
	_, _, ok := ToolSessionFromContext(context.Background())
	assert.False(t, ok)
	u, s, ok := ToolSessionFromContext(WithToolSession(context.Background(), "u", "s"))
	assert.True(t, ok)
	assert.Equal(t, "u", u)
	assert.Equal(t, "s", s)
}
