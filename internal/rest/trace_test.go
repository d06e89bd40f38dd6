package rest

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracerWritesOneLinePerAttempt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.ndjson")
	tracer, err := OpenTracer(path)
	require.NoError(t, err)

	transport := &scriptedTransport{responses: []scripted{status(500, ``), status(200, `{}`)}}
	c, _ := newTestClient(t, transport, WithTracer(tracer))

	_, err = c.Get(context.Background(), "channels/1")
	require.NoError(t, err)
	require.NoError(t, tracer.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var entries []TraceEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry TraceEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, entries, 2)

	assert.Equal(t, "server_error", entries[0].Outcome)
	assert.Equal(t, int64(1000), entries[0].DelayMs)
	assert.Equal(t, 5, entries[0].TTL)
	assert.Equal(t, "success", entries[1].Outcome)
	assert.Equal(t, 4, entries[1].TTL)
	assert.Equal(t, 2, entries[1].Attempt)
	assert.Equal(t, entries[0].RequestID, entries[1].RequestID)
	assert.NotEqual(t, entries[0].AttemptID, entries[1].AttemptID)
	assert.Equal(t, "GET channels/1", entries[1].Route)
}

func TestNilTracerIsNoop(t *testing.T) {
	var tracer *Tracer
	tracer.Write(TraceEntry{})
	assert.NoError(t, tracer.Close())
}
