package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

func openTemp(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.wal")
	w, err := Open(path, false)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func collect(t *testing.T, w *WAL, after uint64) []Event {
	t.Helper()
	var events []Event
	n, err := w.Replay(after, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, len(events), n)
	return events
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := openTemp(t)

	for i := 1; i <= 3; i++ {
		seq, err := w.Append(EventJobUpdated, payload{ID: "job-1", Count: i})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}
	assert.Equal(t, uint64(3), w.LastSeq())
	assert.Positive(t, w.Size())

	events := collect(t, w, 0)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, EventJobUpdated, ev.Type)
		var p payload
		require.NoError(t, ev.Decode(&p))
		assert.Equal(t, i+1, p.Count)
	}

	assert.Len(t, collect(t, w, 2), 1, "events covered by a snapshot are skipped")
}

func TestReopenContinuesSequence(t *testing.T) {
	w, path := openTemp(t)
	_, err := w.Append(EventJobCreated, payload{ID: "a"})
	require.NoError(t, err)
	_, err = w.Append(EventJobCreated, payload{ID: "b"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reopened, err := Open(path, true)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.LastSeq())

	seq, err := reopened.Append(EventJobCreated, payload{ID: "c"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Len(t, collect(t, reopened, 0), 3)
}

func TestTruncateKeepsSequence(t *testing.T) {
	w, path := openTemp(t)
	for i := 0; i < 5; i++ {
		_, err := w.Append(EventResultsAppended, []payload{{ID: "r"}})
		require.NoError(t, err)
	}
	require.NoError(t, w.Truncate())
	assert.Zero(t, w.Size())
	assert.Empty(t, collect(t, w, 0))

	seq, err := w.Append(EventJobUpdated, payload{ID: "x"})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
	require.NoError(t, w.Close())

	// after a restart the file alone no longer knows about 1..5
	reopened, err := Open(path, false)
	require.NoError(t, err)
	defer reopened.Close()
	reopened.Resume(5)
	assert.Equal(t, uint64(6), reopened.LastSeq())
	reopened.Resume(3)
	assert.Equal(t, uint64(6), reopened.LastSeq(), "resume never moves backwards")
}

func TestOpenCutsTornTail(t *testing.T) {
	w, path := openTemp(t)
	_, err := w.Append(EventJobCreated, payload{ID: "a"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"JOB_CRE`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path, false)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(1), reopened.LastSeq())

	seq, err := reopened.Append(EventJobCreated, payload{ID: "b"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Len(t, collect(t, reopened, 0), 2)
}

func TestOpenRejectsCorruption(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"garbage line", "not json\n", ErrCorruptedWAL},
		{"bad checksum", `{"seq":1,"type":"JOB_CREATED","timestamp":0,"payload":{},"checksum":1}` + "\n", ErrChecksumMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "store.wal")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, err := Open(path, false)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReplayHandlerError(t *testing.T) {
	w, _ := openTemp(t)
	_, err := w.Append(EventSegmentUpdated, payload{ID: "s"})
	require.NoError(t, err)

	_, err = w.Replay(0, func(Event) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
}

func TestClosed(t *testing.T) {
	w, _ := openTemp(t)
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())

	_, err := w.Append(EventJobCreated, payload{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, w.Truncate(), ErrClosed)
	assert.ErrorIs(t, w.Sync(), ErrClosed)
}

func TestChecksumCoversPayload(t *testing.T) {
	ev := Event{Seq: 7, Type: EventJobUpdated, Payload: []byte(`{"id":"a"}`)}
	ev.Checksum = CalculateChecksum(ev.Seq, ev.Type, ev.Payload)
	assert.True(t, VerifyChecksum(ev))

	ev.Payload = []byte(`{"id":"b"}`)
	assert.False(t, VerifyChecksum(ev))
}
