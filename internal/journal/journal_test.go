package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradecore/internal/store"
	"tradecore/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(dir string) Config {
	cfg := DefaultConfig(dir)
	cfg.NoSync = true
	return cfg
}

func record(kind store.Kind, symbol, key string) store.Record {
	return store.Record{
		Kind:    kind,
		Symbol:  symbol,
		Key:     key,
		At:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload: []byte(`{"key":"` + key + `"}`),
	}
}

func TestJournalAppendQuery(t *testing.T) {
	ctx := t.Context()
	j, err := Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer j.Close()

	for i, key := range []string{"a", "b", "c"} {
		seq, err := j.Append(ctx, record(store.KindFill, "BTCUSDT", key))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}
	_, err = j.Append(ctx, record(store.KindSignal, "ETHUSDT", "d"))
	require.NoError(t, err)

	records, err := j.Query(ctx, store.Criteria{Kind: store.KindFill})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].Key)
	assert.Equal(t, "BTCUSDT", records[2].Symbol)
	assert.JSONEq(t, `{"key":"c"}`, string(records[2].Payload))

	records, err = j.Query(ctx, store.Criteria{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestJournalReopenContinuesSequence(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()

	j, err := Open(testConfig(dir))
	require.NoError(t, err)
	_, err = j.Append(ctx, record(store.KindFill, "BTCUSDT", "a"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(testConfig(dir))
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(1), j.LastSeq())

	seq, err := j.Append(ctx, record(store.KindFill, "BTCUSDT", "b"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	records, err := j.Query(ctx, store.Criteria{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b", records[1].Key)
}

func TestJournalRotatesBySize(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.SegmentMaxBytes = 100

	j, err := Open(cfg)
	require.NoError(t, err)
	defer j.Close()

	for _, key := range []string{"a", "b", "c"} {
		_, err := j.Append(ctx, record(store.KindFill, "BTCUSDT", key))
		require.NoError(t, err)
	}
	files, err := filepath.Glob(filepath.Join(dir, "journal-*.wal"))
	require.NoError(t, err)
	assert.Len(t, files, 3)

	records, err := j.Query(ctx, store.Criteria{})
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestJournalTruncatesTornTail(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()

	j, err := Open(testConfig(dir))
	require.NoError(t, err)
	_, err = j.Append(ctx, record(store.KindFill, "BTCUSDT", "a"))
	require.NoError(t, err)
	_, err = j.Append(ctx, record(store.KindFill, "BTCUSDT", "b"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	files, err := filepath.Glob(filepath.Join(dir, "journal-*.wal"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	info, err := os.Stat(files[0])
	require.NoError(t, err)
	require.NoError(t, os.Truncate(files[0], info.Size()-3))

	j, err = Open(testConfig(dir))
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(1), j.LastSeq())

	records, err := j.Query(ctx, store.Criteria{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Key)
}

func TestJournalDetectsChecksumMismatch(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()

	j, err := Open(testConfig(dir))
	require.NoError(t, err)
	_, err = j.Append(ctx, record(store.KindFill, "BTCUSDT", "a"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	files, err := filepath.Glob(filepath.Join(dir, "journal-*.wal"))
	require.NoError(t, err)
	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	raw[frameHeaderSize] ^= 0xff
	require.NoError(t, os.WriteFile(files[0], raw, 0o644))

	_, err = Open(testConfig(dir))
	assert.ErrorIs(t, err, exception.ErrStoreCorrupted)
}

func TestJournalClosed(t *testing.T) {
	j, err := Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, j.Close())
	_, err = j.Append(t.Context(), record(store.KindFill, "BTCUSDT", "a"))
	assert.ErrorIs(t, err, ErrSegmentAlreadyClosed)
}
