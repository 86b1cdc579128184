package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
}

func (m *memWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[path] = buf
	return nil
}

type stubTrades struct {
	trades []domain.Trade
}

func (s *stubTrades) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	var out []domain.Trade
	for _, tr := range s.trades {
		if tr.Timestamp.Before(before) {
			out = append(out, tr)
		}
	}
	return out, nil
}

type stubAudit struct {
	events []string
}

func (s *stubAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	s.events = append(s.events, event)
	return nil
}

func (s *stubAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveTradesWritesMonthlyJSONL(t *testing.T) {
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	trades := &stubTrades{trades: []domain.Trade{
		{ID: "t1", Symbol: "BTCUSDT", Timestamp: cutoff.Add(-48 * time.Hour)},
		{ID: "t2", Symbol: "BTCUSDT", Timestamp: cutoff.Add(-24 * time.Hour)},
		{ID: "t3", Symbol: "BTCUSDT", Timestamp: cutoff.Add(24 * time.Hour)},
	}}
	writer := &memWriter{}
	audit := &stubAudit{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	archiver := NewArchiver(writer, trades, audit, logger)
	count, err := archiver.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	data, ok := writer.objects["archive/trades/2025-03.jsonl"]
	require.True(t, ok, "expected monthly archive key")

	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 2)
	var first domain.Trade
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "t1", first.ID)

	assert.Contains(t, audit.events, "archive.trades")
}

func TestArchiveTradesSkipsEmptyBatch(t *testing.T) {
	writer := &memWriter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	archiver := NewArchiver(writer, &stubTrades{}, &stubAudit{}, logger)

	count, err := archiver.ArchiveTrades(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, writer.objects)
}
