package audit

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IAmJonoBo/hephaestus/pkg/auth"
)

func testPrincipal() *auth.AuthenticatedPrincipal {
	return &auth.AuthenticatedPrincipal{
		Principal: "svc-guard@example.com",
		Roles:     map[string]bool{"guard-rails": true},
		KeyID:     "svc-key",
		IssuedAt:  time.Now().Add(-time.Minute),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestRecorderAppendsOneLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	recorder := NewRecorder(dir, nil).WithClock(func() time.Time { return now })

	principal := testPrincipal()
	for _, status := range []Status{StatusSuccess, StatusDenied, StatusFailed} {
		require.NoError(t, recorder.Record(context.Background(), principal, Entry{
			Operation:  "rest.cleanup.run",
			Status:     status,
			Protocol:   "rest",
			Parameters: map[string]any{"deep_clean": true},
			Outcome:    map[string]any{"files": 3},
		}))
	}

	data, err := os.ReadFile(recorder.FileFor(now))
	require.NoError(t, err)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lines := 0
	for scanner.Scan() {
		var record map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		require.Equal(t, "svc-guard@example.com", record["principal"])
		require.Equal(t, "svc-key", record["key_id"])
		require.Equal(t, "rest.cleanup.run", record["operation"])
		require.Equal(t, "rest", record["protocol"])
		require.NotEmpty(t, record["timestamp"])
		lines++
	}
	require.Equal(t, 3, lines)
}

func TestRecorderSplitsFilesByUTCDay(t *testing.T) {
	dir := t.TempDir()
	day1 := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2025, 6, 2, 0, 1, 0, 0, time.UTC)

	current := day1
	recorder := NewRecorder(dir, nil).WithClock(func() time.Time { return current })
	principal := testPrincipal()

	require.NoError(t, recorder.Record(context.Background(), principal, Entry{Operation: "a", Status: StatusSuccess}))
	current = day2
	require.NoError(t, recorder.Record(context.Background(), principal, Entry{Operation: "b", Status: StatusSuccess}))

	require.FileExists(t, recorder.FileFor(day1))
	require.FileExists(t, recorder.FileFor(day2))
}

func TestRecorderSerialisesComplexValues(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	recorder := NewRecorder(dir, nil).WithClock(func() time.Time { return now })

	require.NoError(t, recorder.Record(context.Background(), testPrincipal(), Entry{
		Operation: "rest.guard-rails.run",
		Status:    StatusSuccess,
		Outcome: map[string]any{
			"nested":   map[string]any{"paths": []string{"/a", "/b"}},
			"when":     now,
			"duration": 1500 * time.Millisecond,
		},
	}))

	data, err := os.ReadFile(recorder.FileFor(now))
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &record))
	outcome := record["outcome"].(map[string]any)
	require.Equal(t, "1.5s", outcome["duration"])
	nested := outcome["nested"].(map[string]any)
	require.Equal(t, []any{"/a", "/b"}, nested["paths"])
}

func TestExporterGeneratesVerifiablePack(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	recorder := NewRecorder(dir, nil).WithClock(func() time.Time { return now })
	require.NoError(t, recorder.Record(context.Background(), testPrincipal(), Entry{
		Operation: "rest.cleanup.run",
		Status:    StatusSuccess,
	}))

	exporter := NewExporter(dir).WithClock(func() time.Time { return now })
	pack, checksum, err := exporter.GeneratePack(now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, checksum, 64)

	reader, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	require.NoError(t, err)

	names := map[string]bool{}
	for _, file := range reader.File {
		names[file.Name] = true
	}
	require.True(t, names["manifest.json"])
	require.True(t, names["audit-20250601.jsonl"])
}

func TestExporterRejectsEmptyRangeAndBadRange(t *testing.T) {
	dir := t.TempDir()
	exporter := NewExporter(dir)

	now := time.Now().UTC()
	_, _, err := exporter.GeneratePack(now, now.Add(-48*time.Hour))
	require.ErrorIs(t, err, ErrInvalidTimeRange)

	_, _, err = exporter.GeneratePack(now.Add(-24*time.Hour), now)
	require.ErrorIs(t, err, ErrNoAuditFiles)
}
