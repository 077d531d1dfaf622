package audit

import (
	"archive/zip"
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	// ErrInvalidTimeRange is returned when the start day falls after the end day.
	ErrInvalidTimeRange = errors.New("audit: start day must not be after end day")
	// ErrNoAuditFiles is returned when the range matches no audit files.
	ErrNoAuditFiles = errors.New("audit: no audit files in range")
)

// PackFile summarises one audit file included in an evidence pack.
type PackFile struct {
	Name   string `json:"name"`
	Lines  int    `json:"lines"`
	SHA256 string `json:"sha256"`
}

// PackManifest indexes an exported evidence pack. The per-file checksum is
// computed over JCS-canonicalised records so byte-level formatting changes
// that preserve JSON content do not alter the digest.
type PackManifest struct {
	PackID      string     `json:"pack_id"`
	GeneratedAt time.Time  `json:"generated_at"`
	Files       []PackFile `json:"files"`
}

// Exporter bundles a day range of audit logs into a verifiable zip archive.
type Exporter struct {
	dir   string
	clock func() time.Time
}

// NewExporter creates an exporter over the recorder's directory.
func NewExporter(dir string) *Exporter {
	if dir == "" {
		dir = os.Getenv(LogDirEnv)
	}
	if dir == "" {
		dir = DefaultLogDir
	}
	return &Exporter{dir: dir, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// GeneratePack zips every audit file whose day falls within [start, end]
// together with a manifest of canonical checksums. It returns the archive
// bytes and the hex checksum of the canonicalised manifest.
func (e *Exporter) GeneratePack(start, end time.Time) ([]byte, string, error) {
	startDay := start.UTC().Truncate(24 * time.Hour)
	endDay := end.UTC().Truncate(24 * time.Hour)
	if startDay.After(endDay) {
		return nil, "", ErrInvalidTimeRange
	}

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, "", fmt.Errorf("audit: read log dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "audit-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		day, err := time.Parse("20060102", strings.TrimSuffix(strings.TrimPrefix(name, "audit-"), ".jsonl"))
		if err != nil {
			continue
		}
		if day.Before(startDay) || day.After(endDay) {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, "", ErrNoAuditFiles
	}
	sort.Strings(names)

	var archive bytes.Buffer
	writer := zip.NewWriter(&archive)

	manifest := PackManifest{
		PackID:      uuid.New().String(),
		GeneratedAt: e.clock().UTC(),
	}

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(e.dir, name))
		if err != nil {
			return nil, "", fmt.Errorf("audit: read %s: %w", name, err)
		}

		lines, checksum, err := canonicalChecksum(data)
		if err != nil {
			return nil, "", fmt.Errorf("audit: checksum %s: %w", name, err)
		}
		manifest.Files = append(manifest.Files, PackFile{Name: name, Lines: lines, SHA256: checksum})

		entry, err := writer.Create(name)
		if err != nil {
			return nil, "", err
		}
		if _, err := entry.Write(data); err != nil {
			return nil, "", err
		}
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, "", err
	}
	canonical, err := jcs.Transform(manifestJSON)
	if err != nil {
		return nil, "", fmt.Errorf("audit: canonicalise manifest: %w", err)
	}
	digest := sha256.Sum256(canonical)

	entry, err := writer.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	if _, err := entry.Write(manifestJSON); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return archive.Bytes(), hex.EncodeToString(digest[:]), nil
}

// canonicalChecksum hashes the JCS form of every record in a JSONL file.
func canonicalChecksum(data []byte) (int, string, error) {
	hash := sha256.New()
	lines := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		canonical, err := jcs.Transform(line)
		if err != nil {
			return 0, "", err
		}
		hash.Write(canonical)
		hash.Write([]byte{'\n'})
		lines++
	}
	if err := scanner.Err(); err != nil {
		return 0, "", err
	}
	return lines, hex.EncodeToString(hash.Sum(nil)), nil
}
