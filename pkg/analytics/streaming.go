package analytics

import (
	"strings"
	"sync"
	"time"
)

// DefaultRetention bounds the streaming event buffer.
const DefaultRetention = 2048

// Event is one structured analytics event ingested from a remote client.
type Event struct {
	Source    string
	Kind      string
	Value     *float64
	Unit      string
	Metrics   map[string]float64
	Metadata  map[string]any
	Timestamp *time.Time
}

// Snapshot is a read-only view of ingestion statistics.
type Snapshot struct {
	TotalEvents int
	Accepted    int
	Rejected    int
	Kinds       map[string]int
	Sources     map[string]int
}

// Ingestor accepts analytics events into a bounded ring buffer. Safe for
// concurrent use.
type Ingestor struct {
	mu        sync.Mutex
	events    []Event
	retention int
	accepted  int
	rejected  int
	kinds     map[string]int
	sources   map[string]int
	sink      func(Event) // optional persistence hook
}

// NewIngestor creates an ingestor with the given retention (0 selects the
// default).
func NewIngestor(retention int) *Ingestor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Ingestor{
		retention: retention,
		kinds:     map[string]int{},
		sources:   map[string]int{},
	}
}

// WithSink installs a hook invoked for every accepted event (history
// persistence).
func (i *Ingestor) WithSink(sink func(Event)) *Ingestor {
	i.sink = sink
	return i
}

// IngestMap coerces and stores one event payload, returning true on
// acceptance. Validation is lenient: value must be numeric when present,
// non-coercible metric entries are dropped, timestamps parse best-effort.
func (i *Ingestor) IngestMap(payload map[string]any) bool {
	source := strings.TrimSpace(stringValue(payload["source"]))
	kind := strings.TrimSpace(stringValue(payload["kind"]))
	if source == "" || kind == "" {
		i.MarkRejected()
		return false
	}

	var value *float64
	if raw, present := payload["value"]; present && raw != nil {
		parsed, ok := floatValue(raw)
		if !ok {
			i.MarkRejected()
			return false
		}
		value = &parsed
	}

	metrics := map[string]float64{}
	if raw, ok := payload["metrics"].(map[string]any); ok {
		for key, metricValue := range raw {
			if parsed, ok := floatValue(metricValue); ok {
				metrics[key] = parsed
			}
		}
	}

	metadata := map[string]any{}
	if raw, ok := payload["metadata"].(map[string]any); ok {
		for key, metaValue := range raw {
			metadata[key] = metaValue
		}
	}

	var timestamp *time.Time
	if raw, ok := payload["timestamp"].(string); ok && raw != "" {
		if parsed, ok := parseLenientTimestamp(raw); ok {
			timestamp = &parsed
		}
	}

	unit := ""
	if raw, present := payload["unit"]; present && raw != nil {
		unit = stringValue(raw)
	}

	i.store(Event{
		Source:    source,
		Kind:      kind,
		Value:     value,
		Unit:      unit,
		Metrics:   metrics,
		Metadata:  metadata,
		Timestamp: timestamp,
	})
	return true
}

func (i *Ingestor) store(event Event) {
	i.mu.Lock()
	i.events = append(i.events, event)
	if len(i.events) > i.retention {
		i.events = i.events[len(i.events)-i.retention:]
	}
	i.accepted++
	i.kinds[event.Kind]++
	i.sources[event.Source]++
	sink := i.sink
	i.mu.Unlock()

	if sink != nil {
		sink(event)
	}
}

// MarkRejected counts one rejected event.
func (i *Ingestor) MarkRejected() {
	i.mu.Lock()
	i.rejected++
	i.mu.Unlock()
}

// Snapshot returns current ingestion statistics.
func (i *Ingestor) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	kinds := make(map[string]int, len(i.kinds))
	for key, count := range i.kinds {
		kinds[key] = count
	}
	sources := make(map[string]int, len(i.sources))
	for key, count := range i.sources {
		sources[key] = count
	}
	return Snapshot{
		TotalEvents: len(i.events),
		Accepted:    i.accepted,
		Rejected:    i.rejected,
		Kinds:       kinds,
		Sources:     sources,
	}
}

// Reset clears buffered events and statistics (primarily for tests).
func (i *Ingestor) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.events = nil
	i.accepted = 0
	i.rejected = 0
	i.kinds = map[string]int{}
	i.sources = map[string]int{}
}

func stringValue(raw any) string {
	if value, ok := raw.(string); ok {
		return value
	}
	return ""
}

func floatValue(raw any) (float64, bool) {
	switch value := raw.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int32:
		return float64(value), true
	case int64:
		return float64(value), true
	default:
		return 0, false
	}
}

// timestampLayouts cover ISO-8601 with Z, colon and four-digit offsets, and
// naive timestamps, with and without fractional seconds.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
}

func parseLenientTimestamp(raw string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
