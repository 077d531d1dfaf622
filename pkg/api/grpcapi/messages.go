package grpcapi

// Wire messages for the three services. Shapes mirror
// api/proto/hephaestus.proto.

// GuardRailsRequest configures a guard-rails run.
type GuardRailsRequest struct {
	NoFormat      bool   `json:"no_format"`
	Workspace     string `json:"workspace"`
	DriftCheck    bool   `json:"drift_check"`
	AutoRemediate bool   `json:"auto_remediate"`
}

// QualityGateResult is one gate outcome.
type QualityGateResult struct {
	Name     string            `json:"name"`
	Passed   bool              `json:"passed"`
	Message  string            `json:"message"`
	Duration float64           `json:"duration"`
	Metadata map[string]string `json:"metadata"`
}

// GuardRailsResponse is the unary guard-rails result.
type GuardRailsResponse struct {
	Success  bool                `json:"success"`
	Gates    []QualityGateResult `json:"gates"`
	Duration float64             `json:"duration"`
	TaskID   string              `json:"task_id"`
}

// GuardRailsProgress is one event of the streaming guard-rails RPC.
type GuardRailsProgress struct {
	Stage     string `json:"stage"`
	Progress  int    `json:"progress"`
	Message   string `json:"message"`
	Completed bool   `json:"completed"`
}

// DriftRequest configures drift detection.
type DriftRequest struct {
	Workspace string `json:"workspace"`
}

// ToolDriftEntry is one tool row of a drift response.
type ToolDriftEntry struct {
	Tool     string `json:"tool"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Status   string `json:"status"`
}

// DriftResponse is the drift-detection result.
type DriftResponse struct {
	HasDrift bool             `json:"has_drift"`
	Drifts   []ToolDriftEntry `json:"drifts"`
	Commands []string         `json:"commands"`
}

// CleanupRequest configures a cleanup run or preview.
type CleanupRequest struct {
	Root      string `json:"root"`
	DeepClean bool   `json:"deep_clean"`
}

// CleanupResponse is the cleanup result.
type CleanupResponse struct {
	Files        int            `json:"files"`
	Bytes        int64          `json:"bytes"`
	Manifest     map[string]any `json:"manifest"`
	PreviewPaths []string       `json:"preview_paths"`
	RemovedPaths []string       `json:"removed_paths"`
}

// RankingsRequest configures an analytics ranking.
type RankingsRequest struct {
	Strategy string `json:"strategy"`
	Limit    int    `json:"limit"`
}

// RankingEntry is one ranked module.
type RankingEntry struct {
	Rank           int      `json:"rank"`
	Path           string   `json:"path"`
	Score          float64  `json:"score"`
	Churn          int      `json:"churn"`
	Coverage       *float64 `json:"coverage"`
	UncoveredLines *int     `json:"uncovered_lines"`
	Rationale      string   `json:"rationale"`
}

// RankingsResponse is the rankings result.
type RankingsResponse struct {
	Rankings []RankingEntry `json:"rankings"`
	Strategy string         `json:"strategy"`
}

// HotspotsRequest configures a hotspots read.
type HotspotsRequest struct {
	Limit int `json:"limit"`
}

// HotspotEntry is one hotspot record.
type HotspotEntry struct {
	Path            string  `json:"path"`
	ChangeFrequency int     `json:"change_frequency"`
	Complexity      int     `json:"complexity"`
	RiskScore       float64 `json:"risk_score"`
}

// HotspotsResponse is the hotspots result.
type HotspotsResponse struct {
	Hotspots []HotspotEntry `json:"hotspots"`
}

// AnalyticsEvent is one client-streamed ingest event.
type AnalyticsEvent struct {
	Source    string             `json:"source"`
	Kind      string             `json:"kind"`
	Value     *float64           `json:"value"`
	Unit      string             `json:"unit"`
	Metrics   map[string]float64 `json:"metrics"`
	Metadata  map[string]any     `json:"metadata"`
	Timestamp string             `json:"timestamp"`
}

// IngestSummary closes a client-streaming ingest call.
type IngestSummary struct {
	Accepted    int `json:"accepted"`
	Rejected    int `json:"rejected"`
	TotalEvents int `json:"total_events"`
}

// asPayload converts a wire event into the facade's map form.
func (e *AnalyticsEvent) asPayload() map[string]any {
	payload := map[string]any{
		"source": e.Source,
		"kind":   e.Kind,
	}
	if e.Value != nil {
		payload["value"] = *e.Value
	}
	if e.Unit != "" {
		payload["unit"] = e.Unit
	}
	if len(e.Metrics) > 0 {
		metrics := make(map[string]any, len(e.Metrics))
		for key, value := range e.Metrics {
			metrics[key] = value
		}
		payload["metrics"] = metrics
	}
	if len(e.Metadata) > 0 {
		payload["metadata"] = e.Metadata
	}
	if e.Timestamp != "" {
		payload["timestamp"] = e.Timestamp
	}
	return payload
}
