// Package model holds the pipeline's data types: Session, its nested
// records, and the invariants SessionManager enforces on them.
package model

import "time"

// Status is a session's position in its lifecycle DAG.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status has no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// STTPreference selects which STT adapter the Orchestrator prefers.
type STTPreference string

const (
	STTAuto     STTPreference = "auto"
	STTFast     STTPreference = "fast"
	STTAccurate STTPreference = "accurate"
)

// Source names where the input video comes from. The core never fetches
// remote sources itself — by the time a Session reaches the Orchestrator,
// Path is always a local filesystem path.
type Source struct {
	Kind string `json:"kind"` // "local" or "remote"
	Path string `json:"path"`
	URI  string `json:"uri,omitempty"`
}

// ErrorInfo is the user-visible structured failure shape from spec §7.
type ErrorInfo struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Stage     string `json:"stage"`
	SessionID string `json:"session_id"`
}

// Session is the top-level unit of work.
type Session struct {
	ID            string        `json:"id"`
	CreatedAt     time.Time     `json:"created_at"`
	Mode          string        `json:"mode"`
	Title         string        `json:"title"`
	Language      string        `json:"language"`
	STTPreference STTPreference `json:"stt_preference"`
	Source        Source        `json:"source"`

	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	StageLabel  string     `json:"stage_label"`
	Error       *ErrorInfo `json:"error,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`

	ArtifactPaths map[string]string `json:"artifact_paths,omitempty"`
	DocPayload    []byte            `json:"doc_payload,omitempty"`

	TranscriptSegments []TranscriptSegment `json:"transcript_segments,omitempty"`
	Keyframes          []Keyframe          `json:"keyframes,omitempty"`

	// STTAdapterUsed records which STT implementation actually produced
	// the transcript ("local"/"remote"/""), surfaced via GetResult.
	STTAdapterUsed string `json:"stt_adapter_used,omitempty"`

	// ModeOptions carries free-form per-mode knobs, e.g. clip_generator's
	// output_format.
	ModeOptions map[string]string `json:"mode_options,omitempty"`
}

// Clone returns a deep-enough copy for handing to a reader without
// exposing the manager's internal record to mutation.
func (s *Session) Clone() *Session {
	c := *s
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.ArtifactPaths != nil {
		c.ArtifactPaths = make(map[string]string, len(s.ArtifactPaths))
		for k, v := range s.ArtifactPaths {
			c.ArtifactPaths[k] = v
		}
	}
	if s.ModeOptions != nil {
		c.ModeOptions = make(map[string]string, len(s.ModeOptions))
		for k, v := range s.ModeOptions {
			c.ModeOptions[k] = v
		}
	}
	if s.DocPayload != nil {
		c.DocPayload = append([]byte(nil), s.DocPayload...)
	}
	c.TranscriptSegments = append([]TranscriptSegment(nil), s.TranscriptSegments...)
	c.Keyframes = append([]Keyframe(nil), s.Keyframes...)
	return &c
}

// TranscriptSegment is one ordered unit of a transcript.
type TranscriptSegment struct {
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	Text     string  `json:"text"`
	Speaker  string  `json:"speaker,omitempty"`
}

// RelevantMoment is a `[start, end]` interval worth visualizing.
type RelevantMoment struct {
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	Reason   string  `json:"reason"`
}

// Keyframe is a still image extracted from the original source.
type Keyframe struct {
	TimestampSec float64        `json:"timestamp_sec"`
	Path         string         `json:"path"`
	Label        string         `json:"label,omitempty"`
	JSONSidecar  map[string]any `json:"json_sidecar,omitempty"`
}

// OutputFormat is a PromptRecord's declared document shape.
type OutputFormat string

const (
	OutputMarkdown OutputFormat = "markdown"
	OutputJSON     OutputFormat = "json"
)

// ModelPreference selects which LLM tier a prompt should run against.
type ModelPreference string

const (
	ModelFast    ModelPreference = "fast"
	ModelQuality ModelPreference = "quality"
)

// PromptRecord is an immutable, mode-keyed generation template.
type PromptRecord struct {
	ID                 string          `json:"id"`
	DisplayName        string          `json:"display_name"`
	Description        string          `json:"description"`
	ModelPreference    ModelPreference `json:"model_preference"`
	SystemInstruction  string          `json:"system_instruction"`
	OutputFormat       OutputFormat    `json:"output_format"`
	Guidelines         []string        `json:"guidelines,omitempty"`

	// Department is a passive tag carried for a caller-side filter to
	// consult; the core performs no access-control enforcement.
	Department string `json:"department,omitempty"`
}

// TraceEventKind is one of a TraceEvent's four closed kinds.
type TraceEventKind string

const (
	TraceStart TraceEventKind = "start"
	TraceEnd   TraceEventKind = "end"
	TraceError TraceEventKind = "error"
	TraceNote  TraceEventKind = "note"
)

// TraceEvent is one structured entry in a session's trace.jsonl.
type TraceEvent struct {
	SessionID  string         `json:"session_id"`
	Stage      string         `json:"stage"`
	Kind       TraceEventKind `json:"kind"`
	Instant    time.Time      `json:"ts"`
	Attrs      map[string]any `json:"attrs,omitempty"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
}
