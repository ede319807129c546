// Package protocol defines the wire format shared by the control plane and
// the crawler: the message envelope, the frame codec (§4.A of the design),
// and the error taxonomy used to classify failures across both processes.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies the shape of an Envelope's Data payload. Worker to
// control-plane and control-plane to worker types share the same namespace —
// the router dispatches by this value alone.
type MessageType string

const (
	// Worker → control plane.
	MsgHeartbeat           MessageType = "heartbeat"
	MsgJobRequest          MessageType = "job_request"
	MsgJobStarted          MessageType = "job_started"
	MsgJobProgress         MessageType = "job_progress"
	MsgJobCompleted        MessageType = "job_completed"
	MsgJobFailed           MessageType = "job_failed"
	MsgJobsDiscovered      MessageType = "jobs_discovered"
	MsgTokenRefreshRequest MessageType = "token_refresh_request"
	MsgDiscovery           MessageType = "discovery"

	// Control plane → worker.
	MsgJobResponse          MessageType = "job_response"
	MsgTokenRefreshResponse MessageType = "token_refresh_response"
	MsgShutdown             MessageType = "shutdown"
)

// Envelope is the outermost shape of every framed message. JobID is required
// for job-lifecycle and discovery messages, optional for heartbeat/job_request.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	JobID     string          `json:"jobId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope builds an Envelope around data, marshalling it to JSON. It
// stamps Timestamp with now so callers never forget it — every outbound
// message goes through this constructor.
func NewEnvelope(typ MessageType, jobID string, data any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      typ,
		Timestamp: now,
		JobID:     jobID,
		Data:      raw,
	}, nil
}

// Decode unmarshals e.Data into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// -----------------------------------------------------------------------------
// Payload shapes (§6) — minimum required fields only. Callers decode
// Envelope.Data straight into these structs, so unknown fields in an
// incoming payload are tolerated but ignored, not kept.
// -----------------------------------------------------------------------------

// SystemStatus is the worker's self-reported state included in heartbeats.
type SystemStatus string

const (
	StatusIdle        SystemStatus = "idle"
	StatusDiscovering SystemStatus = "discovering"
	StatusProcessing  SystemStatus = "processing"
	StatusError       SystemStatus = "error"
)

// HeartbeatData is heartbeat.data.
type HeartbeatData struct {
	ActiveJobs     int          `json:"activeJobs"`
	TotalProcessed int          `json:"totalProcessed"`
	SystemStatus   SystemStatus `json:"systemStatus"`
	CPUPercent     float64      `json:"cpuPercent,omitempty"`
	MemPercent     float64      `json:"memPercent,omitempty"`
}

// JobRequestData is job_request.data — empty today but kept as a struct so
// future filters (e.g. capability tags) have a home without breaking callers.
type JobRequestData struct{}

// JobDescriptor is one entry of job_response.data.jobs.
type JobDescriptor struct {
	ID          string          `json:"id"`
	Command     string          `json:"command"`
	EntityType  string          `json:"entityType,omitempty"`
	EntityID    string          `json:"entityId,omitempty"`
	FullPath    string          `json:"fullPath,omitempty"`
	GitlabURL   string          `json:"gitlabUrl"`
	AccessToken string          `json:"accessToken"`
	Options     json.RawMessage `json:"options,omitempty"`
	ResumeState *ResumeState    `json:"resumeState,omitempty"`
}

// JobResponseData is job_response.data.
type JobResponseData struct {
	Jobs []JobDescriptor `json:"jobs"`
}

// ResumeState is the opaque pagination cursor carried by a job.
type ResumeState struct {
	CurrentPage  int    `json:"current_page,omitempty"`
	LastEntityID string `json:"last_entity_id,omitempty"`
	EntityType   string `json:"entity_type,omitempty"`
}

// ProgressStage enumerates job_progress.data.stage.
type ProgressStage string

const (
	StageDiscovering ProgressStage = "discovering"
	StageFetching    ProgressStage = "fetching"
	StageCompleted   ProgressStage = "completed"
	StageFailed      ProgressStage = "failed"
)

// JobProgressData is job_progress.data.
type JobProgressData struct {
	Stage       ProgressStage `json:"stage"`
	EntityType  string        `json:"entityType,omitempty"`
	Processed   int           `json:"processed"`
	Total       *int          `json:"total,omitempty"`
	Message     string        `json:"message,omitempty"`
	ResumeState *ResumeState  `json:"resumeState,omitempty"`
}

// JobCompletedData is job_completed.data.
type JobCompletedData struct {
	Success     bool           `json:"success"`
	FinalCounts map[string]int `json:"finalCounts"`
	Message     string         `json:"message,omitempty"`
	OutputFiles []string       `json:"outputFiles,omitempty"`
}

// JobFailedData is job_failed.data.
type JobFailedData struct {
	Error         string         `json:"error"`
	ErrorType     string         `json:"errorType,omitempty"`
	IsRecoverable bool           `json:"isRecoverable"`
	ResumeState   *ResumeState   `json:"resumeState,omitempty"`
	PartialCounts map[string]int `json:"partialCounts,omitempty"`
}

// DiscoveredJob is one entry of jobs_discovered.data.discovered_jobs.
type DiscoveredJob struct {
	JobType       string `json:"job_type"`
	EntityID      string `json:"entity_id"`
	NamespacePath string `json:"namespace_path"`
	EntityName    string `json:"entity_name"`
	Priority      int    `json:"priority,omitempty"`
	EstimatedSize int    `json:"estimated_size,omitempty"`
}

// DiscoverySummary is jobs_discovered.data.discovery_summary.
type DiscoverySummary struct {
	TotalGroups   int `json:"total_groups"`
	TotalProjects int `json:"total_projects"`
}

// JobsDiscoveredData is jobs_discovered.data.
type JobsDiscoveredData struct {
	DiscoveredJobs   []DiscoveredJob  `json:"discovered_jobs"`
	DiscoverySummary DiscoverySummary `json:"discovery_summary"`
}

// TokenRefreshRequestData is token_refresh_request.data.
type TokenRefreshRequestData struct{}

// TokenRefreshResponseData is token_refresh_response.data.
type TokenRefreshResponseData struct {
	AccessToken       string    `json:"accessToken"`
	RefreshSuccessful bool      `json:"refreshSuccessful"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// ShutdownData is shutdown.data — carries an optional human-readable reason.
type ShutdownData struct {
	Reason string `json:"reason,omitempty"`
}
