// Package models defines the data shapes shared across the export core:
// the operation-class enum, rate-limit and concurrency records, queue
// items, and the checkpoint document. Payloads stay opaque here — only
// id and kind are ever interpreted by the core itself.
package models

// OperationClass partitions the concurrency budget. Distinct from a
// section name: the orchestrator maps each built-in section to the
// class of the same name and any other section to ClassDefault.
type OperationClass string

const (
	ClassPages      OperationClass = "pages"
	ClassBlocks     OperationClass = "blocks"
	ClassDatabases  OperationClass = "databases"
	ClassComments   OperationClass = "comments"
	ClassUsers      OperationClass = "users"
	ClassProperties OperationClass = "properties"
	ClassDefault    OperationClass = "default"
)

// RequestSample is one entry in the controller's sliding-window ring.
type RequestSample struct {
	TimestampMs    int64
	ResponseTimeMs int
	WasError       bool
}

// RateLimitState tracks the remote API's advertised rate-limit window.
// Invariant: 0 <= Remaining <= Limit after every successful header update.
type RateLimitState struct {
	Remaining          int
	Limit              int
	ResetAtMs          int64
	RetryAfterAtMs     int64
	LastHeaderUpdateMs int64
	HeaderParseErrors  int
}

// ControllerConfig holds the adaptive controller's tunables. ratelimit.New
// replaces zero values with the defaults from DefaultControllerConfig.
type ControllerConfig struct {
	InitialConcurrency   int
	MaxConcurrency       int
	MinConcurrency       int
	IncreaseThreshold    float64
	DecreaseThreshold    float64
	AdjustmentCooldownMs int64
	SampleSize           int
	ErrorRateCeil        float64
	SuccessRateFloor     float64
	BaseIntervalMs       int64
	MaxHeaderErrors      int
}

// DefaultControllerConfig returns the documented default tunables.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		InitialConcurrency:   20,
		MaxConcurrency:       50,
		MinConcurrency:       1,
		IncreaseThreshold:    0.1,
		DecreaseThreshold:    0.2,
		AdjustmentCooldownMs: 5000,
		SampleSize:           100,
		ErrorRateCeil:        0.1,
		SuccessRateFloor:     0.95,
		BaseIntervalMs:       100,
		MaxHeaderErrors:      5,
	}
}

// ClassLimit is one entry of a ConcurrencyBudget snapshot.
type ClassLimit struct {
	Limit   int
	Active  int
	Waiting int
}

// DefaultConcurrencyBudget returns the documented per-class starting limits.
func DefaultConcurrencyBudget() map[OperationClass]int {
	return map[OperationClass]int{
		ClassPages:      5,
		ClassBlocks:     15,
		ClassDatabases:  3,
		ClassComments:   10,
		ClassUsers:      20,
		ClassProperties: 12,
		ClassDefault:    5,
	}
}

// ExportItem is one unit flowing through the bounded queue.
type ExportItem struct {
	ID        string
	Kind      OperationClass
	Payload   any
	Timestamp int64
}

// ErrorRecord is one entry in the checkpoint's bounded error log.
type ErrorRecord struct {
	TimestampMs int64   `json:"timestampMs"`
	Operation   string  `json:"operation"`
	ObjectID    string  `json:"objectId,omitempty"`
	Message     string  `json:"message"`
	StackOrNil  *string `json:"stack,omitempty"`
	RetryCount  int     `json:"retryCount"`
}

// Checkpoint is the persisted progress document described in the
// checkpoint file schema (outputDir/.<exportId>.checkpoint.json).
type Checkpoint struct {
	ExportID          string         `json:"exportId"`
	StartTimeMs       int64          `json:"startTimeMs"`
	LastUpdateMs      int64          `json:"lastUpdateMs"`
	LastProcessedID   string         `json:"lastProcessedId,omitempty"`
	ProcessedCount    int            `json:"processedCount"`
	TotalEstimate     int            `json:"totalEstimate"`
	CompletedSections []string       `json:"completedSections"`
	CurrentSection    string         `json:"currentSection"`
	OutputPath        string         `json:"outputPath"`
	Errors            []ErrorRecord  `json:"errors"`
	Metadata          map[string]any `json:"metadata"`
}

// SectionState is the per-section state machine named in the
// orchestrator design: Pending -> Running -> Completed, and a terminal
// Failed only on a fatal error. The orchestrator never assigns
// SectionPaused: a pause holds the run between sections, and the next
// section stays Pending until the run resumes.
type SectionState string

const (
	SectionPending   SectionState = "pending"
	SectionRunning   SectionState = "running"
	SectionPaused    SectionState = "paused"
	SectionCompleted SectionState = "completed"
	SectionFailed    SectionState = "failed"
)

// ErrorSeverity classifies how aggressively the controller should back off.
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
)
