package engine

// ResultStatus is the outcome marker every entry point returns.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
)

// Stats counts the remote operations a push performed, by kind.
type Stats struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Submitted int `json:"submitted"`
}

// EntryError describes one per-entry failure inside a batch.
type EntryError struct {
	Log     string `json:"log"`
	Error   string `json:"error"`
	Attempt int    `json:"attempt"`
}

// Rename records a collision that was resolved by renaming the local
// record.
type Rename struct {
	RecordType string `json:"record_type"`
	OriginalID string `json:"original_id"`
	RenamedTo  string `json:"renamed_to"`
}

// Result is the structured outcome of a sync run. Exceptions never
// cross this boundary: internal failures become Status == error with
// a message, and per-entry failures land in Errors.
type Result struct {
	Status    ResultStatus `json:"status"`
	Direction string       `json:"direction,omitempty"`
	Message   string       `json:"message,omitempty"`
	Total     int          `json:"total"`
	Synced    int          `json:"synced"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Stats     Stats        `json:"stats"`
	Errors    []EntryError `json:"errors,omitempty"`

	// CollisionsRenamed lists local renames performed during push.
	CollisionsRenamed []Rename `json:"collisions_renamed,omitempty"`
}

// errorResult builds an error-shaped result for a direction.
func errorResult(direction, message string) *Result {
	return &Result{Status: StatusError, Direction: direction, Message: message}
}

// BidirectionalResult is the outcome of a sequential up-then-down run.
type BidirectionalResult struct {
	Status   ResultStatus `json:"status"`
	SyncUp   *Result      `json:"sync_up"`
	SyncDown *Result      `json:"sync_down"`
}

// StatusReport exposes true log counts for health reporting.
type StatusReport struct {
	Status  ResultStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Pending int          `json:"pending"`
	Failed  int          `json:"failed"`
	Synced  int          `json:"synced"`
	Skipped int          `json:"skipped"`
}
