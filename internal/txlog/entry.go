package txlog

// Operation is the record mutation kind captured in a log entry.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpSubmit Operation = "submit"
	OpAmend  Operation = "amend"
	OpCancel Operation = "cancel"
	OpDelete Operation = "delete"
)

// Status is the replication state of a log entry.
//
// pending and failed entries are eligible for push; synced and skipped
// are terminal. skipped marks entries whose remote error is permanent
// and must never consume retry budget again.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Entry is one captured record mutation.
//
// Entries are immutable after Append except for SyncStatus,
// AttemptCount, ErrorMessage and RemoteRecordID, which the replicators
// maintain. Entries are never physically deleted - the log doubles as
// an audit trail.
//
// Timestamp is unix nanoseconds at capture time, monotonic per node,
// and is the ordering key for both push replay and the pull watermark.
type Entry struct {
	LogID          string    `json:"log_id"`
	Timestamp      int64     `json:"timestamp"`
	RecordType     string    `json:"record_type"`
	RecordID       string    `json:"record_id"`
	Operation      Operation `json:"operation"`
	Snapshot       string    `json:"snapshot,omitempty"`
	OriginDeviceID string    `json:"origin_device_id"`
	SyncStatus     Status    `json:"sync_status"`
	AttemptCount   int       `json:"attempt_count"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	RemoteRecordID string    `json:"remote_record_id,omitempty"`
}
