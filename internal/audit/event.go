// Package audit provides structured audit logging for security-sensitive
// and operationally-significant transfer events.
package audit

import (
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventPublishStarted is logged when a file is registered with the
	// rendezvous server for publishing.
	EventPublishStarted EventType = "publish_started"
	// EventPublishFailed is logged when publishing fails.
	EventPublishFailed EventType = "publish_failed"
	// EventSubscribeStarted is logged when a subscribe lookup is issued.
	EventSubscribeStarted EventType = "subscribe_started"
	// EventDownloadComplete is logged when a download finishes successfully.
	EventDownloadComplete EventType = "download_complete"
	// EventDownloadFailed is logged when a download fails.
	EventDownloadFailed EventType = "download_failed"
	// EventUploadComplete is logged when serving a file to a peer succeeds.
	EventUploadComplete EventType = "upload_complete"
	// EventHashMismatch is logged when a downloaded file's hash doesn't
	// match the expected hash.
	EventHashMismatch EventType = "hash_mismatch"
	// EventHolepunchFailed is logged when NAT hole punching to a peer
	// fails.
	EventHolepunchFailed EventType = "holepunch_failed"
	// EventCancelled is logged when a publish or download is cancelled by
	// its operator.
	EventCancelled EventType = "cancelled"
)

// Event represents a single audit log entry.
type Event struct {
	// Timestamp when the event occurred (RFC3339 format in JSON).
	Timestamp time.Time `json:"timestamp"`

	// EventType identifies what happened.
	EventType EventType `json:"event_type"`

	// RequestID is the correlation ID for end-to-end request tracing.
	RequestID string `json:"request_id,omitempty"`

	// FileHash is the SHA-256 hash of the file (truncated in logs).
	FileHash string `json:"file_hash,omitempty"`

	// FilePath is the local path of the file being published or
	// downloaded.
	FilePath string `json:"file_path,omitempty"`

	// FileSize is the size in bytes.
	FileSize uint64 `json:"file_size,omitempty"`

	// PeerAddr is the remote peer address involved in the event, if any.
	PeerAddr string `json:"peer_addr,omitempty"`

	// DurationMs is the operation duration in milliseconds.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Error contains error details for failed events.
	Error string `json:"error,omitempty"`

	// Reason provides additional context (e.g., why a transfer was
	// cancelled).
	Reason string `json:"reason,omitempty"`
}

// NewPublishStartedEvent creates an event for a file registered with the
// rendezvous server.
func NewPublishStartedEvent(hash, path string, size uint64) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventPublishStarted,
		FileHash:  truncateHash(hash),
		FilePath:  path,
		FileSize:  size,
	}
}

// NewPublishFailedEvent creates an event for a failed publish attempt.
func NewPublishFailedEvent(hash, path, errMsg string) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventPublishFailed,
		FileHash:  truncateHash(hash),
		FilePath:  path,
		Error:     errMsg,
	}
}

// NewSubscribeStartedEvent creates an event for a subscribe lookup.
func NewSubscribeStartedEvent(hash string) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventSubscribeStarted,
		FileHash:  truncateHash(hash),
	}
}

// NewDownloadCompleteEvent creates an event for a successful download.
func NewDownloadCompleteEvent(hash, path string, size uint64, peerAddr string, durationMs int64) Event {
	return Event{
		Timestamp:  time.Now(),
		EventType:  EventDownloadComplete,
		FileHash:   truncateHash(hash),
		FilePath:   path,
		FileSize:   size,
		PeerAddr:   peerAddr,
		DurationMs: durationMs,
	}
}

// NewDownloadFailedEvent creates an event for a failed download.
func NewDownloadFailedEvent(hash, path, errMsg string) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventDownloadFailed,
		FileHash:  truncateHash(hash),
		FilePath:  path,
		Error:     errMsg,
	}
}

// NewUploadCompleteEvent creates an event for a successful upload to a
// peer.
func NewUploadCompleteEvent(hash string, size uint64, peerAddr string, durationMs int64) Event {
	return Event{
		Timestamp:  time.Now(),
		EventType:  EventUploadComplete,
		FileHash:   truncateHash(hash),
		FileSize:   size,
		PeerAddr:   peerAddr,
		DurationMs: durationMs,
	}
}

// NewHashMismatchEvent creates an event for a hash verification failure.
func NewHashMismatchEvent(hash, peerAddr string) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventHashMismatch,
		FileHash:  truncateHash(hash),
		PeerAddr:  peerAddr,
		Error:     "hash mismatch",
	}
}

// NewHolepunchFailedEvent creates an event for a failed NAT traversal
// attempt.
func NewHolepunchFailedEvent(peerAddr, errMsg string) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventHolepunchFailed,
		PeerAddr:  peerAddr,
		Error:     errMsg,
	}
}

// NewCancelledEvent creates an event for an operator-cancelled transfer.
func NewCancelledEvent(hash, reason string) Event {
	return Event{
		Timestamp: time.Now(),
		EventType: EventCancelled,
		FileHash:  truncateHash(hash),
		Reason:    reason,
	}
}

// truncateHash returns the first 16 chars of hash for readability.
func truncateHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}

// WithRequestID returns a copy of the event with the request ID set.
// This allows chaining with event constructors for request tracing.
func (e Event) WithRequestID(id string) Event {
	e.RequestID = id
	return e
}
