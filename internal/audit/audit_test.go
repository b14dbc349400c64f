package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEventCreation(t *testing.T) {
	t.Run("NewPublishStartedEvent", func(t *testing.T) {
		event := NewPublishStartedEvent("abcdef1234567890abcdef1234567890", "/tmp/file.bin", 1024000)

		if event.EventType != EventPublishStarted {
			t.Errorf("expected EventPublishStarted, got %s", event.EventType)
		}
		if event.FileHash != "abcdef1234567890" {
			t.Errorf("expected truncated hash, got %s", event.FileHash)
		}
		if event.FilePath != "/tmp/file.bin" {
			t.Errorf("expected /tmp/file.bin, got %s", event.FilePath)
		}
		if event.FileSize != 1024000 {
			t.Errorf("expected 1024000, got %d", event.FileSize)
		}
		if event.Timestamp.IsZero() {
			t.Error("timestamp should not be zero")
		}
	})

	t.Run("NewPublishFailedEvent", func(t *testing.T) {
		event := NewPublishFailedEvent("abcdef1234567890", "/tmp/file.bin", "connection refused")

		if event.EventType != EventPublishFailed {
			t.Errorf("expected EventPublishFailed, got %s", event.EventType)
		}
		if event.Error != "connection refused" {
			t.Errorf("expected 'connection refused', got %s", event.Error)
		}
	})

	t.Run("NewSubscribeStartedEvent", func(t *testing.T) {
		event := NewSubscribeStartedEvent("abcdef1234567890")

		if event.EventType != EventSubscribeStarted {
			t.Errorf("expected EventSubscribeStarted, got %s", event.EventType)
		}
	})

	t.Run("NewDownloadCompleteEvent", func(t *testing.T) {
		event := NewDownloadCompleteEvent(
			"abcdef1234567890abcdef1234567890",
			"/tmp/out.bin",
			1024000,
			"203.0.113.1:7828",
			500,
		)

		if event.EventType != EventDownloadComplete {
			t.Errorf("expected EventDownloadComplete, got %s", event.EventType)
		}
		if event.FileHash != "abcdef1234567890" {
			t.Errorf("expected truncated hash, got %s", event.FileHash)
		}
		if event.PeerAddr != "203.0.113.1:7828" {
			t.Errorf("expected peer addr, got %s", event.PeerAddr)
		}
		if event.DurationMs != 500 {
			t.Errorf("expected 500, got %d", event.DurationMs)
		}
	})

	t.Run("NewDownloadFailedEvent", func(t *testing.T) {
		event := NewDownloadFailedEvent(
			"abcdef1234567890",
			"/tmp/out.bin",
			"connection refused",
		)

		if event.EventType != EventDownloadFailed {
			t.Errorf("expected EventDownloadFailed, got %s", event.EventType)
		}
		if event.Error != "connection refused" {
			t.Errorf("expected 'connection refused', got %s", event.Error)
		}
	})

	t.Run("NewUploadCompleteEvent", func(t *testing.T) {
		event := NewUploadCompleteEvent(
			"abcdef1234567890",
			2048000,
			"198.51.100.7:51820",
			1000,
		)

		if event.EventType != EventUploadComplete {
			t.Errorf("expected EventUploadComplete, got %s", event.EventType)
		}
		if event.PeerAddr != "198.51.100.7:51820" {
			t.Errorf("expected peer addr, got %s", event.PeerAddr)
		}
	})

	t.Run("NewHashMismatchEvent", func(t *testing.T) {
		event := NewHashMismatchEvent("abcdef1234567890", "198.51.100.7:51820")

		if event.EventType != EventHashMismatch {
			t.Errorf("expected EventHashMismatch, got %s", event.EventType)
		}
		if event.Error != "hash mismatch" {
			t.Errorf("expected 'hash mismatch', got %s", event.Error)
		}
	})

	t.Run("NewHolepunchFailedEvent", func(t *testing.T) {
		event := NewHolepunchFailedEvent("198.51.100.7:51820", "timed out")

		if event.EventType != EventHolepunchFailed {
			t.Errorf("expected EventHolepunchFailed, got %s", event.EventType)
		}
		if event.Error != "timed out" {
			t.Errorf("expected 'timed out', got %s", event.Error)
		}
	})

	t.Run("NewCancelledEvent", func(t *testing.T) {
		event := NewCancelledEvent("abcdef1234567890", "operator stopped download")

		if event.EventType != EventCancelled {
			t.Errorf("expected EventCancelled, got %s", event.EventType)
		}
		if event.Reason != "operator stopped download" {
			t.Errorf("expected reason, got %s", event.Reason)
		}
	})
}

func TestTruncateHash(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"abcdef1234567890abcdef1234567890", "abcdef1234567890"},
		{"short", "short"},
		{"exactly16chars!!", "exactly16chars!!"},
		{"", ""},
	}

	for _, tt := range tests {
		result := truncateHash(tt.input)
		if result != tt.expected {
			t.Errorf("truncateHash(%q) = %q, expected %q", tt.input, result, tt.expected)
		}
	}
}

func TestWithRequestID(t *testing.T) {
	event := NewSubscribeStartedEvent("abcdef1234567890").WithRequestID("req-1")
	if event.RequestID != "req-1" {
		t.Errorf("expected req-1, got %s", event.RequestID)
	}
}

func TestNoopLogger(t *testing.T) {
	logger := &NoopLogger{}

	// should not panic
	logger.Log(Event{EventType: EventSubscribeStarted})

	if err := logger.Close(); err != nil {
		t.Errorf("NoopLogger.Close() returned error: %v", err)
	}
}

func TestJSONWriter(t *testing.T) {
	t.Run("CreateAndLog", func(t *testing.T) {
		tmpDir := t.TempDir()
		logPath := filepath.Join(tmpDir, "audit.json")

		writer, err := NewJSONWriter(JSONWriterConfig{
			Path:       logPath,
			MaxSizeMB:  1,
			MaxBackups: 3,
		})
		if err != nil {
			t.Fatalf("failed to create JSONWriter: %v", err)
		}
		defer writer.Close()

		writer.Log(NewDownloadCompleteEvent("hash1", "/tmp/f1.bin", 1000, "203.0.113.1:7828", 100))
		writer.Log(NewSubscribeStartedEvent("hash2"))
		writer.Log(NewUploadCompleteEvent("hash3", 3000, "203.0.113.2:7828", 50))

		if err := writer.Close(); err != nil {
			t.Fatalf("failed to close writer: %v", err)
		}

		data, err := os.ReadFile(logPath)
		if err != nil {
			t.Fatalf("failed to read log file: %v", err)
		}

		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 3 {
			t.Errorf("expected 3 lines, got %d", len(lines))
		}

		var event Event
		if err := json.Unmarshal([]byte(lines[0]), &event); err != nil {
			t.Fatalf("failed to parse first event: %v", err)
		}
		if event.EventType != EventDownloadComplete {
			t.Errorf("expected EventDownloadComplete, got %s", event.EventType)
		}
	})

	t.Run("CreateDirectory", func(t *testing.T) {
		tmpDir := t.TempDir()
		logPath := filepath.Join(tmpDir, "subdir", "nested", "audit.json")

		writer, err := NewJSONWriter(JSONWriterConfig{Path: logPath})
		if err != nil {
			t.Fatalf("failed to create JSONWriter with nested path: %v", err)
		}
		defer writer.Close()

		if _, err := os.Stat(filepath.Dir(logPath)); os.IsNotExist(err) {
			t.Error("directory was not created")
		}
	})

	t.Run("EmptyPathError", func(t *testing.T) {
		_, err := NewJSONWriter(JSONWriterConfig{Path: ""})
		if err == nil {
			t.Error("expected error for empty path")
		}
	})

	t.Run("Rotation", func(t *testing.T) {
		tmpDir := t.TempDir()
		logPath := filepath.Join(tmpDir, "audit.json")

		writer, err := NewJSONWriter(JSONWriterConfig{
			Path:       logPath,
			MaxSizeMB:  0,
			MaxBackups: 2,
		})
		if err != nil {
			t.Fatalf("failed to create JSONWriter: %v", err)
		}

		writer.maxBytes = 500

		for i := 0; i < 20; i++ {
			writer.Log(NewDownloadCompleteEvent(
				"hash1234567890123456",
				"/tmp/f.bin",
				uint64(i*1000),
				"203.0.113.1:7828",
				100,
			))
		}

		if err := writer.Close(); err != nil {
			t.Fatalf("failed to close writer: %v", err)
		}

		_, err = os.Stat(logPath + ".1")
		if os.IsNotExist(err) {
			t.Log("Note: .1 backup may not exist if rotation timing varied")
		}
	})

	t.Run("FilePermissions", func(t *testing.T) {
		tmpDir := t.TempDir()
		logPath := filepath.Join(tmpDir, "audit.json")

		writer, err := NewJSONWriter(JSONWriterConfig{Path: logPath})
		if err != nil {
			t.Fatalf("failed to create JSONWriter: %v", err)
		}
		writer.Log(Event{Timestamp: time.Now(), EventType: EventSubscribeStarted})
		writer.Close()

		info, err := os.Stat(logPath)
		if err != nil {
			t.Fatalf("failed to stat log file: %v", err)
		}

		mode := info.Mode().Perm()
		if mode&0077 != 0 {
			t.Logf("Note: file permissions %o may include group/other bits on some systems", mode)
		}
	})
}

func TestJSONWriterConcurrency(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "audit.json")

	writer, err := NewJSONWriter(JSONWriterConfig{
		Path:       logPath,
		MaxSizeMB:  10,
		MaxBackups: 3,
	})
	if err != nil {
		t.Fatalf("failed to create JSONWriter: %v", err)
	}
	defer writer.Close()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			for j := 0; j < 100; j++ {
				writer.Log(NewDownloadCompleteEvent(
					"hash",
					"/tmp/f.bin",
					uint64(id*100+j),
					"203.0.113.1:7828",
					100,
				))
			}
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestEventJSONSerialization(t *testing.T) {
	event := Event{
		Timestamp:  time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		EventType:  EventDownloadComplete,
		FileHash:   "abcdef1234567890",
		FilePath:   "/tmp/f.bin",
		FileSize:   1024,
		PeerAddr:   "203.0.113.1:7828",
		DurationMs: 250,
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}

	jsonStr := string(data)
	expectedFields := []string{
		`"event_type":"download_complete"`,
		`"file_hash":"abcdef1234567890"`,
		`"file_path":"/tmp/f.bin"`,
		`"file_size":1024`,
		`"peer_addr":"203.0.113.1:7828"`,
		`"duration_ms":250`,
	}

	for _, field := range expectedFields {
		if !strings.Contains(jsonStr, field) {
			t.Errorf("JSON missing expected field: %s\nGot: %s", field, jsonStr)
		}
	}

	if strings.Contains(jsonStr, `"error"`) {
		t.Error("JSON should omit empty error field")
	}
	if strings.Contains(jsonStr, `"reason"`) {
		t.Error("JSON should omit empty reason field")
	}
}
