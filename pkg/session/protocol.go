// Package session owns the WebSocket conversation with a client: message
// validation, upload assembly, task event fan-out, and liveness.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound message types.
const (
	TypeAuth          = "auth"
	TypeUploadRequest = "upload_request"
	TypeUploadData    = "upload_data"
	TypeUploadChunk   = "upload_chunk"
	TypeTaskStatus    = "task_status"
	TypeCancel        = "cancel"
	TypePing          = "ping"
)

// Outbound message types.
const (
	TypeConnected      = "connected"
	TypeAuthOK         = "auth_ok"
	TypeUploadReady    = "upload_ready"
	TypeChunkReceived  = "chunk_received"
	TypeUploadComplete = "upload_complete"
	TypeTaskQueued     = "task_queued"
	TypeTaskProgress   = "task_progress"
	TypeTaskComplete   = "task_complete"
	TypeError          = "error"
	TypePong           = "pong"
)

// Wire error codes.
const (
	CodeAuthFailed        = "auth_failed"
	CodeInvalidMessage    = "invalid_message"
	CodeUnknownTask       = "unknown_task"
	CodeFileTooLarge      = "file_too_large"
	CodeUnsupported       = "unsupported_format"
	CodeFileHashMismatch  = "file_hash_mismatch"
	CodeChunkHashMismatch = "chunk_hash_mismatch"
	CodeQueueFull         = "queue_full"
	CodeMaxConnections    = "max_connections"
	CodeUploadFailed      = "upload_failed"
	CodeCancelRejected    = "cancel_rejected"
)

// Upload modes.
const (
	UploadModeSingle  = "single"
	UploadModeChunked = "chunked"
)

// Envelope is the wire frame: one JSON object per text frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Marshal builds a wire frame from a message type and payload.
func Marshal(msgType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Data: raw})
}

// ============================================================================
// Inbound payloads
// ============================================================================

// AuthData carries the client token.
type AuthData struct {
	Token string `json:"token"`
}

// UploadRequestData announces a new transcription request.
type UploadRequestData struct {
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	FileHash     string `json:"file_hash"`
	ForceRefresh bool   `json:"force_refresh"`
	OutputFormat string `json:"output_format"`
	UploadMode   string `json:"upload_mode"`

	// Chunked mode only.
	ChunkSize   int64 `json:"chunk_size,omitempty"`
	TotalChunks int   `json:"total_chunks,omitempty"`
}

// UploadDataData is the single-shot upload payload.
type UploadDataData struct {
	TaskID   string `json:"task_id"`
	FileData string `json:"file_data"` // base64
}

// UploadChunkData is one chunk of a streamed upload.
type UploadChunkData struct {
	TaskID     string `json:"task_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkSize  int64  `json:"chunk_size"`
	ChunkHash  string `json:"chunk_hash"`
	ChunkData  string `json:"chunk_data"` // base64
	IsLast     bool   `json:"is_last"`
}

// TaskStatusData asks for a task snapshot.
type TaskStatusData struct {
	TaskID string `json:"task_id"`
}

// CancelData asks to cancel a pending task.
type CancelData struct {
	TaskID string `json:"task_id"`
}

// ============================================================================
// Outbound payloads
// ============================================================================

// ConnectedData greets a new session.
type ConnectedData struct {
	SessionID    string `json:"session_id"`
	Message      string `json:"message"`
	ServerTime   string `json:"server_time"`
	AuthRequired bool   `json:"auth_required"`
}

// AuthOKData confirms authentication.
type AuthOKData struct {
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
}

// UploadReadyData tells the client to start streaming.
type UploadReadyData struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// ChunkReceivedData acknowledges one chunk.
type ChunkReceivedData struct {
	TaskID     string `json:"task_id"`
	ChunkIndex int    `json:"chunk_index"`
	Received   int    `json:"received"`
	Total      int    `json:"total"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// UploadCompleteData confirms assembly and hash verification.
type UploadCompleteData struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// TaskQueuedData announces queue admission.
type TaskQueuedData struct {
	TaskID               string  `json:"task_id"`
	QueuePosition        int     `json:"queue_position"`
	EstimatedWaitMinutes float64 `json:"estimated_wait_minutes"`
	Message              string  `json:"message"`
}

// TaskProgressData reports task progress, including retry announcements and
// terminal failures (status "failed" with the error filled in).
type TaskProgressData struct {
	TaskID     string     `json:"task_id"`
	Progress   float64    `json:"progress"`
	Status     string     `json:"status"`
	Message    string     `json:"message,omitempty"`
	RetryCount int        `json:"retry_count,omitempty"`
	Error      *ErrorData `json:"error,omitempty"`
	Timestamp  string     `json:"timestamp"`
}

// TaskCompleteData carries the rendered result.
type TaskCompleteData struct {
	TaskID    string          `json:"task_id"`
	Result    json.RawMessage `json:"result"`
	Timestamp string          `json:"timestamp"`
}

// TaskStatusResponseData answers a task_status query.
type TaskStatusResponseData struct {
	TaskID     string     `json:"task_id"`
	Status     string     `json:"status"`
	FileName   string     `json:"file_name"`
	RetryCount int        `json:"retry_count"`
	CreatedAt  string     `json:"created_at"`
	StartedAt  string     `json:"started_at,omitempty"`
	FinishedAt string     `json:"finished_at,omitempty"`
	Error      *ErrorData `json:"error,omitempty"`
}

// ErrorData is the wire error shape.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

// PongData answers a protocol-level ping.
type PongData struct {
	Timestamp string `json:"timestamp"`
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
