package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/murmur-labs/scribed/internal/logger"
	"github.com/murmur-labs/scribed/pkg/blob"
	"github.com/murmur-labs/scribed/pkg/format"
	"github.com/murmur-labs/scribed/pkg/metrics"
	"github.com/murmur-labs/scribed/pkg/task"
)

// Config controls per-session behavior.
type Config struct {
	// HeartbeatInterval is how often the server pings. Default: 30s.
	HeartbeatInterval time.Duration

	// ConnectionTimeout closes a session with no inbound traffic. Default: 120s.
	ConnectionTimeout time.Duration

	// AuthTimeout bounds the authentication handshake. Default: 30s.
	AuthTimeout time.Duration

	// SendQueueSize is the bounded outbound queue. Default: 64.
	SendQueueSize int

	// SendTimeout bounds a terminal-event send before the session is
	// declared dead. Default: 10s.
	SendTimeout time.Duration

	// MaxMessageBytes caps one inbound frame. Default: 64 MiB (single-shot
	// uploads ride base64-encoded inside a frame).
	MaxMessageBytes int64
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 120 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 20
	}
}

// Session is one client conversation over a WebSocket connection.
type Session struct {
	id       string
	clientIP string
	conn     *websocket.Conn
	hub      *Hub
	cfg      Config

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	uploads map[string]*upload

	openedAt time.Time
}

func newSession(hub *Hub, conn *websocket.Conn, clientIP string) *Session {
	cfg := hub.cfg
	return &Session{
		id:       uuid.NewString(),
		clientIP: clientIP,
		conn:     conn,
		hub:      hub,
		cfg:      cfg,
		out:      make(chan []byte, cfg.SendQueueSize),
		done:     make(chan struct{}),
		uploads:  make(map[string]*upload),
		openedAt: time.Now(),
	}
}

// ID returns the session identifier used for task subscriptions.
func (s *Session) ID() string {
	return s.id
}

// Run drives the session to completion: greeting, optional auth handshake,
// then the read loop with a concurrent write pump. It returns when the
// connection is gone.
func (s *Session) Run() {
	defer s.close()

	lc := &logger.LogContext{
		Op:        "session",
		SessionID: s.id,
		ClientIP:  s.clientIP,
		StartTime: s.openedAt,
	}
	ctx := logger.WithContext(context.Background(), lc)

	authRequired := s.hub.deps.Auth != nil
	if err := s.writeDirect(TypeConnected, ConnectedData{
		SessionID:    s.id,
		Message:      "connected",
		ServerTime:   now(),
		AuthRequired: authRequired,
	}); err != nil {
		return
	}

	if authRequired && !s.authenticate(ctx) {
		return
	}

	go s.writePump()
	s.readPump(ctx)
}

// ============================================================================
// Handshake
// ============================================================================

// authenticate runs the synchronous auth exchange before the pumps start.
func (s *Session) authenticate(ctx context.Context) bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))

	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return false
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != TypeAuth {
		_ = s.writeDirect(TypeError, ErrorData{Code: CodeAuthFailed, Message: "authentication required"})
		return false
	}

	var data AuthData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		_ = s.writeDirect(TypeError, ErrorData{Code: CodeAuthFailed, Message: "missing token"})
		return false
	}

	claims, err := s.hub.deps.Auth.Validate(data.Token)
	if err != nil {
		logger.WarnCtx(ctx, "authentication rejected", logger.Err(err))
		_ = s.writeDirect(TypeError, ErrorData{Code: CodeAuthFailed, Message: "invalid token"})
		return false
	}

	logger.InfoCtx(ctx, "session authenticated", "client_id", claims.ClientID)
	return s.writeDirect(TypeAuthOK, AuthOKData{
		ClientID: claims.ClientID,
		Message:  "authenticated",
	}) == nil
}

// writeDirect writes one frame from the read goroutine, before the write
// pump owns the connection.
func (s *Session) writeDirect(msgType string, data any) error {
	frame, err := Marshal(msgType, data)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// ============================================================================
// Pumps
// ============================================================================

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectionTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectionTimeout))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.DebugCtx(ctx, "session read failed", logger.Err(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectionTimeout))

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.sendError(CodeInvalidMessage, "malformed frame", "")
			continue
		}
		s.dispatch(ctx, env)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// ============================================================================
// Sending
// ============================================================================

// send queues a non-terminal message; under backpressure it is dropped.
func (s *Session) send(msgType string, data any) {
	frame, err := Marshal(msgType, data)
	if err != nil {
		logger.Warn("payload encoding failed", logger.KeyMessageType, msgType, logger.Err(err))
		return
	}
	select {
	case s.out <- frame:
	case <-s.done:
	default:
		metrics.EventDropped(s.hub.deps.Metrics)
		logger.Warn("event dropped under backpressure",
			logger.KeySessionID, s.id,
			logger.KeyMessageType, msgType)
	}
}

// sendTerminal queues a message that must not be dropped. If the session
// cannot absorb it within the send timeout, the session is closed.
func (s *Session) sendTerminal(msgType string, data any) {
	frame, err := Marshal(msgType, data)
	if err != nil {
		logger.Warn("payload encoding failed", logger.KeyMessageType, msgType, logger.Err(err))
		return
	}
	select {
	case s.out <- frame:
	case <-s.done:
	case <-time.After(s.cfg.SendTimeout):
		logger.Warn("terminal event undeliverable, closing session",
			logger.KeySessionID, s.id,
			logger.KeyMessageType, msgType)
		s.close()
	}
}

func (s *Session) sendError(code, message, taskID string) {
	s.send(TypeError, ErrorData{Code: code, Message: message, TaskID: taskID})
}

// deliver maps a scheduler event onto the wire. Terminal events use the
// no-drop path.
func (s *Session) deliver(ev task.Event) {
	switch ev.Kind {
	case task.EventQueued:
		s.send(TypeTaskQueued, TaskQueuedData{
			TaskID:               ev.TaskID,
			QueuePosition:        ev.QueuePosition,
			EstimatedWaitMinutes: ev.EstimatedMinutes,
			Message:              "task queued",
		})
	case task.EventProgress:
		var wireErr *ErrorData
		if ev.Err != nil {
			wireErr = &ErrorData{Code: ev.Err.Code, Message: ev.Err.Message, TaskID: ev.TaskID}
		}
		s.send(TypeTaskProgress, TaskProgressData{
			TaskID:     ev.TaskID,
			Progress:   float64(ev.Progress),
			Status:     string(ev.Status),
			Message:    ev.Message,
			RetryCount: ev.RetryCount,
			Error:      wireErr,
			Timestamp:  now(),
		})
	case task.EventComplete:
		s.sendTerminal(TypeTaskComplete, TaskCompleteData{
			TaskID:    ev.TaskID,
			Result:    ev.Payload,
			Timestamp: now(),
		})
	case task.EventFailed:
		var wireErr *ErrorData
		if ev.Err != nil {
			wireErr = &ErrorData{Code: ev.Err.Code, Message: ev.Err.Message, TaskID: ev.TaskID}
		}
		s.sendTerminal(TypeTaskProgress, TaskProgressData{
			TaskID:    ev.TaskID,
			Progress:  0,
			Status:    string(task.StatusFailed),
			Error:     wireErr,
			Timestamp: now(),
		})
	}
}

// ============================================================================
// Dispatch
// ============================================================================

func (s *Session) dispatch(ctx context.Context, env Envelope) {
	metrics.MessageReceived(s.hub.deps.Metrics, env.Type)

	switch env.Type {
	case TypePing:
		s.send(TypePong, PongData{Timestamp: now()})
	case TypeUploadRequest:
		s.handleUploadRequest(ctx, env.Data)
	case TypeUploadData:
		s.handleUploadData(ctx, env.Data)
	case TypeUploadChunk:
		s.handleUploadChunk(ctx, env.Data)
	case TypeTaskStatus:
		s.handleTaskStatus(env.Data)
	case TypeCancel:
		s.handleCancel(ctx, env.Data)
	default:
		s.sendError(CodeInvalidMessage, fmt.Sprintf("unknown message type %q", env.Type), "")
	}
}

func (s *Session) handleUploadRequest(ctx context.Context, raw json.RawMessage) {
	var req UploadRequestData
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(CodeInvalidMessage, "malformed upload_request", "")
		return
	}
	if req.FileName == "" || req.FileHash == "" {
		s.sendError(CodeInvalidMessage, "file_name and file_hash are required", "")
		return
	}

	outputFormat, err := format.Parse(req.OutputFormat)
	if err != nil {
		s.sendError(CodeInvalidMessage, err.Error(), "")
		return
	}

	if req.UploadMode == "" {
		req.UploadMode = UploadModeSingle
	}
	if req.UploadMode == UploadModeChunked {
		if req.ChunkSize <= 0 || req.TotalChunks <= 0 {
			s.sendError(CodeInvalidMessage, "chunked upload requires chunk_size and total_chunks", "")
			return
		}
		if req.ChunkSize*int64(req.TotalChunks) < req.FileSize {
			s.sendError(CodeInvalidMessage, "chunk layout smaller than declared file size", "")
			return
		}
	}

	res, err := s.hub.deps.Scheduler.Submit(ctx, task.SubmitRequest{
		FileName:     req.FileName,
		FileSize:     req.FileSize,
		FileHash:     req.FileHash,
		OutputFormat: outputFormat,
		ForceRefresh: req.ForceRefresh,
		SessionID:    s.id,
	})
	if err != nil {
		switch {
		case errors.Is(err, task.ErrFileTooLarge):
			s.sendError(CodeFileTooLarge, err.Error(), "")
		case errors.Is(err, task.ErrUnsupportedFile):
			s.sendError(CodeUnsupported, err.Error(), "")
		default:
			s.sendError(CodeInvalidMessage, err.Error(), "")
		}
		return
	}

	if res.Mode == task.ModeCacheHit {
		// The completion event arrives through the fan-out; nothing to upload.
		logger.InfoCtx(ctx, "upload skipped, result cached",
			logger.TaskID(res.TaskID), logger.FileHash(req.FileHash))
		return
	}

	s.mu.Lock()
	s.uploads[res.TaskID] = newUpload(res.TaskID, req)
	s.mu.Unlock()

	s.send(TypeUploadReady, UploadReadyData{
		TaskID:  res.TaskID,
		Message: "ready to receive file data",
	})
}

func (s *Session) handleUploadData(ctx context.Context, raw json.RawMessage) {
	var msg UploadDataData
	if err := json.Unmarshal(raw, &msg); err != nil || msg.TaskID == "" {
		s.sendError(CodeInvalidMessage, "malformed upload_data", "")
		return
	}

	up := s.lookupUpload(msg.TaskID)
	if up == nil {
		s.sendError(CodeUnknownTask, "no pending upload for task", msg.TaskID)
		return
	}

	n, err := up.putSingle(s.hub.deps.Blobs, msg.FileData)
	metrics.UploadBytes(s.hub.deps.Metrics, n)
	if err != nil {
		s.dropUpload(msg.TaskID)
		switch {
		case errors.Is(err, blob.ErrHashMismatch):
			s.sendError(CodeFileHashMismatch, "file hash does not match upload", msg.TaskID)
		case errors.Is(err, blob.ErrSizeMismatch):
			s.sendError(CodeInvalidMessage, err.Error(), msg.TaskID)
		default:
			s.sendError(CodeUploadFailed, err.Error(), msg.TaskID)
		}
		return
	}

	s.dropUpload(msg.TaskID)
	s.finishUpload(ctx, msg.TaskID)
}

func (s *Session) handleUploadChunk(ctx context.Context, raw json.RawMessage) {
	var msg UploadChunkData
	if err := json.Unmarshal(raw, &msg); err != nil || msg.TaskID == "" {
		s.sendError(CodeInvalidMessage, "malformed upload_chunk", "")
		return
	}

	up := s.lookupUpload(msg.TaskID)
	if up == nil {
		s.sendError(CodeUnknownTask, "no pending upload for task", msg.TaskID)
		return
	}

	n, complete, err := up.putChunk(s.hub.deps.Blobs, msg)
	metrics.UploadBytes(s.hub.deps.Metrics, n)
	if err != nil {
		switch {
		case errors.Is(err, errDuplicateChunk):
			s.send(TypeChunkReceived, ChunkReceivedData{
				TaskID:     msg.TaskID,
				ChunkIndex: msg.ChunkIndex,
				Received:   up.receivedCount(),
				Total:      up.totalChunks,
				Duplicate:  true,
			})
		case errors.Is(err, errChunkHash):
			s.sendError(CodeChunkHashMismatch,
				fmt.Sprintf("chunk %d hash mismatch", msg.ChunkIndex), msg.TaskID)
		case errors.Is(err, blob.ErrHashMismatch):
			// Whole-file verification failed at assembly; drop the artifact.
			s.dropUpload(msg.TaskID)
			s.sendError(CodeFileHashMismatch, "file hash does not match upload", msg.TaskID)
		default:
			s.dropUpload(msg.TaskID)
			s.sendError(CodeUploadFailed, err.Error(), msg.TaskID)
		}
		return
	}

	s.send(TypeChunkReceived, ChunkReceivedData{
		TaskID:     msg.TaskID,
		ChunkIndex: msg.ChunkIndex,
		Received:   up.receivedCount(),
		Total:      up.totalChunks,
	})

	if complete {
		s.dropUpload(msg.TaskID)
		s.finishUpload(ctx, msg.TaskID)
	}
}

// finishUpload admits a fully assembled task to the queue.
func (s *Session) finishUpload(ctx context.Context, taskID string) {
	_, err := s.hub.deps.Scheduler.EnqueueUploaded(ctx, taskID)
	if err != nil {
		switch {
		case errors.Is(err, task.ErrQueueFull):
			s.sendError(CodeQueueFull, "queue is full, resubmit later", taskID)
		case errors.Is(err, task.ErrUnknownTask):
			s.sendError(CodeUnknownTask, "task no longer exists", taskID)
		default:
			s.sendError(CodeUploadFailed, err.Error(), taskID)
		}
		return
	}

	s.send(TypeUploadComplete, UploadCompleteData{
		TaskID:  taskID,
		Message: "upload verified, transcription scheduled",
	})
}

func (s *Session) handleTaskStatus(raw json.RawMessage) {
	var msg TaskStatusData
	if err := json.Unmarshal(raw, &msg); err != nil || msg.TaskID == "" {
		s.sendError(CodeInvalidMessage, "task_id is required", "")
		return
	}

	snap, err := s.hub.deps.Scheduler.Get(msg.TaskID)
	if err != nil {
		s.sendError(CodeUnknownTask, "task not found", msg.TaskID)
		return
	}
	s.send(TypeTaskStatus, statusResponse(snap))
}

func (s *Session) handleCancel(ctx context.Context, raw json.RawMessage) {
	var msg CancelData
	if err := json.Unmarshal(raw, &msg); err != nil || msg.TaskID == "" {
		s.sendError(CodeInvalidMessage, "task_id is required", "")
		return
	}

	err := s.hub.deps.Scheduler.Cancel(msg.TaskID, s.id)
	switch {
	case err == nil:
		snap, getErr := s.hub.deps.Scheduler.Get(msg.TaskID)
		if getErr != nil {
			s.sendError(CodeUnknownTask, "task not found", msg.TaskID)
			return
		}
		s.send(TypeTaskStatus, statusResponse(snap))
	case errors.Is(err, task.ErrUnknownTask):
		s.sendError(CodeUnknownTask, "task not found", msg.TaskID)
	case errors.Is(err, task.ErrNotSubscriber):
		s.sendError(CodeCancelRejected, "session is not subscribed to task", msg.TaskID)
	case errors.Is(err, task.ErrNotCancellable):
		s.sendError(CodeCancelRejected, "task is not pending", msg.TaskID)
	default:
		s.sendError(CodeCancelRejected, err.Error(), msg.TaskID)
	}
}

func statusResponse(snap task.Snapshot) TaskStatusResponseData {
	resp := TaskStatusResponseData{
		TaskID:     snap.TaskID,
		Status:     string(snap.Status),
		FileName:   snap.FileName,
		RetryCount: snap.RetryCount,
		CreatedAt:  snap.CreatedAt.UTC().Format(time.RFC3339),
	}
	if snap.StartedAt != nil {
		resp.StartedAt = snap.StartedAt.UTC().Format(time.RFC3339)
	}
	if snap.FinishedAt != nil {
		resp.FinishedAt = snap.FinishedAt.UTC().Format(time.RFC3339)
	}
	if snap.ErrorCode != "" {
		resp.Error = &ErrorData{Code: snap.ErrorCode, Message: snap.ErrorMessage, TaskID: snap.TaskID}
	}
	return resp
}

// ============================================================================
// Upload registry and teardown
// ============================================================================

func (s *Session) lookupUpload(taskID string) *upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads[taskID]
}

func (s *Session) dropUpload(taskID string) {
	s.mu.Lock()
	up := s.uploads[taskID]
	delete(s.uploads, taskID)
	s.mu.Unlock()
	if up != nil {
		up.abort()
	}
}

// close tears the session down exactly once. Running tasks keep running;
// only this session's subscriptions are removed.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()

		s.mu.Lock()
		uploads := s.uploads
		s.uploads = make(map[string]*upload)
		s.mu.Unlock()
		for _, up := range uploads {
			up.abort()
		}

		s.hub.remove(s.id)
		s.hub.deps.Scheduler.DetachSession(s.id)
		metrics.SessionClosed(s.hub.deps.Metrics, time.Since(s.openedAt))

		logger.Info("session closed",
			logger.KeySessionID, s.id,
			logger.KeyClientIP, s.clientIP,
			logger.KeyDurationMs, time.Since(s.openedAt).Milliseconds())
	})
}
