package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/murmur-labs/scribed/pkg/blob"
)

var (
	errDuplicateChunk = errors.New("duplicate chunk")
	errChunkHash      = errors.New("chunk hash mismatch")
)

// upload tracks one in-flight artifact transfer for a task.
type upload struct {
	taskID   string
	fileHash string
	fileSize int64
	mode     string

	// Chunked mode layout.
	chunkSize   int64
	totalChunks int
	received    map[int]struct{}

	writer *blob.Upload
}

func newUpload(taskID string, req UploadRequestData) *upload {
	u := &upload{
		taskID:   taskID,
		fileHash: req.FileHash,
		fileSize: req.FileSize,
		mode:     req.UploadMode,
	}
	if u.mode == UploadModeChunked {
		u.chunkSize = req.ChunkSize
		u.totalChunks = req.TotalChunks
		u.received = make(map[int]struct{}, req.TotalChunks)
	}
	return u
}

// begin lazily opens the blob writer on the first payload.
func (u *upload) begin(store *blob.Store) error {
	if u.writer != nil {
		return nil
	}
	w, err := store.BeginUpload(u.fileHash, u.fileSize)
	if err != nil {
		return err
	}
	u.writer = w
	return nil
}

// putSingle decodes and writes a whole-file payload, then finalizes.
// Returns the number of payload bytes received.
func (u *upload) putSingle(store *blob.Store, encoded string) (int, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return 0, fmt.Errorf("decode file data: %w", err)
	}
	if int64(len(data)) != u.fileSize {
		return len(data), fmt.Errorf("%w: declared %d bytes, received %d",
			blob.ErrSizeMismatch, u.fileSize, len(data))
	}
	if err := u.begin(store); err != nil {
		return len(data), err
	}
	if _, err := u.writer.Write(data); err != nil {
		return len(data), err
	}
	if _, err := u.writer.Finalize(); err != nil {
		return len(data), err
	}
	return len(data), nil
}

// putChunk validates and writes one chunk at chunk_index × chunk_size.
// A duplicate index reports errDuplicateChunk without touching the file.
// complete turns true once every chunk has arrived and the file finalized.
func (u *upload) putChunk(store *blob.Store, msg UploadChunkData) (n int, complete bool, err error) {
	if u.mode != UploadModeChunked {
		return 0, false, fmt.Errorf("task %s is not a chunked upload", u.taskID)
	}
	if msg.ChunkIndex < 0 || msg.ChunkIndex >= u.totalChunks {
		return 0, false, fmt.Errorf("chunk index %d out of range (total %d)", msg.ChunkIndex, u.totalChunks)
	}
	if _, dup := u.received[msg.ChunkIndex]; dup {
		return 0, false, errDuplicateChunk
	}

	data, err := base64.StdEncoding.DecodeString(msg.ChunkData)
	if err != nil {
		return 0, false, fmt.Errorf("decode chunk %d: %w", msg.ChunkIndex, err)
	}
	if msg.ChunkHash != "" && !strings.EqualFold(blob.HashBytes(data), msg.ChunkHash) {
		return len(data), false, errChunkHash
	}

	if err := u.begin(store); err != nil {
		return len(data), false, err
	}
	offset := int64(msg.ChunkIndex) * u.chunkSize
	if err := u.writer.WriteChunk(offset, data); err != nil {
		return len(data), false, err
	}
	u.received[msg.ChunkIndex] = struct{}{}

	if len(u.received) < u.totalChunks {
		return len(data), false, nil
	}
	if _, err := u.writer.Finalize(); err != nil {
		return len(data), false, err
	}
	return len(data), true, nil
}

// receivedCount returns how many distinct chunks have arrived.
func (u *upload) receivedCount() int {
	return len(u.received)
}

// abort discards the partial artifact.
func (u *upload) abort() {
	if u.writer != nil {
		u.writer.Abort()
	}
}
