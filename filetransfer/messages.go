// Package filetransfer implements the chunked upload engine and the
// receiving side of the cluster file transfer protocol: flow-controlled
// batched sends, per-chunk retry with jittered backoff, protocol downgrade on
// persistent failure, a commit handshake, and a receiver assembling ordered
// chunks into a file finished by a transacted rename.
package filetransfer

import (
	"context"

	"github.com/sharedcode/fabric"
)

// UploadRequestHeader rides the first message of a single-file upload.
type UploadRequestHeader struct {
	ServiceName       string
	StoreRelativePath string
	Overwrite         bool
}

// CreateRequest opens a chunk-based upload session at the gateway.
type CreateRequest struct {
	OperationID       fabric.UUID
	ServiceName       string
	StoreRelativePath string
	Overwrite         bool
	FileSize          int64
}

// CreateReply acknowledges a session; MaxChunkSize is authoritative.
type CreateReply struct {
	Status       fabric.ErrorCode
	MaxChunkSize int64
}

// ContentMessage carries one chunk (or one single-file buffer).
type ContentMessage struct {
	OperationID    fabric.UUID
	SequenceNumber int64
	IsLast         bool
	BufferSize     int
	Payload        []byte
	// UploadRequest is only set on the first message of a single-file upload.
	UploadRequest *UploadRequestHeader
}

// Ack answers one content message.
type Ack struct {
	OperationID    fabric.UUID
	SequenceNumber int64
	BufferSize     int
	Status         fabric.ErrorCode
}

// SessionMessage addresses a whole upload session (commit, commit-ack,
// delete-session).
type SessionMessage struct {
	OperationID fabric.UUID
}

// Transport is the sender's view of the cluster transport. Sends are
// fire-and-forget; replies arrive through the sender's On* methods.
// Backpressure surfaces as transport-send-queue-full / not-ready errors,
// which the sender treats as retryable.
type Transport interface {
	SendFileCreate(ctx context.Context, msg *CreateRequest) error
	SendFileContent(ctx context.Context, msg *ContentMessage) error
	SendFileCommit(ctx context.Context, msg *SessionMessage) error
	SendFileCommitAck(ctx context.Context, msg *SessionMessage) error
	SendFileDeleteSession(ctx context.Context, msg *SessionMessage) error
}

// AckSink is the receiver's reply channel back to senders.
type AckSink interface {
	SendFileContentAck(ctx context.Context, ack *Ack) error
}
