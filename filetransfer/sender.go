package filetransfer

import (
	"context"
	"fmt"
	log "log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharedcode/fabric"
)

// errRetryUpload signals that the whole file should be uploaded again (a
// retryable commit failure).
var errRetryUpload = fabric.NewError(fabric.OperationCanceled, fmt.Errorf("re-upload required"))

// Sender drives uploads to the cluster's image store. It supports two
// protocol modes: chunk-based (default when the cluster supports it) and the
// older single-file stream. Persistent failure to establish a chunk session
// downgrades the operation - and eventually the whole sender - to
// single-file mode.
type Sender struct {
	transport Transport
	settings  fabric.Settings

	mu  sync.Mutex
	ops map[fabric.UUID]*uploadOperation

	// consecutiveConnectFailures counts create-session timeouts across
	// operations; over the threshold every subsequent operation goes
	// single-file.
	consecutiveConnectFailures int32
	useSingleFileAlways        atomic.Bool
	anyChunkEverSucceeded      atomic.Bool
}

// NewSender creates a file transfer sender over the given transport.
func NewSender(transport Transport, settings fabric.Settings) *Sender {
	return &Sender{
		transport: transport,
		settings:  settings,
		ops:       make(map[fabric.UUID]*uploadOperation),
	}
}

// OnCreateResponse dispatches a create-session reply to its operation.
func (s *Sender) OnCreateResponse(operationID fabric.UUID, reply *CreateReply) {
	if op := s.lookup(operationID); op != nil {
		select {
		case op.createCh <- reply:
		default:
		}
	}
}

// OnChunkAck dispatches a chunk ack to its operation.
func (s *Sender) OnChunkAck(ack *Ack) {
	if op := s.lookup(ack.OperationID); op != nil {
		op.handleAck(ack)
	}
}

// OnCommitResponse dispatches a commit reply to its operation.
func (s *Sender) OnCommitResponse(operationID fabric.UUID, status fabric.ErrorCode) {
	if op := s.lookup(operationID); op != nil {
		select {
		case op.commitCh <- status:
		default:
		}
	}
}

// OnSingleFileResponse dispatches the whole-upload reply of a single-file
// transfer to its operation.
func (s *Sender) OnSingleFileResponse(operationID fabric.UUID, status fabric.ErrorCode) {
	if op := s.lookup(operationID); op != nil {
		select {
		case op.singleFileCh <- status:
		default:
		}
	}
}

func (s *Sender) lookup(operationID fabric.UUID) *uploadOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[operationID]
}

// UploadFile transfers sourcePath to storeRelativePath under serviceName's
// image store. The call blocks until the upload commits, downgrades and
// retries internally per the sender's policy, and fails only after every
// budget is exhausted or ctx expires.
func (s *Sender) UploadFile(ctx context.Context, serviceName, sourcePath, storeRelativePath string, overwrite, useChunkBased bool, progress Progress) error {
	if progress == nil {
		progress = NopProgress
	}
	fi, err := os.Stat(sourcePath)
	if err != nil {
		return fabric.NewError(fabric.InvalidArgument, err)
	}
	fileSize := fi.Size()

	progress.IncrementTotalFiles(1)
	progress.IncrementTotalTransferItems(fileSize)

	operationID := fabric.NewUUID()
	useChunk := useChunkBased && !s.useSingleFileAlways.Load()

	protocolFailures := 0
	resendAttempts := 0
	for {
		op := s.newOperation(ctx, operationID, serviceName, sourcePath, storeRelativePath, overwrite, fileSize, progress)
		var err error
		if useChunk {
			err = s.runChunkBased(op)
		} else {
			err = s.runSingleFile(op)
		}
		s.dropOperation(op)

		if err == nil {
			progress.IncrementReplicatedFiles(1)
			return nil
		}
		if err == errRetryUpload {
			// Retryable commit failure: upload the whole file again. Total
			// files must not be double-counted on resend rounds.
			resendAttempts++
			if resendAttempts > s.settings.FileUploadResendRetryAttempt {
				return fabric.NewError(fabric.SendFailed, fmt.Errorf("upload of %s failed after %d resend rounds", sourcePath, resendAttempts-1))
			}
			log.Debug(fmt.Sprintf("re-uploading %s (round %d)", sourcePath, resendAttempts))
			continue
		}
		if useChunk && fabric.CodeOf(err) == fabric.ConnectionConfirmWaitExpired {
			connectFailures := atomic.AddInt32(&s.consecutiveConnectFailures, 1)
			if int(connectFailures) >= s.settings.SwitchUploadProtocolThreshold {
				// The cluster never confirms chunk sessions; stop trying for
				// every future operation too.
				s.useSingleFileAlways.Store(true)
				useChunk = false
			}
			protocolFailures++
			if protocolFailures >= s.settings.SwitchUploadProtocolResendRetryAttempt && !s.anyChunkEverSucceeded.Load() {
				log.Warn(fmt.Sprintf("downgrading upload of %s to single-file after %d chunk session failures", sourcePath, protocolFailures))
				useChunk = false
				continue
			}
			continue
		}
		return err
	}
}

// runSingleFile streams the file as sequence-numbered buffers under the
// message content threshold; the first buffer carries the upload request
// header and the gateway answers once for the whole upload.
func (s *Sender) runSingleFile(op *uploadOperation) error {
	f, err := os.Open(op.sourcePath)
	if err != nil {
		return fabric.NewError(fabric.InvalidArgument, err)
	}
	defer f.Close()

	threshold := int64(s.settings.MessageContentThreshold())
	var seq int64
	for offset := int64(0); offset < op.fileSize || seq == 0; offset += threshold {
		size := threshold
		if offset+size > op.fileSize {
			size = op.fileSize - offset
		}
		buf := make([]byte, size)
		if size > 0 {
			if _, err := f.ReadAt(buf, offset); err != nil {
				return fabric.NewError(fabric.OperationFailed, err)
			}
		}
		msg := &ContentMessage{
			OperationID:    op.id,
			SequenceNumber: seq,
			IsLast:         offset+size >= op.fileSize,
			BufferSize:     len(buf),
			Payload:        buf,
		}
		if seq == 0 {
			msg.UploadRequest = &UploadRequestHeader{
				ServiceName:       op.serviceName,
				StoreRelativePath: op.storeRelativePath,
				Overwrite:         op.overwrite,
			}
		}
		if err := s.sendWithRetry(op, msg); err != nil {
			return err
		}
		seq++
	}

	select {
	case status := <-op.singleFileCh:
		if status != fabric.Success {
			return fabric.NewError(status, fmt.Errorf("single-file upload of %s rejected", op.sourcePath))
		}
		op.progress.IncrementTransferCompletedItems(op.fileSize)
		return nil
	case <-op.ctx.Done():
		if err := op.failed(); err != nil {
			return err
		}
		return fabric.NewError(fabric.Timeout, op.ctx.Err())
	}
}

// sendWithRetry retries transient transport backpressure with the chunk
// retry budget. The original implementation slept on the sending thread
// here; a timer keeps the scheduler free without changing observable
// behavior.
func (s *Sender) sendWithRetry(op *uploadOperation, msg *ContentMessage) error {
	var lastErr error
	for attempt := 0; attempt <= s.settings.FileChunkRetryAttempt; attempt++ {
		err := s.transport.SendFileContent(op.ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if !fabric.CodeOf(err).IsRetryableTransport() {
			return err
		}
		t := time.NewTimer(chunkRetryDelay(s.settings))
		select {
		case <-t.C:
		case <-op.ctx.Done():
			t.Stop()
			return fabric.NewError(fabric.Timeout, op.ctx.Err())
		}
	}
	return lastErr
}
