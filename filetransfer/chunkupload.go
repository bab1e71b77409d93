package filetransfer

import (
	"context"
	"fmt"
	log "log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sharedcode/fabric"
)

// chunkRetryJitter spreads chunk retries so a backpressured transport is not
// hammered in lockstep.
const chunkRetryJitter = 500 * time.Millisecond

func chunkRetryDelay(settings fabric.Settings) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(2*chunkRetryJitter))) - chunkRetryJitter
	d := settings.FileChunkRetryInterval + jitter
	if d < 0 {
		d = 0
	}
	return d
}

// runChunkBased performs one full chunk-mode upload: create session, batched
// chunk sends, resend rounds until every ack is in, then the commit
// handshake.
func (s *Sender) runChunkBased(op *uploadOperation) error {
	reply, err := s.createSession(op)
	if err != nil {
		return err
	}
	atomic.StoreInt32(&s.consecutiveConnectFailures, 0)

	op.maxChunkSize = reply.MaxChunkSize
	if op.maxChunkSize <= 0 {
		return fabric.NewError(fabric.InvalidArgument, fmt.Errorf("gateway offered non-positive chunk size %d", op.maxChunkSize))
	}
	op.totalChunks = (op.fileSize + op.maxChunkSize - 1) / op.maxChunkSize
	if op.totalChunks == 0 {
		op.totalChunks = 1
	}

	s.sendChunks(op)
	if err := op.failed(); err != nil {
		s.deleteSession(op)
		return err
	}

	if err := s.resendUntilAcked(op); err != nil {
		s.deleteSession(op)
		return err
	}

	return s.commit(op)
}

// createSession sends the create message until the gateway answers. The
// response window stays short until some chunk upload has ever succeeded so
// that a pre-chunk cluster is detected promptly; afterwards it is extended.
func (s *Sender) createSession(op *uploadOperation) (*CreateReply, error) {
	window := s.settings.FileCreateMessageInitialResponseWaitInterval
	if s.anyChunkEverSucceeded.Load() {
		window = s.settings.FileCreateMessageResponseWaitInterval
	}
	overall := time.NewTimer(window)
	defer overall.Stop()

	req := &CreateRequest{
		OperationID:       op.id,
		ServiceName:       op.serviceName,
		StoreRelativePath: op.storeRelativePath,
		Overwrite:         op.overwrite,
		FileSize:          op.fileSize,
	}
	for attempt := 0; attempt < s.settings.FileCreateSendAttempt; attempt++ {
		if err := s.transport.SendFileCreate(op.ctx, req); err != nil {
			if !fabric.CodeOf(err).IsRetryableTransport() {
				return nil, err
			}
		}
		retry := time.NewTimer(s.settings.FileCreateSendRetryInterval)
		select {
		case reply := <-op.createCh:
			retry.Stop()
			if reply.Status == fabric.Success {
				return reply, nil
			}
			if reply.Status.IsRetryableTransport() {
				continue
			}
			return nil, fabric.NewError(reply.Status, fmt.Errorf("create session for %s rejected", op.storeRelativePath))
		case <-retry.C:
			continue
		case <-overall.C:
			retry.Stop()
			return nil, fabric.NewError(fabric.ConnectionConfirmWaitExpired, fmt.Errorf("no create session response for %s within %v", op.storeRelativePath, window))
		case <-op.ctx.Done():
			retry.Stop()
			return nil, fabric.NewError(fabric.Timeout, op.ctx.Err())
		}
	}
	return nil, fabric.NewError(fabric.ConnectionConfirmWaitExpired, fmt.Errorf("create session for %s unanswered after %d attempts", op.storeRelativePath, s.settings.FileCreateSendAttempt))
}

// sendChunks submits every chunk as an independent task. Flow control
// releases only MaxAllowedPendingFileChunkSendBeforeNextBatch sends at a
// time; a timer tops the batch window back up periodically.
func (s *Sender) sendChunks(op *uploadOperation) {
	permits := make(chan struct{}, s.settings.MaxAllowedPendingFileChunkSendBeforeNextBatch)
	for i := 0; i < cap(permits); i++ {
		permits <- struct{}{}
	}
	ticker := time.NewTicker(s.settings.FileChunkBatchUploadInterval)
	defer ticker.Stop()
	stopRefill := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				for i := 0; i < s.settings.FileChunkBatchCount; i++ {
					select {
					case permits <- struct{}{}:
					default:
					}
				}
			case <-stopRefill:
				return
			case <-op.ctx.Done():
				return
			}
		}
	}()

	runner := fabric.NewTaskRunner(op.ctx, s.settings.MaxFileChunkSenderThreads)
	for seq := int64(0); seq < op.totalChunks; seq++ {
		seq := seq
		runner.Go(func() error {
			select {
			case <-permits:
			case <-op.ctx.Done():
				return nil
			}
			s.sendChunk(op, seq)
			return nil
		})
	}
	_ = runner.Wait()
	close(stopRefill)
}

// sendChunk sends one chunk, retrying transport backpressure with jittered
// delays. An already-acked sequence number is skipped without touching the
// file.
func (s *Sender) sendChunk(op *uploadOperation, seq int64) {
	for attempt := 0; attempt <= s.settings.FileChunkRetryAttempt; attempt++ {
		if op.isAcked(seq) || op.failed() != nil || op.ctx.Err() != nil {
			return
		}
		payload, err := op.readChunk(seq)
		if err != nil {
			op.fail(fabric.NewError(fabric.OperationFailed, err))
			return
		}
		msg := &ContentMessage{
			OperationID:    op.id,
			SequenceNumber: seq,
			IsLast:         false,
			BufferSize:     len(payload),
			Payload:        payload,
		}
		err = s.transport.SendFileContent(op.ctx, msg)
		if err == nil {
			return
		}
		if !fabric.CodeOf(err).IsRetryableTransport() {
			op.fail(err)
			return
		}
		t := time.NewTimer(chunkRetryDelay(s.settings))
		select {
		case <-t.C:
		case <-op.ctx.Done():
			t.Stop()
			return
		}
	}
	log.Warn(fmt.Sprintf("chunk %d of %s still backpressured after %d attempts", seq, op.storeRelativePath, s.settings.FileChunkRetryAttempt))
}

// resendUntilAcked waits out the ack window and resends any chunk still
// missing, up to the resend round budget.
func (s *Sender) resendUntilAcked(op *uploadOperation) error {
	for round := 0; ; round++ {
		if op.ackedCount() >= op.totalChunks {
			return nil
		}
		t := time.NewTimer(s.settings.FileChunkResendWaitInterval)
		select {
		case <-t.C:
		case <-op.ctx.Done():
			t.Stop()
			if err := op.failed(); err != nil {
				return err
			}
			return fabric.NewError(fabric.Timeout, op.ctx.Err())
		}
		if err := op.failed(); err != nil {
			return err
		}
		missing := op.unacked()
		if len(missing) == 0 {
			return nil
		}
		if round >= s.settings.FileChunkResendRetryAttempt {
			return fabric.NewError(fabric.Timeout, fmt.Errorf("%d chunks of %s unacked after %d resend rounds", len(missing), op.storeRelativePath, round))
		}
		log.Debug(fmt.Sprintf("resending %d chunks of %s (round %d)", len(missing), op.storeRelativePath, round+1))
		runner := fabric.NewTaskRunner(op.ctx, s.settings.MaxFileChunkSenderThreads)
		for _, seq := range missing {
			seq := seq
			runner.Go(func() error {
				s.sendChunk(op, seq)
				return nil
			})
		}
		_ = runner.Wait()
		if err := op.failed(); err != nil {
			return err
		}
	}
}

// commit completes the handshake: commit is resent on a growing timer, a
// success is commit-acked, a retryable rejection triggers a whole-file
// re-upload, anything else deletes the session.
func (s *Sender) commit(op *uploadOperation) error {
	for attempt := 1; attempt <= s.settings.FileUploadCommitRetryAttempt; attempt++ {
		if err := s.transport.SendFileCommit(op.ctx, &SessionMessage{OperationID: op.id}); err != nil {
			if !fabric.CodeOf(err).IsRetryableTransport() {
				s.deleteSession(op)
				return err
			}
		}
		t := time.NewTimer(s.settings.FileUploadCommitRetryInterval * time.Duration(attempt))
		select {
		case status := <-op.commitCh:
			t.Stop()
			if status == fabric.Success {
				if err := s.transport.SendFileCommitAck(op.ctx, &SessionMessage{OperationID: op.id}); err != nil {
					log.Debug(fmt.Sprintf("commit-ack for %s not sent: %v", op.storeRelativePath, err))
				}
				return nil
			}
			if isRetryableCommitStatus(status) {
				return errRetryUpload
			}
			s.deleteSession(op)
			return fabric.NewError(status, fmt.Errorf("commit of %s rejected", op.storeRelativePath))
		case <-t.C:
			continue
		case <-op.ctx.Done():
			t.Stop()
			s.deleteSession(op)
			return fabric.NewError(fabric.Timeout, op.ctx.Err())
		}
	}
	s.deleteSession(op)
	return fabric.NewError(fabric.Timeout, fmt.Errorf("commit of %s unanswered after %d attempts", op.storeRelativePath, s.settings.FileUploadCommitRetryAttempt))
}

func isRetryableCommitStatus(status fabric.ErrorCode) bool {
	switch status {
	case fabric.InvalidArgument, fabric.NotFound, fabric.HostingServiceTypeNotRegistered,
		fabric.OperationCanceled, fabric.GatewayUnreachable:
		return true
	}
	return false
}

// deleteSession tells the gateway to drop the half-done session; failures
// only get logged, the session times out server side regardless. A fresh
// context is used because the operation's own context is usually cancelled
// by the time the session is abandoned.
func (s *Sender) deleteSession(op *uploadOperation) {
	ctx, cancel := context.WithTimeout(context.Background(), s.settings.FileCreateSendRetryInterval)
	defer cancel()
	if err := s.transport.SendFileDeleteSession(ctx, &SessionMessage{OperationID: op.id}); err != nil {
		log.Debug(fmt.Sprintf("delete session for %s not sent: %v", op.storeRelativePath, err))
	}
}
