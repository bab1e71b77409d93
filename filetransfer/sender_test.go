package filetransfer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sharedcode/fabric"
)

// fastSettings shrinks every transfer interval so tests finish quickly.
func fastSettings() fabric.Settings {
	s := fabric.NewSettings()
	s.FileCreateSendRetryInterval = 20 * time.Millisecond
	s.FileCreateSendAttempt = 3
	s.FileCreateMessageInitialResponseWaitInterval = 100 * time.Millisecond
	s.FileCreateMessageResponseWaitInterval = 200 * time.Millisecond
	s.FileChunkBatchUploadInterval = 10 * time.Millisecond
	s.FileChunkRetryInterval = 10 * time.Millisecond
	s.FileChunkRetryAttempt = 3
	s.FileChunkResendWaitInterval = 50 * time.Millisecond
	s.FileChunkResendRetryAttempt = 3
	s.FileUploadCommitRetryInterval = 30 * time.Millisecond
	s.FileUploadCommitRetryAttempt = 3
	s.FileUploadResendRetryAttempt = 2
	s.SwitchUploadProtocolThreshold = 3
	s.SwitchUploadProtocolResendRetryAttempt = 2
	s.GatewayNotReachableThresholdLimit = 3
	return s
}

// mockTransport emulates the gateway side of the transfer protocol.
type mockTransport struct {
	sender *Sender

	mu sync.Mutex
	// dropChunksOnce suppresses the ack of these sequence numbers the first
	// time each is sent.
	dropChunksOnce map[int64]bool
	chunkSizes     map[int64]int
	chunkSends     map[int64]int
	maxChunkSize   int64
	muteCreate     bool
	commitStatus   fabric.ErrorCode
	commitStatuses []fabric.ErrorCode

	commits        int32
	commitAcks     int32
	deleteSessions int32
	singleFile     []*ContentMessage
	singleStatus   fabric.ErrorCode
}

func newMockTransport(maxChunkSize int64) *mockTransport {
	return &mockTransport{
		dropChunksOnce: make(map[int64]bool),
		chunkSizes:     make(map[int64]int),
		chunkSends:     make(map[int64]int),
		maxChunkSize:   maxChunkSize,
		commitStatus:   fabric.Success,
		singleStatus:   fabric.Success,
	}
}

func (m *mockTransport) SendFileCreate(ctx context.Context, msg *CreateRequest) error {
	m.mu.Lock()
	mute := m.muteCreate
	m.mu.Unlock()
	if mute {
		return nil
	}
	go m.sender.OnCreateResponse(msg.OperationID, &CreateReply{Status: fabric.Success, MaxChunkSize: m.maxChunkSize})
	return nil
}

func (m *mockTransport) SendFileContent(ctx context.Context, msg *ContentMessage) error {
	m.mu.Lock()
	if msg.UploadRequest != nil || m.isSingleFile(msg) {
		m.singleFile = append(m.singleFile, msg)
		isLast := msg.IsLast
		status := m.singleStatus
		m.mu.Unlock()
		if isLast {
			go m.sender.OnSingleFileResponse(msg.OperationID, status)
		}
		return nil
	}
	m.chunkSends[msg.SequenceNumber]++
	m.chunkSizes[msg.SequenceNumber] = msg.BufferSize
	if m.dropChunksOnce[msg.SequenceNumber] {
		delete(m.dropChunksOnce, msg.SequenceNumber)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	go m.sender.OnChunkAck(&Ack{
		OperationID:    msg.OperationID,
		SequenceNumber: msg.SequenceNumber,
		BufferSize:     msg.BufferSize,
		Status:         fabric.Success,
	})
	return nil
}

// isSingleFile marks follow-up buffers of a single-file upload (the first
// one carried the header). Caller holds the lock.
func (m *mockTransport) isSingleFile(msg *ContentMessage) bool {
	return len(m.singleFile) > 0 && m.singleFile[0].OperationID.Compare(msg.OperationID) == 0
}

func (m *mockTransport) SendFileCommit(ctx context.Context, msg *SessionMessage) error {
	atomic.AddInt32(&m.commits, 1)
	m.mu.Lock()
	status := m.commitStatus
	if len(m.commitStatuses) > 0 {
		status = m.commitStatuses[0]
		m.commitStatuses = m.commitStatuses[1:]
	}
	m.mu.Unlock()
	go m.sender.OnCommitResponse(msg.OperationID, status)
	return nil
}

func (m *mockTransport) SendFileCommitAck(ctx context.Context, msg *SessionMessage) error {
	atomic.AddInt32(&m.commitAcks, 1)
	return nil
}

func (m *mockTransport) SendFileDeleteSession(ctx context.Context, msg *SessionMessage) error {
	atomic.AddInt32(&m.deleteSessions, 1)
	return nil
}

type countingProgress struct {
	totalFiles      int64
	totalBytes      int64
	completedBytes  int64
	replicatedFiles int64
}

func (p *countingProgress) IncrementTotalFiles(n int64)             { atomic.AddInt64(&p.totalFiles, n) }
func (p *countingProgress) IncrementTotalTransferItems(n int64)     { atomic.AddInt64(&p.totalBytes, n) }
func (p *countingProgress) IncrementTransferCompletedItems(n int64) { atomic.AddInt64(&p.completedBytes, n) }
func (p *countingProgress) IncrementReplicatedFiles(n int64)        { atomic.AddInt64(&p.replicatedFiles, n) }

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

// TestChunkUploadWithOneLostChunk is the lost-chunk scenario: a 3 MB file at
// 1 MB chunks; chunk 1's first ack is lost and only the resend round
// recovers it before commit proceeds.
func TestChunkUploadWithOneLostChunk(t *testing.T) {
	const mb = 1024 * 1024
	src := writeTempFile(t, 3*mb)

	transport := newMockTransport(mb)
	transport.dropChunksOnce[1] = true
	sender := NewSender(transport, fastSettings())
	transport.sender = sender
	progress := &countingProgress{}

	err := sender.UploadFile(context.Background(), "fabric:/svc", src, "incoming/payload.bin", true, true, progress)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.chunkSends[1] < 2 {
		t.Errorf("chunk 1 sent %d times, expected a resend", transport.chunkSends[1])
	}
	for seq, size := range map[int64]int{0: mb, 1: mb, 2: mb} {
		if transport.chunkSizes[seq] != size {
			t.Errorf("chunk %d size = %d, expected %d", seq, transport.chunkSizes[seq], size)
		}
	}
	if atomic.LoadInt32(&transport.commits) < 1 || atomic.LoadInt32(&transport.commitAcks) != 1 {
		t.Errorf("commit handshake: commits=%d acks=%d", transport.commits, transport.commitAcks)
	}
	if progress.replicatedFiles != 1 || progress.totalFiles != 1 {
		t.Errorf("progress: replicated=%d totalFiles=%d", progress.replicatedFiles, progress.totalFiles)
	}
	if progress.completedBytes != 3*mb {
		t.Errorf("completed bytes = %d", progress.completedBytes)
	}
}

func TestChunkUploadLastChunkShort(t *testing.T) {
	const mb = 1024 * 1024
	src := writeTempFile(t, 2*mb+100)

	transport := newMockTransport(mb)
	sender := NewSender(transport, fastSettings())
	transport.sender = sender

	if err := sender.UploadFile(context.Background(), "fabric:/svc", src, "incoming/short.bin", true, true, nil); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.chunkSizes) != 3 {
		t.Fatalf("chunk count = %d, expected 3", len(transport.chunkSizes))
	}
	if transport.chunkSizes[2] != 100 {
		t.Errorf("last chunk size = %d, expected 100", transport.chunkSizes[2])
	}
}

// TestProtocolDowngrade verifies the fall back to single-file mode when the
// cluster never confirms a chunk session.
func TestProtocolDowngrade(t *testing.T) {
	src := writeTempFile(t, 1000)

	transport := newMockTransport(1024 * 1024)
	transport.muteCreate = true
	sender := NewSender(transport, fastSettings())
	transport.sender = sender

	err := sender.UploadFile(context.Background(), "fabric:/svc", src, "incoming/dg.bin", true, true, nil)
	if err != nil {
		t.Fatalf("upload failed after downgrade: %v", err)
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.singleFile) == 0 {
		t.Fatalf("no single-file traffic after downgrade")
	}
	if transport.singleFile[0].UploadRequest == nil {
		t.Errorf("first single-file message carries no upload header")
	}
}

// TestCommitRetryableTriggersReupload drives a retryable commit rejection
// into a full re-upload that then succeeds.
func TestCommitRetryableTriggersReupload(t *testing.T) {
	const mb = 1024 * 1024
	src := writeTempFile(t, mb)

	transport := newMockTransport(mb)
	transport.commitStatuses = []fabric.ErrorCode{fabric.GatewayUnreachable, fabric.Success}
	sender := NewSender(transport, fastSettings())
	transport.sender = sender
	progress := &countingProgress{}

	if err := sender.UploadFile(context.Background(), "fabric:/svc", src, "incoming/re.bin", true, true, progress); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if atomic.LoadInt32(&transport.commits) < 2 {
		t.Errorf("commits = %d, expected a retry round", transport.commits)
	}
	// Total files counted once despite the re-upload.
	if progress.totalFiles != 1 {
		t.Errorf("totalFiles = %d, expected 1", progress.totalFiles)
	}
}

// TestCommitFatalDeletesSession drives a non-retryable commit rejection into
// a delete-session and a surfaced error.
func TestCommitFatalDeletesSession(t *testing.T) {
	const mb = 1024 * 1024
	src := writeTempFile(t, mb)

	transport := newMockTransport(mb)
	transport.commitStatus = fabric.AccessDenied
	sender := NewSender(transport, fastSettings())
	transport.sender = sender

	err := sender.UploadFile(context.Background(), "fabric:/svc", src, "incoming/fatal.bin", true, true, nil)
	if fabric.CodeOf(err) != fabric.AccessDenied {
		t.Fatalf("error = %v, expected AccessDenied", err)
	}
	if atomic.LoadInt32(&transport.deleteSessions) == 0 {
		t.Errorf("no delete-session after fatal commit failure")
	}
}

func TestSingleFileUpload(t *testing.T) {
	src := writeTempFile(t, 500)

	transport := newMockTransport(1024 * 1024)
	sender := NewSender(transport, fastSettings())
	transport.sender = sender

	if err := sender.UploadFile(context.Background(), "fabric:/svc", src, "incoming/sf.bin", false, false, nil); err != nil {
		t.Fatalf("single-file upload failed: %v", err)
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.singleFile) != 1 {
		t.Fatalf("messages = %d, expected 1", len(transport.singleFile))
	}
	msg := transport.singleFile[0]
	if !msg.IsLast || msg.UploadRequest == nil || msg.UploadRequest.StoreRelativePath != "incoming/sf.bin" {
		t.Errorf("single-file message = %+v", msg)
	}
}
