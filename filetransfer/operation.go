package filetransfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sharedcode/fabric"
)

// uploadOperation is one upload attempt's state: the chunk ack set, the
// transient failure counters and the reply channels the sender's dispatch
// feeds. A re-upload round gets a fresh operation under the same id.
type uploadOperation struct {
	sender *Sender

	id                fabric.UUID
	serviceName       string
	sourcePath        string
	storeRelativePath string
	overwrite         bool
	fileSize          int64
	maxChunkSize      int64
	totalChunks       int64
	progress          Progress

	ctx    context.Context
	cancel context.CancelFunc

	mu                            sync.Mutex
	acked                         map[int64]bool
	failure                       error
	consecutiveGatewayUnreachable int

	createCh     chan *CreateReply
	commitCh     chan fabric.ErrorCode
	singleFileCh chan fabric.ErrorCode
}

func (s *Sender) newOperation(ctx context.Context, id fabric.UUID, serviceName, sourcePath, storeRelativePath string, overwrite bool, fileSize int64, progress Progress) *uploadOperation {
	opCtx, cancel := context.WithCancel(ctx)
	op := &uploadOperation{
		sender:            s,
		id:                id,
		serviceName:       serviceName,
		sourcePath:        sourcePath,
		storeRelativePath: storeRelativePath,
		overwrite:         overwrite,
		fileSize:          fileSize,
		progress:          progress,
		ctx:               opCtx,
		cancel:            cancel,
		acked:             make(map[int64]bool),
		createCh:          make(chan *CreateReply, 4),
		commitCh:          make(chan fabric.ErrorCode, 4),
		singleFileCh:      make(chan fabric.ErrorCode, 4),
	}
	s.mu.Lock()
	s.ops[id] = op
	s.mu.Unlock()
	return op
}

func (s *Sender) dropOperation(op *uploadOperation) {
	s.mu.Lock()
	if s.ops[op.id] == op {
		delete(s.ops, op.id)
	}
	s.mu.Unlock()
	op.cancel()
}

func (op *uploadOperation) isAcked(seq int64) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.acked[seq]
}

func (op *uploadOperation) ackedCount() int64 {
	op.mu.Lock()
	defer op.mu.Unlock()
	return int64(len(op.acked))
}

// unacked lists the sequence numbers still missing an ack.
func (op *uploadOperation) unacked() []int64 {
	op.mu.Lock()
	defer op.mu.Unlock()
	var missing []int64
	for seq := int64(0); seq < op.totalChunks; seq++ {
		if !op.acked[seq] {
			missing = append(missing, seq)
		}
	}
	return missing
}

func (op *uploadOperation) fail(err error) {
	op.mu.Lock()
	if op.failure == nil {
		op.failure = err
	}
	op.mu.Unlock()
	op.cancel()
}

func (op *uploadOperation) failed() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.failure
}

// handleAck applies the ack rules: in-flight statuses are ignored, gateway
// drops are tolerated up to the threshold, anything else non-success cancels
// all outstanding chunks and fails the upload.
func (op *uploadOperation) handleAck(ack *Ack) {
	switch ack.Status {
	case fabric.OperationsPending, fabric.TransportSendQueueFull:
		// The request is still in flight at the gateway.
		return
	case fabric.GatewayUnreachable:
		op.mu.Lock()
		op.consecutiveGatewayUnreachable++
		over := op.consecutiveGatewayUnreachable > op.sender.settings.GatewayNotReachableThresholdLimit
		op.mu.Unlock()
		if over {
			op.fail(fabric.NewError(fabric.GatewayUnreachable, fmt.Errorf("gateway unreachable beyond threshold")))
		}
		return
	case fabric.Success:
		op.mu.Lock()
		first := !op.acked[ack.SequenceNumber]
		op.acked[ack.SequenceNumber] = true
		op.consecutiveGatewayUnreachable = 0
		op.mu.Unlock()
		if first {
			op.progress.IncrementTransferCompletedItems(int64(ack.BufferSize))
		}
		op.sender.anyChunkEverSucceeded.Store(true)
		return
	default:
		op.fail(fabric.NewError(ack.Status, fmt.Errorf("chunk %d rejected", ack.SequenceNumber)))
	}
}

// readChunk reads the chunk's bytes from the source file. Each read opens the
// file read-only so chunk tasks never share a file position.
func (op *uploadOperation) readChunk(seq int64) ([]byte, error) {
	f, err := os.Open(op.sourcePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	offset := seq * op.maxChunkSize
	size := op.maxChunkSize
	if offset+size > op.fileSize {
		size = op.fileSize - offset
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}
