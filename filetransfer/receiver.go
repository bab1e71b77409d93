package filetransfer

import (
	"context"
	"fmt"
	log "log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sharedcode/fabric"
	"github.com/sharedcode/fabric/fs"
)

// Receiver assembles sequence-ordered content messages into files. Each
// operation writes into an exclusively-created temp file next to the
// destination and finishes with a transacted rename, so the destination
// exists iff the transfer completed. Completed files can additionally be
// archived into a FileStore (folder, erasure-coded drives, or S3).
type Receiver struct {
	fileIO  fs.FileIO
	archive fabric.FileStore
	acks    AckSink

	// directIO, when set, writes chunk payloads via positional direct I/O
	// instead of the buffered file writer. Callers picking the O_DIRECT
	// implementation are responsible for aligned chunk sizes.
	directIO fs.DirectIO

	mu     sync.Mutex
	ops    map[fabric.UUID]*receiveOperation
	opened bool

	tempSeq int64
}

type receiveOperation struct {
	id              fabric.UUID
	destinationPath string
	tempPath        string
	file            *os.File
	expected        int64
	offset          int64

	queue chan *ContentMessage
	done  chan struct{}
	err   error
}

// NewReceiver creates a receiver writing through fileIO. archive may be nil.
func NewReceiver(fileIO fs.FileIO, archive fabric.FileStore, acks AckSink) *Receiver {
	if fileIO == nil {
		fileIO = fs.NewFileIO()
	}
	return &Receiver{
		fileIO:  fileIO,
		archive: archive,
		acks:    acks,
		ops:     make(map[fabric.UUID]*receiveOperation),
	}
}

// SetDirectIO selects direct positional writes for chunk payloads. Must be
// called before Open.
func (r *Receiver) SetDirectIO(dio fs.DirectIO) {
	r.directIO = dio
}

// Open starts accepting content messages. Messages received while the
// receiver is not open are dropped.
func (r *Receiver) Open() {
	r.mu.Lock()
	r.opened = true
	r.mu.Unlock()
}

// Close stops accepting and abandons every in-flight operation.
func (r *Receiver) Close() {
	r.mu.Lock()
	r.opened = false
	ops := make([]*receiveOperation, 0, len(r.ops))
	for _, op := range r.ops {
		ops = append(ops, op)
	}
	r.ops = make(map[fabric.UUID]*receiveOperation)
	r.mu.Unlock()

	for _, op := range ops {
		close(op.queue)
	}
}

// ReceiveFile registers the operation and blocks until its last chunk is
// written and the destination renamed into place, or ctx expires. The temp
// file is deleted on every failure path.
func (r *Receiver) ReceiveFile(ctx context.Context, operationID fabric.UUID, destinationPath string) error {
	seq := atomic.AddInt64(&r.tempSeq, 1)
	tempPath := destinationPath + "." + strconv.FormatInt(seq, 10)

	if err := r.fileIO.MkdirAll(ctx, filepath.Dir(destinationPath), 0o755); err != nil {
		return fabric.NewError(fabric.OperationFailed, err)
	}
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fabric.NewError(fabric.OperationFailed, err)
	}

	op := &receiveOperation{
		id:              operationID,
		destinationPath: destinationPath,
		tempPath:        tempPath,
		file:            f,
		queue:           make(chan *ContentMessage, 256),
		done:            make(chan struct{}),
	}

	r.mu.Lock()
	if !r.opened || r.ops[operationID] != nil {
		r.mu.Unlock()
		f.Close()
		r.fileIO.Remove(ctx, tempPath)
		return fabric.NewError(fabric.InvalidArgument, fmt.Errorf("receive operation %v can't start", operationID))
	}
	r.ops[operationID] = op
	r.mu.Unlock()

	go r.runWorker(op)

	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		r.abandon(op)
		return fabric.NewError(fabric.Timeout, ctx.Err())
	}
}

// OnFileContent routes a content message to its operation's worker queue.
// Unknown operation ids are answered with operation-failed.
func (r *Receiver) OnFileContent(ctx context.Context, msg *ContentMessage) {
	r.mu.Lock()
	if !r.opened {
		r.mu.Unlock()
		return
	}
	op, ok := r.ops[msg.OperationID]
	r.mu.Unlock()
	if !ok {
		r.reply(ctx, msg, fabric.OperationFailed)
		return
	}
	select {
	case op.queue <- msg:
	default:
		// Queue overflow: the sender will resend after the ack window.
		r.reply(ctx, msg, fabric.OperationsPending)
	}
}

// runWorker is the single-threaded writer preserving chunk order for one
// operation.
func (r *Receiver) runWorker(op *receiveOperation) {
	ctx := context.Background()
	for msg := range op.queue {
		if msg.SequenceNumber != op.expected {
			r.reply(ctx, msg, fabric.OperationFailed)
			continue
		}
		if err := r.writeChunk(ctx, op, msg.Payload); err != nil {
			r.reply(ctx, msg, fabric.OperationFailed)
			r.finish(op, fabric.NewError(fabric.OperationFailed, err))
			return
		}
		op.expected++
		op.offset += int64(len(msg.Payload))
		if !msg.IsLast {
			r.reply(ctx, msg, fabric.Success)
			continue
		}
		if err := r.commitReceivedFile(ctx, op); err != nil {
			r.reply(ctx, msg, fabric.OperationFailed)
			r.finish(op, err)
			return
		}
		r.reply(ctx, msg, fabric.Success)
		r.finish(op, nil)
		return
	}
	// Queue closed: receiver shut down mid-transfer.
	r.finish(op, fabric.NewError(fabric.OperationCanceled, fmt.Errorf("receiver closed")))
}

// writeChunk appends the payload through the configured write path.
func (r *Receiver) writeChunk(ctx context.Context, op *receiveOperation, payload []byte) error {
	if r.directIO != nil {
		_, err := r.directIO.WriteAt(ctx, op.file, payload, op.offset)
		return err
	}
	_, err := op.file.Write(payload)
	return err
}

// commitReceivedFile closes the temp file and renames it onto the
// destination; the rename is the transaction making the file visible.
func (r *Receiver) commitReceivedFile(ctx context.Context, op *receiveOperation) error {
	if err := op.file.Sync(); err != nil {
		return fabric.NewError(fabric.OperationFailed, err)
	}
	if err := op.file.Close(); err != nil {
		return fabric.NewError(fabric.OperationFailed, err)
	}
	op.file = nil
	if err := r.fileIO.Rename(ctx, op.tempPath, op.destinationPath); err != nil {
		return fabric.NewError(fabric.OperationFailed, err)
	}
	if r.archive != nil {
		// Best effort: the canonical copy is the renamed destination.
		if data, err := r.fileIO.ReadFile(ctx, op.destinationPath); err == nil {
			if err := r.archive.Store(ctx, filepath.Base(op.destinationPath), data); err != nil {
				log.Warn(fmt.Sprintf("archiving %s failed: %v", op.destinationPath, err))
			}
		}
	}
	return nil
}

// finish completes the operation and cleans the temp file up unless the
// rename already consumed it.
func (r *Receiver) finish(op *receiveOperation, err error) {
	r.mu.Lock()
	if r.ops[op.id] == op {
		delete(r.ops, op.id)
	}
	r.mu.Unlock()

	if op.file != nil {
		op.file.Close()
		op.file = nil
	}
	if err != nil && r.fileIO.Exists(context.Background(), op.tempPath) {
		r.fileIO.Remove(context.Background(), op.tempPath)
	}
	op.err = err
	close(op.done)
}

// abandon cancels a waiting ReceiveFile call's operation.
func (r *Receiver) abandon(op *receiveOperation) {
	r.mu.Lock()
	if r.ops[op.id] == op {
		delete(r.ops, op.id)
		close(op.queue)
	}
	r.mu.Unlock()
}

func (r *Receiver) reply(ctx context.Context, msg *ContentMessage, status fabric.ErrorCode) {
	if r.acks == nil {
		return
	}
	ack := &Ack{
		OperationID:    msg.OperationID,
		SequenceNumber: msg.SequenceNumber,
		BufferSize:     msg.BufferSize,
		Status:         status,
	}
	if err := r.acks.SendFileContentAck(ctx, ack); err != nil {
		log.Debug(fmt.Sprintf("ack for %v/%d not sent: %v", msg.OperationID, msg.SequenceNumber, err))
	}
}
