package filetransfer

// Progress observes an upload's advancement. Implementations must be safe
// for concurrent use; chunk completions arrive from many goroutines.
type Progress interface {
	IncrementTotalFiles(count int64)
	IncrementTotalTransferItems(bytes int64)
	IncrementTransferCompletedItems(bytes int64)
	IncrementReplicatedFiles(count int64)
}

type nopProgress struct{}

func (nopProgress) IncrementTotalFiles(int64)             {}
func (nopProgress) IncrementTotalTransferItems(int64)     {}
func (nopProgress) IncrementTransferCompletedItems(int64) {}
func (nopProgress) IncrementReplicatedFiles(int64)        {}

// NopProgress discards all progress updates.
var NopProgress Progress = nopProgress{}
