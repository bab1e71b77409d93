package fs

import (
	"context"
	"os"

	"github.com/ncw/directio"
)

// DirectIO exposes unbuffered file operations using O_DIRECT semantics where
// supported. The file transfer receiver can select it for large chunk writes
// that should bypass the page cache. Implementations should be used with
// directio.AlignedBlock buffers and block-aligned offsets.
type DirectIO interface {
	// Open opens a file with the given name and flags using direct I/O when possible.
	Open(ctx context.Context, filename string, flag int, permission os.FileMode) (*os.File, error)
	// WriteAt writes a block at the given offset.
	WriteAt(ctx context.Context, file *os.File, block []byte, offset int64) (int, error)
	// ReadAt reads a block at the given offset.
	ReadAt(ctx context.Context, file *os.File, block []byte, offset int64) (int, error)
	// Close closes the provided file handle.
	Close(file *os.File) error
}

const (
	// BlockSize is the alignment size required by the direct I/O implementation.
	BlockSize = directio.BlockSize
)

type directIO struct{}

// NewDirectIO returns a DirectIO implementation backed by github.com/ncw/directio.
func NewDirectIO() DirectIO {
	return &directIO{}
}

// Open wraps directio.OpenFile with the package retry semantics.
func (dio directIO) Open(ctx context.Context, filename string, flag int, permission os.FileMode) (*os.File, error) {
	var f *os.File
	err := retryIO(ctx, func(context.Context) error {
		var e error
		f, e = directio.OpenFile(filename, flag, permission)
		return e
	})
	return f, err
}

// WriteAt writes a block at an aligned offset, retrying transient errors.
// The caller is responsible for providing an aligned buffer (e.g., via directio.AlignedBlock).
func (dio directIO) WriteAt(ctx context.Context, file *os.File, block []byte, offset int64) (int, error) {
	var i int
	err := retryIO(ctx, func(context.Context) error {
		var e error
		i, e = file.WriteAt(block, offset)
		return e
	})
	return i, err
}

// ReadAt reads a block at an aligned offset, retrying transient errors.
func (dio directIO) ReadAt(ctx context.Context, file *os.File, block []byte, offset int64) (int, error) {
	var i int
	err := retryIO(ctx, func(context.Context) error {
		var e error
		i, e = file.ReadAt(block, offset)
		return e
	})
	return i, err
}

func (dio directIO) Close(file *os.File) error {
	return file.Close()
}
