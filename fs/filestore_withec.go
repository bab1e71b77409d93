package fs

import (
	"context"
	"fmt"
	log "log/slog"
	"path/filepath"

	"github.com/sharedcode/fabric"
	"github.com/sharedcode/fabric/fs/erasure"
)

const (
	maxThreadCount = 7
)

// FileStoreWithEC adds Erasure Coding (EC) for replication/tolerance across
// multiple drives: each stored file is split into data+parity shards, one
// shard file per base path. Missing or bit-rotted shards are reconstructed on
// fetch as long as enough shards survive.
type FileStoreWithEC struct {
	fileIO                FileIO
	erasure               *erasure.Erasure
	baseFolderPaths       []string
	repairCorruptedShards bool
}

// NewFileStoreWithEC creates an erasure-coded store. The number of base paths
// must equal dataShards+parityShards; each path should live on its own drive.
func NewFileStoreWithEC(baseFolderPaths []string, dataShards, parityShards int, repairCorruptedShards bool, fileIO FileIO) (fabric.FileStore, error) {
	ec, err := erasure.NewErasure(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	if ec.DataShardsCount+ec.ParityShardsCount != len(baseFolderPaths) {
		return nil, fmt.Errorf("baseFolderPaths array elements count should match the sum of dataShards & parityShards")
	}
	if fileIO == nil {
		fileIO = NewFileIO()
	}
	return &FileStoreWithEC{
		fileIO:                fileIO,
		erasure:               ec,
		baseFolderPaths:       baseFolderPaths,
		repairCorruptedShards: repairCorruptedShards,
	}, nil
}

func (s *FileStoreWithEC) shardPath(drive int, relativePath string) string {
	return filepath.Join(s.baseFolderPaths[drive], filepath.FromSlash(relativePath))
}

// Store encodes data and writes one shard file (metadata + shard) per drive
// concurrently. A failed shard write fails the Store; fetch-side
// reconstruction is for drive loss, not for half-written stores.
func (s *FileStoreWithEC) Store(ctx context.Context, relativePath string, data []byte) error {
	shards, err := s.erasure.Encode(data)
	if err != nil {
		return err
	}
	tr := fabric.NewTaskRunner(ctx, maxThreadCount)
	for i := range shards {
		i := i
		tr.Go(func() error {
			meta := s.erasure.ComputeShardMetadata(len(data), shards, i)
			buf := make([]byte, 0, len(meta)+len(shards[i]))
			buf = append(buf, meta...)
			buf = append(buf, shards[i]...)
			return s.fileIO.WriteFile(tr.GetContext(), s.shardPath(i, relativePath), buf, 0o644)
		})
	}
	return tr.Wait()
}

// Fetch reads the shards across drives, extracts per-shard metadata and
// decodes. If some shards are missing but enough remain (>= data shards),
// decoding still succeeds. Optionally repairs reconstructed shards in place.
func (s *FileStoreWithEC) Fetch(ctx context.Context, relativePath string) ([]byte, error) {
	shardCount := s.erasure.DataShardsCount + s.erasure.ParityShardsCount
	shards := make([][]byte, shardCount)
	metadata := make([][]byte, shardCount)

	tr := fabric.NewTaskRunner(ctx, maxThreadCount)
	for i := 0; i < shardCount; i++ {
		i := i
		tr.Go(func() error {
			ba, err := s.fileIO.ReadFile(tr.GetContext(), s.shardPath(i, relativePath))
			if err != nil || len(ba) < erasure.MetaDataSize {
				// Leave the shard nil; the decoder reconstructs it.
				log.Debug(fmt.Sprintf("shard %d of %s unreadable: %v", i, relativePath, err))
				return nil
			}
			metadata[i] = ba[:erasure.MetaDataSize]
			shards[i] = ba[erasure.MetaDataSize:]
			return nil
		})
	}
	if err := tr.Wait(); err != nil {
		return nil, err
	}

	// The decoder needs at least one metadata to know the pad count.
	var anyMeta []byte
	for i := range metadata {
		if metadata[i] != nil {
			anyMeta = metadata[i]
			break
		}
	}
	if anyMeta == nil {
		return nil, fmt.Errorf("no shard of %s is readable", relativePath)
	}
	for i := range metadata {
		if metadata[i] == nil {
			metadata[i] = anyMeta
		}
	}

	r := s.erasure.Decode(shards, metadata)
	if r.Error != nil {
		return nil, r.Error
	}
	if s.repairCorruptedShards && len(r.ReconstructedShardsIndeces) > 0 {
		s.repairShards(ctx, relativePath, len(r.DecodedData), shards, r.ReconstructedShardsIndeces)
	}
	return r.DecodedData, nil
}

// repairShards rewrites shards the decoder had to reconstruct.
func (s *FileStoreWithEC) repairShards(ctx context.Context, relativePath string, dataSize int, shards [][]byte, indices []int) {
	for _, i := range indices {
		meta := s.erasure.ComputeShardMetadata(dataSize, shards, i)
		buf := make([]byte, 0, len(meta)+len(shards[i]))
		buf = append(buf, meta...)
		buf = append(buf, shards[i]...)
		if err := s.fileIO.WriteFile(ctx, s.shardPath(i, relativePath), buf, 0o644); err != nil {
			log.Warn(fmt.Sprintf("repair of shard %d of %s failed: %v", i, relativePath, err))
		}
	}
}

// Remove deletes every shard of the entry.
func (s *FileStoreWithEC) Remove(ctx context.Context, relativePath string) error {
	var lastErr error
	for i := 0; i < s.erasure.DataShardsCount+s.erasure.ParityShardsCount; i++ {
		fp := s.shardPath(i, relativePath)
		if !s.fileIO.Exists(ctx, fp) {
			continue
		}
		if err := s.fileIO.Remove(ctx, fp); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Exists reports whether at least the data shards are present.
func (s *FileStoreWithEC) Exists(ctx context.Context, relativePath string) bool {
	found := 0
	for i := 0; i < s.erasure.DataShardsCount+s.erasure.ParityShardsCount; i++ {
		if s.fileIO.Exists(ctx, s.shardPath(i, relativePath)) {
			found++
		}
	}
	return found >= s.erasure.DataShardsCount
}
