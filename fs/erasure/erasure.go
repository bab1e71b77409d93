// Package erasure implements Reed-Solomon erasure coding helpers used by the
// filesystem backend to add resiliency for committed uploads spread across
// drives.
package erasure

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"fmt"
	log "log/slog"

	"github.com/klauspost/reedsolomon"
)

// Erasure wraps a Reed-Solomon encoder for a fixed data/parity split.
type Erasure struct {
	DataShardsCount   int
	ParityShardsCount int
	encoder           reedsolomon.Encoder
}

const (
	// MetaDataSize is 1 byte (pad count) + checksum (16 bytes) = 17 bytes.
	MetaDataSize = 17
)

// NewErasure instantiates an erasure encoder.
func NewErasure(dataShards int, parityShards int) (*Erasure, error) {
	if (dataShards + parityShards) > 256 {
		return nil, fmt.Errorf("sum of data and parity shards cannot exceed 256")
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Erasure{
		DataShardsCount:   dataShards,
		ParityShardsCount: parityShards,
		encoder:           enc,
	}, nil
}

// Encode erasure encodes data into data+parity shards.
func (e *Erasure) Encode(data []byte) ([][]byte, error) {
	shards, err := e.encoder.Split(data)
	if err != nil {
		return nil, err
	}
	if err := e.encoder.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// ComputeShardMetadata returns a given shard's metadata: the pad count of the
// last shard as the first byte followed by the shard's checksum.
func (e *Erasure) ComputeShardMetadata(dataSize int, shards [][]byte, shardIndex int) []byte {
	checksum := md5.Sum(shards[shardIndex])
	r := make([]byte, 1+len(checksum))
	if dataSize%e.DataShardsCount != 0 {
		r[0] = byte(e.DataShardsCount - dataSize%e.DataShardsCount)
	}
	copy(r[1:], checksum[0:])
	return r
}

// DecodeResult is the outcome of a Decode call.
type DecodeResult struct {
	DecodedData []byte
	// ReconstructedShardsIndeces lists shards that were nil or corrupted and
	// got reconstructed, so the caller can rewrite them.
	ReconstructedShardsIndeces []int
	Error                      error
}

// Decode reverses the erasure encoding. Missing or corrupted shards are
// reconstructed when enough shards remain.
func (e *Erasure) Decode(shards [][]byte, shardsMetaData [][]byte) *DecodeResult {
	if len(shards) == 0 {
		return &DecodeResult{
			Error: fmt.Errorf("shards can't be nil or empty"),
		}
	}

	r := &DecodeResult{}
	ok, _ := e.encoder.Verify(shards)
	if !ok {
		log.Info("Verification failed, reconstructing data.")
		r = e.reconstructMissingShards(shards)
		if r.Error != nil {
			return r
		}
		ok, _ = e.encoder.Verify(shards)
		if !ok {
			dr := e.detectBadShardsThenReconstruct(shards, shardsMetaData)
			if dr.Error != nil {
				return &DecodeResult{
					Error: fmt.Errorf("final attempt to reconstruct failed, error: %v", dr.Error),
				}
			}
			r = dr
		}
	}

	var b bytes.Buffer
	w := bufio.NewWriter(&b)
	if err := e.encoder.Join(w, shards, len(shards[0])*e.DataShardsCount); err != nil {
		return &DecodeResult{
			Error: fmt.Errorf("encoder.Join failed, error: %v", err),
		}
	}
	// Truncate trailing padding from decoded data per the metadata's pad count.
	w.Flush()
	ba := make([]byte, len(b.Bytes())-int(shardsMetaData[0][0]))
	copy(ba, b.Bytes())
	r.DecodedData = ba
	return r
}

func (e *Erasure) detectBadShardsThenReconstruct(shards [][]byte, shardsMetaData [][]byte) *DecodeResult {
	corruptedShardsIndices := make([]int, 0, 2)
	for i := range shards {
		expectedChecksum := shardsMetaData[i][1:]
		gotChecksum := md5.Sum(shards[i])
		if !bytes.Equal(expectedChecksum, gotChecksum[:]) {
			corruptedShardsIndices = append(corruptedShardsIndices, i)
			shards[i] = nil
		}
	}
	if len(corruptedShardsIndices) == 0 {
		return &DecodeResult{
			Error: fmt.Errorf("shards passed checksum check, should be good"),
		}
	}
	if err := e.encoder.Reconstruct(shards); err != nil {
		return &DecodeResult{
			Error: err,
		}
	}
	ok, err := e.encoder.Verify(shards)
	if !ok {
		return &DecodeResult{
			Error: err,
		}
	}
	return &DecodeResult{
		ReconstructedShardsIndeces: corruptedShardsIndices,
	}
}

func (e *Erasure) reconstructMissingShards(shards [][]byte) *DecodeResult {
	r := DecodeResult{}
	requestReconstruction := make([]bool, len(shards))
	for i := range shards {
		if shards[i] == nil {
			r.ReconstructedShardsIndeces = append(r.ReconstructedShardsIndeces, i)
			requestReconstruction[i] = true
		}
	}
	if err := e.encoder.ReconstructSome(shards, requestReconstruction); err != nil {
		r.Error = err
	}
	return &r
}
