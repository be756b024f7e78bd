package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/maneesh/gridbox/internal/models"
)

// Splitter cuts a byte stream into fixed-size chunks, one chunk at a time.
// Only the chunk being returned is held in memory.
type Splitter struct {
	reader     io.Reader
	chunkSize  int64
	orderIndex int
	totalSize  int64
	digest     hash.Hash
	done       bool
}

// NewSplitter creates a splitter reading from r with the specified chunk size
func NewSplitter(r io.Reader, chunkSize int64) *Splitter {
	return &Splitter{
		reader:    r,
		chunkSize: chunkSize,
		digest:    sha256.New(),
	}
}

// Next returns the next chunk of the stream. The final chunk may be shorter
// than the chunk size. io.EOF is returned once the stream is exhausted.
func (s *Splitter) Next() (*models.ChunkData, error) {
	if s.done {
		return nil, io.EOF
	}

	// io.ReadFull is not used here: it folds a source's own
	// io.ErrUnexpectedEOF (a truncated upload) into a clean short read.
	buffer := make([]byte, s.chunkSize)
	n := 0
	for n < len(buffer) {
		m, err := s.reader.Read(buffer[n:])
		n += m
		if errors.Is(err, io.EOF) {
			s.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading chunk %d: %w", s.orderIndex, err)
		}
	}

	if n == 0 {
		return nil, io.EOF
	}

	chunkData := buffer[:n]
	s.digest.Write(chunkData)

	chunk := &models.ChunkData{
		Data:       chunkData,
		OrderIndex: s.orderIndex,
		Hash:       ComputeHash(chunkData),
		Size:       int64(n),
	}
	s.orderIndex++
	s.totalSize += int64(n)

	return chunk, nil
}

// TotalSize returns the number of bytes consumed so far
func (s *Splitter) TotalSize() int64 {
	return s.totalSize
}

// Count returns the number of chunks produced so far
func (s *Splitter) Count() int {
	return s.orderIndex
}

// Sum returns the hex SHA256 of every byte consumed so far
func (s *Splitter) Sum() string {
	return hex.EncodeToString(s.digest.Sum(nil))
}

// ComputeHash computes SHA256 hash of data
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChunkHash verifies that chunk data matches the expected hash
func VerifyChunkHash(data []byte, expectedHash string) bool {
	actualHash := ComputeHash(data)
	return actualHash == expectedHash
}
