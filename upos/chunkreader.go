package upos

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ChunkSource produces chunks in strictly increasing index order.
// Next returns io.EOF after the last chunk.
type ChunkSource interface {
	Next() (Chunk, error)
}

// ChunkReader splits a reader into sequential fixed-size chunks.
// It is single-pass and not safe for concurrent use: every chunk is read only
// when it is requested, so the file is never buffered as a whole.
type ChunkReader struct {
	reader    io.Reader
	chunkSize int64
	index     int
	offset    int64
	// limit is the number of bytes to read in total, or -1 when unknown.
	limit int64
	done  bool
}

// NewChunkReader creates a ChunkReader that reads chunkSize bytes per chunk.
func NewChunkReader(r io.Reader, chunkSize int64) (*ChunkReader, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	return &ChunkReader{reader: r, chunkSize: chunkSize, limit: -1}, nil
}

// NewSizedChunkReader is NewChunkReader for a reader of known size. No chunk
// buffer is larger than the bytes left to read.
func NewSizedChunkReader(r io.Reader, chunkSize, size int64) (*ChunkReader, error) {
	if size < 0 {
		return nil, fmt.Errorf("size must not be negative, got %d", size)
	}
	reader, err := NewChunkReader(r, chunkSize)
	if err != nil {
		return nil, err
	}
	reader.limit = size
	return reader, nil
}

// Next reads the next chunk. The final chunk may be shorter than the chunk size.
func (r *ChunkReader) Next() (Chunk, error) {
	if r.done {
		return Chunk{}, io.EOF
	}

	bufSize := r.chunkSize
	if r.limit >= 0 {
		remaining := r.limit - r.offset
		if remaining <= 0 {
			r.done = true
			return Chunk{}, io.EOF
		}
		bufSize = min(bufSize, remaining)
	}

	data := make([]byte, bufSize)
	n, err := io.ReadFull(r.reader, data)
	switch {
	case errors.Is(err, io.EOF):
		r.done = true
		return Chunk{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		r.done = true
	case err != nil:
		r.done = true
		return Chunk{}, fmt.Errorf("%w: chunk %d at offset %d: %w", ErrIO, r.index, r.offset, err)
	}

	chunk := Chunk{
		Index:  r.index,
		Offset: r.offset,
		Data:   data[:n],
	}
	r.index++
	r.offset += int64(n)

	return chunk, nil
}

// FileChunkReader is a ChunkReader over a file on disk.
type FileChunkReader struct {
	*ChunkReader
	file *os.File
	size int64
}

// OpenFileChunkReader opens the file at path for chunked reading.
func OpenFileChunkReader(path string, chunkSize int64) (*FileChunkReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open file: %w", ErrIO, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: stat file: %w", ErrIO, err)
	}

	reader, err := NewSizedChunkReader(file, chunkSize, info.Size())
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &FileChunkReader{
		ChunkReader: reader,
		file:        file,
		size:        info.Size(),
	}, nil
}

// Size returns the size of the file when it was opened.
func (r *FileChunkReader) Size() int64 {
	return r.size
}

// Close closes the underlying file.
func (r *FileChunkReader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
