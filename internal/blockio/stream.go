package blockio

import (
	"bytes"
	"io"
)

// DefaultBlockSize is the buffering threshold for Writer.
const DefaultBlockSize = 256 * 1024

// Writer accumulates bytes and flushes them to the underlying writer as
// framed blocks. The output is a plain concatenation of blocks and can
// be decoded with Reader or ReadAll.
type Writer struct {
	w         io.Writer
	typ       Type
	blockSize int
	buffer    bytes.Buffer
	written   int64
}

// NewWriter returns a Writer emitting blocks of roughly blockSize
// uncompressed bytes. blockSize <= 0 selects DefaultBlockSize.
func NewWriter(w io.Writer, t Type, blockSize int) *Writer {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Writer{w: w, typ: t, blockSize: blockSize}
}

func (bw *Writer) Write(p []byte) (int, error) {
	bw.buffer.Write(p)
	for bw.buffer.Len() >= bw.blockSize {
		if err := bw.flushBlock(bw.blockSize); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (bw *Writer) flushBlock(n int) error {
	block, err := Compress(bw.buffer.Next(n), bw.typ)
	if err != nil {
		return err
	}
	written, err := bw.w.Write(block)
	bw.written += int64(written)
	return err
}

// Flush writes any buffered bytes as a final, possibly short, block.
func (bw *Writer) Flush() error {
	if bw.buffer.Len() == 0 {
		return nil
	}
	return bw.flushBlock(bw.buffer.Len())
}

// BytesWritten reports the compressed output size so far, headers
// included.
func (bw *Writer) BytesWritten() int64 { return bw.written }

// Reader decodes a concatenation of framed blocks from memory.
type Reader struct {
	data   []byte
	offset int
	typ    Type
}

// NewReader returns a Reader over data produced by Writer.
func NewReader(data []byte, t Type) *Reader {
	return &Reader{data: data, typ: t}
}

// Next returns the next decoded block, or io.EOF after the last one.
func (br *Reader) Next() ([]byte, error) {
	if br.offset >= len(br.data) {
		return nil, io.EOF
	}
	rest := br.data[br.offset:]
	n, err := BlockLen(rest)
	if err != nil {
		return nil, err
	}
	if n > len(rest) {
		return nil, ErrTruncated
	}
	block, err := Decompress(rest[:n], br.typ)
	if err != nil {
		return nil, err
	}
	br.offset += n
	return block, nil
}

// ReadAll decodes every block in data and returns the concatenated
// payload.
func ReadAll(data []byte, t Type) ([]byte, error) {
	r := NewReader(data, t)
	var out bytes.Buffer
	for {
		block, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out.Write(block)
	}
	return out.Bytes(), nil
}
