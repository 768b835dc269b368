package journal

import (
	"bufio"
	"io"

	"tradecore/internal/store"
)

// Reader decodes journal frames sequentially.
type Reader struct {
	r         *bufio.Reader
	headerBuf []byte
	body      []byte
	offset    int64
}

// NewReader wraps an io.Reader with frame decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:         bufio.NewReader(r),
		headerBuf: make([]byte, frameHeaderSize),
	}
}

// Next returns the next record. It returns io.EOF at a clean end and
// io.ErrUnexpectedEOF when the segment ends inside a frame, which is what a
// crash during append leaves behind.
func (r *Reader) Next() (store.Record, error) {
	n, err := io.ReadFull(r.r, r.headerBuf)
	if err != nil {
		if err == io.EOF && n == 0 {
			return store.Record{}, io.EOF
		}
		return store.Record{}, io.ErrUnexpectedEOF
	}

	h, err := decodeFrameHeader(r.headerBuf)
	if err != nil {
		return store.Record{}, err
	}

	size := h.bodyLen() + frameChecksumSize
	if cap(r.body) < size {
		r.body = make([]byte, size)
	}
	r.body = r.body[:size]
	if _, err := io.ReadFull(r.r, r.body); err != nil {
		return store.Record{}, io.ErrUnexpectedEOF
	}

	bodyLen := h.bodyLen()
	rec, err := decodeFrameBody(h, r.headerBuf, r.body[:bodyLen], r.body[bodyLen:])
	if err != nil {
		return store.Record{}, err
	}
	r.offset += int64(frameHeaderSize + size)
	return rec, nil
}

// Offset returns the number of bytes of complete, verified frames read.
func (r *Reader) Offset() int64 {
	return r.offset
}
