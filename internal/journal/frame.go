package journal

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"time"

	"tradecore/internal/store"
	"tradecore/pkg/exception"

	"github.com/yanun0323/errors"
)

const (
	frameVersion      uint16 = 1
	frameHeaderSize          = 36
	frameChecksumSize        = 4
	maxFieldLen              = int(^uint16(0))
	maxPayloadLen            = uint64(^uint32(0))
)

var (
	frameMagic = [4]byte{'T', 'R', 'J', '1'}
	crcTable   = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic         = errors.New("journal: invalid magic")
	ErrUnsupportedVersion   = errors.New("journal: unsupported frame version")
	ErrInvalidHeaderSize    = errors.New("journal: invalid header size")
	ErrFieldTooLarge        = errors.New("journal: field too large")
	ErrPayloadTooLarge      = errors.New("journal: payload too large")
	ErrSegmentAlreadyClosed = errors.New("journal: closed")
)

// header layout, little endian:
//
//	[0:4]   magic
//	[4:6]   version
//	[6:8]   header size
//	[8:10]  kind
//	[10:12] flags
//	[12:20] seq
//	[20:28] at, unix nanos
//	[28:30] symbol length
//	[30:32] key length
//	[32:36] payload length
type frameHeader struct {
	kind       store.Kind
	seq        uint64
	at         int64
	symbolLen  uint16
	keyLen     uint16
	payloadLen uint32
}

func (h frameHeader) bodyLen() int {
	return int(h.symbolLen) + int(h.keyLen) + int(h.payloadLen)
}

func encodeFrame(dst *bytes.Buffer, r store.Record) error {
	if len(r.Symbol) > maxFieldLen || len(r.Key) > maxFieldLen {
		return ErrFieldTooLarge
	}
	if uint64(len(r.Payload)) > maxPayloadLen {
		return ErrPayloadTooLarge
	}

	var header [frameHeaderSize]byte
	copy(header[0:4], frameMagic[:])
	binary.LittleEndian.PutUint16(header[4:6], frameVersion)
	binary.LittleEndian.PutUint16(header[6:8], frameHeaderSize)
	binary.LittleEndian.PutUint16(header[8:10], uint16(r.Kind))
	binary.LittleEndian.PutUint16(header[10:12], 0)
	binary.LittleEndian.PutUint64(header[12:20], r.Seq)
	binary.LittleEndian.PutUint64(header[20:28], uint64(r.At.UnixNano()))
	binary.LittleEndian.PutUint16(header[28:30], uint16(len(r.Symbol)))
	binary.LittleEndian.PutUint16(header[30:32], uint16(len(r.Key)))
	binary.LittleEndian.PutUint32(header[32:36], uint32(len(r.Payload)))

	start := dst.Len()
	dst.Write(header[:])
	dst.WriteString(r.Symbol)
	dst.WriteString(r.Key)
	dst.Write(r.Payload)

	var sum [frameChecksumSize]byte
	binary.LittleEndian.PutUint32(sum[:], crc32.Checksum(dst.Bytes()[start:], crcTable))
	dst.Write(sum[:])
	return nil
}

func decodeFrameHeader(src []byte) (frameHeader, error) {
	if len(src) < frameHeaderSize {
		return frameHeader{}, ErrInvalidHeaderSize
	}
	if !bytes.Equal(src[0:4], frameMagic[:]) {
		return frameHeader{}, ErrInvalidMagic
	}
	if ver := binary.LittleEndian.Uint16(src[4:6]); ver != frameVersion {
		return frameHeader{}, ErrUnsupportedVersion
	}
	if size := binary.LittleEndian.Uint16(src[6:8]); size != frameHeaderSize {
		return frameHeader{}, ErrInvalidHeaderSize
	}
	return frameHeader{
		kind:       store.Kind(binary.LittleEndian.Uint16(src[8:10])),
		seq:        binary.LittleEndian.Uint64(src[12:20]),
		at:         int64(binary.LittleEndian.Uint64(src[20:28])),
		symbolLen:  binary.LittleEndian.Uint16(src[28:30]),
		keyLen:     binary.LittleEndian.Uint16(src[30:32]),
		payloadLen: binary.LittleEndian.Uint32(src[32:36]),
	}, nil
}

func decodeFrameBody(h frameHeader, header, body, sum []byte) (store.Record, error) {
	crc := crc32.Update(0, crcTable, header)
	crc = crc32.Update(crc, crcTable, body)
	if crc != binary.LittleEndian.Uint32(sum) {
		return store.Record{}, errors.Wrapf(exception.ErrStoreChecksum, "seq %d", h.seq)
	}
	symbolEnd := int(h.symbolLen)
	keyEnd := symbolEnd + int(h.keyLen)
	payload := make([]byte, len(body)-keyEnd)
	copy(payload, body[keyEnd:])
	return store.Record{
		Seq:     h.seq,
		Kind:    h.kind,
		Symbol:  string(body[:symbolEnd]),
		Key:     string(body[symbolEnd:keyEnd]),
		At:      time.Unix(0, h.at).UTC(),
		Payload: payload,
	}, nil
}
