package exception

import "github.com/yanun0323/errors"

var (
	ErrStoreNotAcknowledged = errors.New("store: write not acknowledged")
	ErrStoreChecksum        = errors.New("store: checksum mismatch")
	ErrStoreCorrupted       = errors.New("store: corrupted record")
	ErrFilterUnavailable    = errors.New("filter: unavailable")
	ErrBusClosed            = errors.New("bus: closed")
)
