package journal

import (
	"time"

	"tradecore/pkg/exception"

	"github.com/yanun0323/errors"
)

const (
	defaultSegmentMaxBytes int64 = 64 << 20
	defaultBufferSize            = 64 * 1024
	defaultFilePrefix            = "journal"
)

var defaultSegmentMaxDuration = 24 * time.Hour

// Config controls the journal.
type Config struct {
	Dir                string
	SegmentMaxBytes    int64
	SegmentMaxDuration time.Duration
	BufferSize         int
	FilePrefix         string
	// NoSync skips fsync on append. Only tests set it.
	NoSync bool
}

// DefaultConfig returns a baseline configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                dir,
		SegmentMaxBytes:    defaultSegmentMaxBytes,
		SegmentMaxDuration: defaultSegmentMaxDuration,
		BufferSize:         defaultBufferSize,
		FilePrefix:         defaultFilePrefix,
	}
}

func (c Config) withDefaults() Config {
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.Wrap(exception.ErrInvalidArgument, "journal config: Dir is empty")
	}
	if c.SegmentMaxBytes <= 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "journal config: SegmentMaxBytes must be > 0")
	}
	if c.BufferSize <= 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "journal config: BufferSize must be > 0")
	}
	if c.SegmentMaxDuration < 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "journal config: SegmentMaxDuration must be >= 0")
	}
	return nil
}
