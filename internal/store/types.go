package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"apek/pkg/logx"
)

var (
	ErrClosed     = errors.New("store: closed")
	ErrRecordSize = errors.New("store: record exceeds its fixed size")
)

// RecordID names a record, in the spirit of an indexed short file.
type RecordID uint8

const (
	RecordFaultStatus RecordID = 0x05
	RecordCalibration RecordID = 0x20
	RecordTempModel   RecordID = 0x21
	RecordReport      RecordID = 0xFF
)

// DefaultMaxSize applies to records without an entry in Sizes.
const DefaultMaxSize = 64

// Sizes holds the fixed allocation of the known records.
var Sizes = map[RecordID]int{
	RecordFaultStatus: 24,
	RecordCalibration: 16,
	RecordTempModel:   8,
	RecordReport:      23,
}

// MaxSize returns the fixed allocation of id.
func MaxSize(id RecordID) int {
	if n, ok := Sizes[id]; ok {
		return n
	}
	return DefaultMaxSize
}

func checkSize(id RecordID, data []byte) error {
	if max := MaxSize(id); len(data) > max {
		return fmt.Errorf("%w: record 0x%02X is %d bytes, limit %d", ErrRecordSize, uint8(id), len(data), max)
	}
	return nil
}

// Store is the record API used by the kernel and applications.
type Store interface {
	Get(ctx context.Context, id RecordID) (data []byte, ok bool, err error)
	Put(ctx context.Context, id RecordID, data []byte) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory": volatile, the default
//   - "file": JSON snapshot + JSON Lines journal
//   - "sqlite": SQLite database file
type Config struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
