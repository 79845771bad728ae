package tkv

import (
	"context"
	"log/slog"
	"time"
)

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
	Directory      string
	InMemory       bool
	IdleTTL        time.Duration

	// MemTableSize overrides badger's memtable size when positive. A single
	// unit may write at most about 15% of it.
	MemTableSize int64
}

// CollectionOptions describes how records in a collection are keyed.
// KeyPath names the top-level JSON field holding the primary key.
type CollectionOptions struct {
	KeyPath       string
	AutoIncrement bool
}

// UpgradeFunc defines the schema of a store. It is invoked inside a single
// read-write unit whenever a store is opened with a version newer than the
// persisted one; Upgrade.OldVersion is 0 when the store is brand new.
type UpgradeFunc func(up *Upgrade) error

type TKVUnitHandler interface {
	View(ctx context.Context, collections []string, fn func(tx *Tx) error) error
	Update(ctx context.Context, collections []string, fn func(tx *Tx) error) error
}

type TKVRecordHandler interface {
	Get(key any) ([]byte, error)
	Put(value any) (Key, error)
	Add(value any) (Key, error)
	Delete(key any) error
	GetAll() ([][]byte, error)
}

var (
	_ TKVUnitHandler   = &Conn{}
	_ TKVRecordHandler = &Collection{}
)
