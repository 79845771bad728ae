package tkv

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/jellydator/ttlcache/v3"
)

var DefaultIdleTTL = 1 * time.Minute

// store is one badger DB holding all collections of a single store ID.
type store struct {
	id  string
	dir string
	db  *badger.DB

	// life guards db against Close while units run; units hold it shared.
	life   sync.RWMutex
	closed bool

	// writeMu serializes read-write units so tree edits never interleave.
	writeMu sync.Mutex

	schemaMu sync.RWMutex
	schema   *schema

	// record bodies longer than chunkSize are split; 0 disables splitting
	chunkSize int

	refs int // guarded by Engine.mu
}

func (s *store) currentSchema() *schema {
	s.schemaMu.RLock()
	defer s.schemaMu.RUnlock()
	return s.schema
}

func (s *store) setSchema(sc *schema) {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	s.schema = sc
}

func (s *store) close(drop bool) error {
	s.life.Lock()
	defer s.life.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if drop {
		if err := s.db.DropAll(); err != nil {
			s.db.Close()
			return &ErrInternal{Err: err}
		}
	}
	if err := s.db.Close(); err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

// Engine owns every open store. Stores are opened on first use and closed
// once they have had no connections for IdleTTL.
type Engine struct {
	logger *slog.Logger
	cfg    Config

	mu     sync.Mutex
	stores map[string]*store
	closed bool

	idle *ttlcache.Cache[string, *store]
}

func New(config Config) (*Engine, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if !config.InMemory {
		if config.Directory == "" {
			return nil, &ErrSchema{Reason: "no data directory configured"}
		}
		if err := os.MkdirAll(config.Directory, 0755); err != nil {
			return nil, &ErrInternal{Err: err}
		}
	}

	if DefaultIdleTTL == 0 {
		DefaultIdleTTL = 1 * time.Minute
	}

	if config.IdleTTL <= 0 {
		config.IdleTTL = DefaultIdleTTL
	}

	e := &Engine{
		logger: config.Logger.WithGroup("tkv"),
		cfg:    config,
		stores: make(map[string]*store),
		idle: ttlcache.New[string, *store](
			ttlcache.WithTTL[string, *store](config.IdleTTL),
			ttlcache.WithDisableTouchOnHit[string, *store](),
		),
	}

	e.idle.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *store]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		e.closeIdle(item.Key(), item.Value())
	})
	go e.idle.Start()

	return e, nil
}

func normalizeDBName(dbName string) string {
	// Replace any characters that are invalid in directory names across platforms
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|':
			return '_'
		default:
			return r
		}
	}, dbName)

	// Ensure name doesn't start with . or - which can cause issues
	if len(sanitized) > 0 && (sanitized[0] == '.' || sanitized[0] == '-') {
		sanitized = "_" + sanitized[1:]
	}

	return sanitized
}

func (e *Engine) storeDir(storeID string) string {
	if e.cfg.InMemory {
		return ""
	}
	return filepath.Join(e.cfg.Directory, normalizeDBName(storeID))
}

func (e *Engine) openBadger(storeID string) (*store, error) {
	dir := e.storeDir(storeID)
	opts := badger.DefaultOptions(dir).
		WithLogger(newLogger(e.logger.WithGroup("store").With("store", storeID), e.cfg.BadgerLogLevel))
	if e.cfg.MemTableSize > 0 {
		opts = opts.WithMemTableSize(e.cfg.MemTableSize)
	}
	chunkSize := 0
	if e.cfg.InMemory {
		opts = opts.WithInMemory(true)
		// in-memory values must stay below the value threshold
		chunkSize = int(opts.ValueThreshold / 2)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	var sc *schema
	err = db.View(func(txn *badger.Txn) error {
		var err error
		sc, err = loadSchema(txn)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &store{id: storeID, dir: dir, db: db, schema: sc, chunkSize: chunkSize}, nil
}

// acquire returns the store for storeID, opening it if needed, with its
// reference count raised.
func (e *Engine) acquire(storeID string) (*store, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	st, ok := e.stores[storeID]
	if !ok {
		var err error
		st, err = e.openBadger(storeID)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.stores[storeID] = st
		e.logger.Debug("store opened", "store", storeID, "dir", st.dir)
	}
	st.refs++
	e.mu.Unlock()

	e.idle.Delete(storeID)
	return st, nil
}

func (e *Engine) release(st *store) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st.refs--
	if st.refs > 0 || e.closed {
		return
	}
	if cur, ok := e.stores[st.id]; !ok || cur != st {
		return
	}
	// in-memory stores would lose their data if closed
	if e.cfg.InMemory {
		return
	}
	e.idle.Set(st.id, st, ttlcache.DefaultTTL)
}

func (e *Engine) closeIdle(storeID string, st *store) {
	e.mu.Lock()
	cur, ok := e.stores[storeID]
	if !ok || cur != st || st.refs > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.stores, storeID)
	e.mu.Unlock()

	if err := st.close(false); err != nil {
		e.logger.Error("error closing idle store", "store", storeID, "error", err)
		return
	}
	e.logger.Debug("idle store closed", "store", storeID)
}

// Open returns a connection to storeID. When the persisted schema version is
// lower than version, upgrade runs inside one read-write unit first.
func (e *Engine) Open(ctx context.Context, storeID string, version int64, upgrade UpgradeFunc) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if version < 1 {
		return nil, &ErrSchema{Reason: "version must be at least 1"}
	}

	st, err := e.acquire(storeID)
	if err != nil {
		return nil, err
	}

	created, err := e.upgrade(st, version, upgrade)
	if err != nil {
		e.release(st)
		return nil, err
	}

	return &Conn{engine: e, st: st, created: created}, nil
}

func (e *Engine) upgrade(st *store, version int64, upgrade UpgradeFunc) (bool, error) {
	current := st.currentSchema()
	if current.Version == version {
		return false, nil
	}
	if current.Version > version {
		return false, &ErrVersion{Requested: version, Current: current.Version}
	}

	st.life.RLock()
	defer st.life.RUnlock()
	if st.closed {
		return false, &ErrStoreClosed{Store: st.id}
	}

	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	var (
		created bool
		next    *schema
	)
	err := st.db.Update(func(txn *badger.Txn) error {
		// another connection may have upgraded while we waited on writeMu
		persisted, err := loadSchema(txn)
		if err != nil {
			return err
		}
		if persisted.Version >= version {
			next = persisted
			return nil
		}

		next = persisted.clone()
		up := &Upgrade{
			OldVersion: persisted.Version,
			NewVersion: version,
			schema:     next,
			tx:         &Tx{txn: txn, schema: next, writable: true, chunkSize: st.chunkSize},
		}
		if upgrade != nil {
			if err := upgrade(up); err != nil {
				return err
			}
		}
		next.Version = version
		created = persisted.Version == 0
		return saveSchema(txn, next)
	})
	if err != nil {
		return false, err
	}
	if next.Version > version {
		return false, &ErrVersion{Requested: version, Current: next.Version}
	}

	st.setSchema(next)
	e.logger.Info("store schema upgraded", "store", st.id, "version", next.Version, "created", created)
	return created, nil
}

// DeleteStore irreversibly erases storeID. Connections still holding the
// store fail with ErrStoreClosed afterwards.
func (e *Engine) DeleteStore(ctx context.Context, storeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	st, ok := e.stores[storeID]
	delete(e.stores, storeID)
	e.mu.Unlock()

	e.idle.Delete(storeID)

	if ok {
		if err := st.close(e.cfg.InMemory); err != nil {
			return err
		}
	}

	if !e.cfg.InMemory {
		if err := os.RemoveAll(e.storeDir(storeID)); err != nil {
			return &ErrInternal{Err: err}
		}
	}

	e.logger.Info("store deleted", "store", storeID)
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stores := e.stores
	e.stores = make(map[string]*store)
	e.mu.Unlock()

	e.idle.Stop()
	e.logger.Info("idle store cache stopped")

	var firstErr error
	for id, st := range stores {
		if err := st.close(false); err != nil {
			e.logger.Error("error closing store", "store", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Conn is a connection to one store. It is not safe to share a Conn across
// goroutines that both run units; open one per logical operation batch.
type Conn struct {
	engine  *Engine
	st      *store
	created bool

	closed atomic.Bool
	writes atomic.Int64
}

// Created reports whether this open created the store.
func (c *Conn) Created() bool {
	return c.created
}

// PerformedWrite reports whether any committed unit on this connection ran a
// mutating primitive.
func (c *Conn) PerformedWrite() bool {
	return c.writes.Load() > 0
}

// Writes counts the committed units on this connection that mutated.
func (c *Conn) Writes() int64 {
	return c.writes.Load()
}

func (c *Conn) StoreID() string {
	return c.st.id
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.engine.release(c.st)
	return nil
}

func (c *Conn) View(ctx context.Context, collections []string, fn func(tx *Tx) error) error {
	return c.run(ctx, false, collections, fn)
}

func (c *Conn) Update(ctx context.Context, collections []string, fn func(tx *Tx) error) error {
	return c.run(ctx, true, collections, fn)
}

func (c *Conn) run(ctx context.Context, writable bool, collections []string, fn func(tx *Tx) error) error {
	if c.closed.Load() {
		return &ErrConnClosed{Store: c.st.id}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	st := c.st
	st.life.RLock()
	defer st.life.RUnlock()
	if st.closed {
		return &ErrStoreClosed{Store: st.id}
	}

	sc := st.currentSchema()
	scope := make(map[string]bool, len(collections))
	for _, name := range collections {
		if _, ok := sc.Collections[name]; !ok {
			return &ErrUnknownCollection{Name: name}
		}
		scope[name] = true
	}

	tx := &Tx{schema: sc, scope: scope, writable: writable, chunkSize: st.chunkSize}

	var fnErr error
	body := func(txn *badger.Txn) error {
		tx.txn = txn
		fnErr = fn(tx)
		return fnErr
	}

	var err error
	if writable {
		st.writeMu.Lock()
		err = st.db.Update(body)
		st.writeMu.Unlock()
	} else {
		err = st.db.View(body)
	}

	if err != nil {
		if fnErr != nil {
			return fnErr
		}
		return badgerErr(err)
	}
	if tx.mutated {
		c.writes.Add(1)
	}
	return nil
}
