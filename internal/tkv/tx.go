package tkv

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v3"
)

// Tx is one transactional unit. Every primitive issued through it commits
// together or not at all.
type Tx struct {
	txn      *badger.Txn
	schema   *schema
	scope    map[string]bool // nil means every collection
	writable bool
	mutated  bool

	chunkSize int
}

// Mutated reports whether a mutating primitive ran inside the unit.
func (t *Tx) Mutated() bool {
	return t.mutated
}

func (t *Tx) Writable() bool {
	return t.writable
}

func (t *Tx) Collection(name string) (*Collection, error) {
	def, ok := t.schema.Collections[name]
	if !ok {
		return nil, &ErrUnknownCollection{Name: name}
	}
	if t.scope != nil && !t.scope[name] {
		return nil, &ErrUnknownCollection{Name: name}
	}
	return &Collection{tx: t, def: def}, nil
}

func (t *Tx) dropPrefix(prefix []byte) error {
	keys, err := t.scanKeys(prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := t.del(k); err != nil {
			return err
		}
	}
	t.mutated = true
	return nil
}

func (t *Tx) set(key, value []byte) error {
	if err := t.txn.Set(key, value); err != nil {
		return badgerErr(err)
	}
	return nil
}

func (t *Tx) del(key []byte) error {
	if err := t.txn.Delete(key); err != nil {
		return badgerErr(err)
	}
	return nil
}

// scanKeys collects every key under prefix. The iterator is closed before
// returning so callers may issue further primitives on the same txn.
func (t *Tx) scanKeys(prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

type entry struct {
	key   []byte
	value []byte
}

func (t *Tx) scanEntries(prefix []byte) ([]entry, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var entries []entry
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return nil, &ErrInternal{Err: err}
		}
		entries = append(entries, entry{key: item.KeyCopy(nil), value: val})
	}
	return entries, nil
}

func (t *Tx) getRaw(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, &ErrInternal{Err: err}
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}
	return val, nil
}

// Collection is a handle on one collection within a unit.
type Collection struct {
	tx  *Tx
	def *collectionDef
}

func (c *Collection) Name() string {
	return c.def.Name
}

func (c *Collection) Get(key any) ([]byte, error) {
	enc, err := encodeKey(key)
	if err != nil {
		return nil, err
	}
	val, _, err := c.readRecord(enc)
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, &ErrKeyNotFound{Key: fmt.Sprintf("%s/%v", c.def.Name, key)}
	}
	return val, nil
}

// GetAll returns every record in primary key order.
func (c *Collection) GetAll() ([][]byte, error) {
	prefix := recordPrefix(c.def.Name)
	entries, err := c.tx.scanEntries(prefix)
	if err != nil {
		return nil, err
	}
	records := make([][]byte, 0, len(entries))
	for _, e := range entries {
		body, _, err := c.assemble(string(e.key[len(prefix):]), e.value)
		if err != nil {
			return nil, err
		}
		records = append(records, body)
	}
	return records, nil
}

// Put writes value, replacing any record under the same key. Auto-increment
// collections assign a key when the value carries none.
func (c *Collection) Put(value any) (Key, error) {
	return c.write(value, true)
}

// Add writes value and fails with ErrKeyExists if the key is taken.
func (c *Collection) Add(value any) (Key, error) {
	return c.write(value, false)
}

// Delete removes the record under key. Deleting a missing key is a no-op.
func (c *Collection) Delete(key any) error {
	if !c.tx.writable {
		return &ErrReadOnly{Collection: c.def.Name}
	}
	enc, err := encodeKey(key)
	if err != nil {
		return err
	}
	old, chunked, err := c.readRecord(enc)
	if err != nil {
		return err
	}
	if old == nil {
		return nil
	}
	if err := c.unindex(enc, old); err != nil {
		return err
	}
	if chunked {
		if err := c.dropChunks(enc); err != nil {
			return err
		}
	}
	if err := c.tx.del(recordKey(c.def.Name, enc)); err != nil {
		return err
	}
	c.tx.mutated = true
	return nil
}

func (c *Collection) Index(name string) (*Index, error) {
	keyPath, ok := c.def.Indexes[name]
	if !ok {
		return nil, &ErrUnknownIndex{Collection: c.def.Name, Name: name}
	}
	return &Index{c: c, name: name, keyPath: keyPath}, nil
}

func (c *Collection) write(value any, overwrite bool) (Key, error) {
	if !c.tx.writable {
		return nil, &ErrReadOnly{Collection: c.def.Name}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}
	rec, err := fields(raw)
	if err != nil {
		return nil, err
	}

	keyRaw, present := rec[c.def.KeyPath]
	if present && string(keyRaw) == "null" {
		present = false
	}
	if !present {
		if !c.def.AutoIncrement {
			return nil, &ErrInvalidKey{Reason: fmt.Sprintf("record has no '%s' field", c.def.KeyPath)}
		}
		next, err := c.nextSeq()
		if err != nil {
			return nil, err
		}
		keyRaw = json.RawMessage(strconv.FormatInt(next, 10))
		rec[c.def.KeyPath] = keyRaw
		if raw, err = json.Marshal(rec); err != nil {
			return nil, &ErrInternal{Err: err}
		}
	} else if c.def.AutoIncrement {
		if err := c.bumpSeq(Key(keyRaw)); err != nil {
			return nil, err
		}
	}

	enc, ok := encodeRaw(keyRaw)
	if !ok {
		return nil, &ErrInvalidKey{Reason: string(keyRaw)}
	}
	old, chunked, err := c.readRecord(enc)
	if err != nil {
		return nil, err
	}
	if old != nil {
		if !overwrite {
			return nil, &ErrKeyExists{Key: fmt.Sprintf("%s/%s", c.def.Name, string(keyRaw))}
		}
		if err := c.unindex(enc, old); err != nil {
			return nil, err
		}
		if chunked {
			if err := c.dropChunks(enc); err != nil {
				return nil, err
			}
		}
	}
	if err := c.storeRecord(enc, raw); err != nil {
		return nil, err
	}
	if err := c.index(enc, rec); err != nil {
		return nil, err
	}
	c.tx.mutated = true
	return Key(keyRaw), nil
}

func (c *Collection) seq() (int64, error) {
	val, err := c.tx.getRaw(seqKey(c.def.Name))
	if err != nil || val == nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		return 0, &ErrInternal{Err: err}
	}
	return n, nil
}

func (c *Collection) setSeq(n int64) error {
	return c.tx.set(seqKey(c.def.Name), []byte(strconv.FormatInt(n, 10)))
}

func (c *Collection) nextSeq() (int64, error) {
	cur, err := c.seq()
	if err != nil {
		return 0, err
	}
	next := cur + 1
	return next, c.setSeq(next)
}

// bumpSeq keeps the generator ahead of explicitly supplied integer keys.
func (c *Collection) bumpSeq(k Key) error {
	n, err := k.Int64()
	if err != nil {
		return nil
	}
	cur, err := c.seq()
	if err != nil {
		return err
	}
	if n > cur {
		return c.setSeq(n)
	}
	return nil
}

func (c *Collection) index(enc string, rec map[string]json.RawMessage) error {
	for name, keyPath := range c.def.Indexes {
		v, ok := rec[keyPath]
		if !ok {
			continue
		}
		ev, ok := encodeRaw(v)
		if !ok {
			continue
		}
		if err := c.tx.set(indexEntryKey(c.def.Name, name, ev, enc), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) unindex(enc string, old []byte) error {
	rec, err := fields(old)
	if err != nil {
		return err
	}
	for name, keyPath := range c.def.Indexes {
		v, ok := rec[keyPath]
		if !ok {
			continue
		}
		ev, ok := encodeRaw(v)
		if !ok {
			continue
		}
		if err := c.tx.del(indexEntryKey(c.def.Name, name, ev, enc)); err != nil {
			return err
		}
	}
	return nil
}

// A record body longer than the store's chunk size is kept as a manifest,
// chunkManifest followed by the decimal chunk count, with the body split
// across chunk keys. JSON bodies never start with chunkManifest.
const chunkManifest = 0x00

// readRecord returns the full body stored under enc, or nil when there is
// none. chunked reports whether the body was split.
func (c *Collection) readRecord(enc string) ([]byte, bool, error) {
	val, err := c.tx.getRaw(recordKey(c.def.Name, enc))
	if err != nil || val == nil {
		return nil, false, err
	}
	return c.assemble(enc, val)
}

func (c *Collection) assemble(enc string, val []byte) ([]byte, bool, error) {
	if len(val) == 0 || val[0] != chunkManifest {
		return val, false, nil
	}
	n, err := strconv.Atoi(string(val[1:]))
	if err != nil {
		return nil, false, &ErrInternal{Err: fmt.Errorf("unreadable chunk manifest for %s/%s", c.def.Name, enc)}
	}
	var body []byte
	for i := 0; i < n; i++ {
		part, err := c.tx.getRaw(chunkKey(c.def.Name, enc, i))
		if err != nil {
			return nil, false, err
		}
		if part == nil {
			return nil, false, &ErrInternal{Err: fmt.Errorf("chunk %d of %d missing for %s/%s", i, n, c.def.Name, enc)}
		}
		body = append(body, part...)
	}
	return body, true, nil
}

func (c *Collection) storeRecord(enc string, raw []byte) error {
	size := c.tx.chunkSize
	if size <= 0 || len(raw) <= size {
		return c.tx.set(recordKey(c.def.Name, enc), raw)
	}
	n := 0
	for off := 0; off < len(raw); off += size {
		if err := c.tx.set(chunkKey(c.def.Name, enc, n), raw[off:min(off+size, len(raw))]); err != nil {
			return err
		}
		n++
	}
	manifest := append([]byte{chunkManifest}, strconv.Itoa(n)...)
	return c.tx.set(recordKey(c.def.Name, enc), manifest)
}

func (c *Collection) dropChunks(enc string) error {
	keys, err := c.tx.scanKeys(chunkPrefix(c.def.Name, enc))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.tx.del(k); err != nil {
			return err
		}
	}
	return nil
}

// Index is a secondary lookup on one field of a collection's records.
type Index struct {
	c       *Collection
	name    string
	keyPath string
}

// GetAll returns every record whose indexed field equals value, in primary
// key order.
func (ix *Index) GetAll(value any) ([][]byte, error) {
	ev, err := encodeKey(value)
	if err != nil {
		return nil, err
	}
	prefix := indexValuePrefix(ix.c.def.Name, ix.name, ev)
	entries, err := ix.c.tx.scanKeys(prefix)
	if err != nil {
		return nil, err
	}
	records := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		enc := string(entry[len(prefix):])
		val, _, err := ix.c.readRecord(enc)
		if err != nil {
			return nil, err
		}
		if val == nil {
			return nil, &ErrInternal{Err: fmt.Errorf("dangling index entry %q", string(entry))}
		}
		records = append(records, val)
	}
	return records, nil
}
