package tkv

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

type collectionDef struct {
	Name          string            `json:"name"`
	KeyPath       string            `json:"keyPath"`
	AutoIncrement bool              `json:"autoIncrement"`
	Indexes       map[string]string `json:"indexes"` // index name -> key path
}

type schema struct {
	Version     int64                     `json:"version"`
	Collections map[string]*collectionDef `json:"collections"`
}

func emptySchema() *schema {
	return &schema{Collections: make(map[string]*collectionDef)}
}

func (s *schema) clone() *schema {
	out := &schema{Version: s.Version, Collections: make(map[string]*collectionDef, len(s.Collections))}
	for name, def := range s.Collections {
		d := *def
		d.Indexes = make(map[string]string, len(def.Indexes))
		for k, v := range def.Indexes {
			d.Indexes[k] = v
		}
		out.Collections[name] = &d
	}
	return out
}

func loadSchema(txn *badger.Txn) (*schema, error) {
	item, err := txn.Get([]byte(schemaKey))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return emptySchema(), nil
		}
		return nil, &ErrInternal{Err: err}
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}
	s := emptySchema()
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, &ErrSchema{Reason: fmt.Sprintf("stored schema is unreadable: %v", err)}
	}
	return s, nil
}

func saveSchema(txn *badger.Txn, s *schema) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return &ErrInternal{Err: err}
	}
	if err := txn.Set([]byte(schemaKey), raw); err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

// Upgrade is handed to an UpgradeFunc. Collections created through it become
// visible to Tx for the remainder of the upgrade unit.
type Upgrade struct {
	OldVersion int64
	NewVersion int64

	schema *schema
	tx     *Tx
}

// CollectionDef is returned by Upgrade.CreateCollection to declare indexes.
type CollectionDef struct {
	def *collectionDef
}

func (u *Upgrade) CreateCollection(name string, opts CollectionOptions) (*CollectionDef, error) {
	if name == "" {
		return nil, &ErrSchema{Reason: "collection name is empty"}
	}
	if opts.KeyPath == "" {
		return nil, &ErrSchema{Reason: fmt.Sprintf("collection '%s' has no key path", name)}
	}
	if _, ok := u.schema.Collections[name]; ok {
		return nil, &ErrSchema{Reason: fmt.Sprintf("collection '%s' already exists", name)}
	}
	def := &collectionDef{
		Name:          name,
		KeyPath:       opts.KeyPath,
		AutoIncrement: opts.AutoIncrement,
		Indexes:       make(map[string]string),
	}
	u.schema.Collections[name] = def
	return &CollectionDef{def: def}, nil
}

// DeleteCollection drops a collection and every record and index entry in it.
func (u *Upgrade) DeleteCollection(name string) error {
	if _, ok := u.schema.Collections[name]; !ok {
		return &ErrUnknownCollection{Name: name}
	}
	if err := u.tx.dropPrefix(collectionPrefix(name)); err != nil {
		return err
	}
	delete(u.schema.Collections, name)
	return nil
}

// Tx exposes the upgrade unit so the schema callback can seed records.
func (u *Upgrade) Tx() *Tx {
	return u.tx
}

func (d *CollectionDef) CreateIndex(name, keyPath string) *CollectionDef {
	d.def.Indexes[name] = keyPath
	return d
}
