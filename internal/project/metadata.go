package project

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/InsulaLabs/projfs/internal/tkv"
)

const (
	MetadataCollection = "metadata"

	lastWriteTimeCategory = "lastWriteTime"
)

type metadataRecord struct {
	Category string `json:"category"`
	Time     int64  `json:"time"`
}

func defineMetadata(up *tkv.Upgrade) error {
	_, err := up.CreateCollection(MetadataCollection, tkv.CollectionOptions{KeyPath: "category"})
	return err
}

// readLastWriteTime returns 0 when no write has been recorded.
func readLastWriteTime(tx *tkv.Tx) (int64, error) {
	meta, err := tx.Collection(MetadataCollection)
	if err != nil {
		return 0, err
	}
	raw, err := meta.Get(lastWriteTimeCategory)
	if err != nil {
		var notFound *tkv.ErrKeyNotFound
		if errors.As(err, &notFound) {
			return 0, nil
		}
		return 0, err
	}
	var rec metadataRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, &tkv.ErrInternal{Err: err}
	}
	return rec.Time, nil
}

// LastWriteTime reads the persisted time of the most recent committed
// mutation, in epoch milliseconds.
func (s *Session) LastWriteTime(ctx context.Context) (int64, error) {
	var t int64
	err := s.conn.View(ctx, []string{MetadataCollection}, func(tx *tkv.Tx) error {
		var err error
		t, err = readLastWriteTime(tx)
		return err
	})
	return t, err
}

// UpdateLastWriteTime stamps the store with the current time. The stamp is
// always strictly greater than the one it replaces so that two writes in the
// same millisecond still register as distinct.
func (s *Session) UpdateLastWriteTime(ctx context.Context) (int64, error) {
	var stamp int64
	err := s.conn.Update(ctx, []string{MetadataCollection}, func(tx *tkv.Tx) error {
		persisted, err := readLastWriteTime(tx)
		if err != nil {
			return err
		}
		stamp = max(s.project.now().UnixMilli(), persisted+1)

		meta, err := tx.Collection(MetadataCollection)
		if err != nil {
			return err
		}
		_, err = meta.Put(metadataRecord{Category: lastWriteTimeCategory, Time: stamp})
		return err
	})
	if err != nil {
		return 0, err
	}
	s.stamped = s.conn.Writes()
	s.project.observeWrite(s.name, stamp)
	return stamp, nil
}
