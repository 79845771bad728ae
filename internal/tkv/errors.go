package tkv

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

var ErrEngineClosed = errors.New("engine is closed")

// ErrKeyNotFound is returned when a key is not found in a collection.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// ErrKeyExists is returned by Add when the primary key is already taken.
type ErrKeyExists struct {
	Key string
}

func (e *ErrKeyExists) Error() string {
	return fmt.Sprintf("key '%s' already exists", e.Key)
}

// ErrInternal is returned when an internal error occurs.
type ErrInternal struct {
	Err error
}

func (e *ErrInternal) Error() string {
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *ErrInternal) Unwrap() error {
	return e.Err
}

type ErrUnknownCollection struct {
	Name string
}

func (e *ErrUnknownCollection) Error() string {
	return fmt.Sprintf("collection '%s' is not part of this unit", e.Name)
}

type ErrUnknownIndex struct {
	Collection string
	Name       string
}

func (e *ErrUnknownIndex) Error() string {
	return fmt.Sprintf("collection '%s' has no index '%s'", e.Collection, e.Name)
}

// ErrReadOnly is returned when a mutating primitive runs inside a View unit.
type ErrReadOnly struct {
	Collection string
}

func (e *ErrReadOnly) Error() string {
	return fmt.Sprintf("collection '%s' is opened read-only", e.Collection)
}

// ErrInvalidKey is returned when a primary key or index value is not an
// integer or a string.
type ErrInvalidKey struct {
	Reason string
}

func (e *ErrInvalidKey) Error() string {
	return fmt.Sprintf("invalid key: %s", e.Reason)
}

type ErrSchema struct {
	Reason string
}

func (e *ErrSchema) Error() string {
	return fmt.Sprintf("schema error: %s", e.Reason)
}

// ErrVersion is returned when a store is opened with a version lower than
// the persisted one.
type ErrVersion struct {
	Requested int64
	Current   int64
}

func (e *ErrVersion) Error() string {
	return fmt.Sprintf("requested version %d is lower than stored version %d", e.Requested, e.Current)
}

type ErrStoreClosed struct {
	Store string
}

func (e *ErrStoreClosed) Error() string {
	return fmt.Sprintf("store '%s' is closed", e.Store)
}

type ErrConnClosed struct {
	Store string
}

func (e *ErrConnClosed) Error() string {
	return fmt.Sprintf("connection to store '%s' is closed", e.Store)
}

// ErrUnitTooLarge is returned when a unit writes more than the storage engine
// accepts in one transaction. Nothing the unit wrote is kept.
type ErrUnitTooLarge struct{}

func (e *ErrUnitTooLarge) Error() string {
	return "unit is too large to commit in one transaction"
}

func badgerErr(err error) error {
	if errors.Is(err, badger.ErrTxnTooBig) {
		return &ErrUnitTooLarge{}
	}
	return &ErrInternal{Err: err}
}
