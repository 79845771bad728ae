package tkv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

/*
	Key layout inside a store's badger DB:

		__schema                               persisted schema (json)
		c/<collection>/seq                     last auto-increment value
		c/<collection>/p/<key>                 record (json object)
		c/<collection>/i/<index>/<value>\x00<key>  index entry (empty value)
		c/<collection>/x/<key>\x00<n>          chunk n of a split record body

	Encoded keys are "i" + 16 hex digits (offset binary, so negative integers
	sort before positive ones) or "s" + the raw string.
*/

const schemaKey = "__schema"

// Key is the JSON form of a primary key as stored in its record.
type Key json.RawMessage

func (k Key) Int64() (int64, error) {
	var v int64
	if err := json.Unmarshal(k, &v); err != nil {
		return 0, &ErrInvalidKey{Reason: fmt.Sprintf("%s is not an integer", string(k))}
	}
	return v, nil
}

func (k Key) String() string {
	return string(k)
}

func recordPrefix(collection string) []byte {
	return []byte("c/" + collection + "/p/")
}

func recordKey(collection, encKey string) []byte {
	return append(recordPrefix(collection), encKey...)
}

func chunkPrefix(collection, encKey string) []byte {
	return []byte("c/" + collection + "/x/" + encKey + "\x00")
}

func chunkKey(collection, encKey string, n int) []byte {
	return append(chunkPrefix(collection, encKey), fmt.Sprintf("%08x", n)...)
}

func seqKey(collection string) []byte {
	return []byte("c/" + collection + "/seq")
}

func indexValuePrefix(collection, index, encValue string) []byte {
	return []byte("c/" + collection + "/i/" + index + "/" + encValue + "\x00")
}

func indexEntryKey(collection, index, encValue, encKey string) []byte {
	return append(indexValuePrefix(collection, index, encValue), encKey...)
}

func collectionPrefix(collection string) []byte {
	return []byte("c/" + collection + "/")
}

func encodeInt(i int64) string {
	return "i" + fmt.Sprintf("%016x", uint64(i)^(1<<63))
}

// encodeRaw encodes a JSON scalar usable as a key. ok is false for values
// that cannot be keys (null, bool, objects, fractional numbers).
func encodeRaw(raw json.RawMessage) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case json.Number:
		i, err := strconv.ParseInt(t.String(), 10, 64)
		if err != nil {
			return "", false
		}
		return encodeInt(i), true
	case string:
		return "s" + t, true
	default:
		return "", false
	}
}

func encodeKey(key any) (string, error) {
	switch k := key.(type) {
	case int:
		return encodeInt(int64(k)), nil
	case int64:
		return encodeInt(k), nil
	case string:
		return "s" + k, nil
	case Key:
		if enc, ok := encodeRaw(json.RawMessage(k)); ok {
			return enc, nil
		}
		return "", &ErrInvalidKey{Reason: string(k)}
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return "", &ErrInvalidKey{Reason: err.Error()}
	}
	enc, ok := encodeRaw(raw)
	if !ok {
		return "", &ErrInvalidKey{Reason: fmt.Sprintf("%T cannot be used as a key", key)}
	}
	return enc, nil
}

// fields decodes the top-level members of a record.
func fields(value []byte) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return nil, &ErrSchema{Reason: fmt.Sprintf("record is not a json object: %v", err)}
	}
	if m == nil {
		return nil, &ErrSchema{Reason: "record is null"}
	}
	return m, nil
}
