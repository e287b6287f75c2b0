package encoding

import (
	"bytes"
	"reflect"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

func init() {
	RegisterSortedMap(map[string]int(nil))
	RegisterSortedMap(map[string]map[string]int(nil))
}

// RegisterSortedMap makes every msgpack encoder write maps of m's type in
// ascending key order. m must be a map with string keys.
//
// SetSortMapKeys only covers map[string]string, map[string]bool and
// map[string]interface{}; every other map type walks MapRange in random order.
func RegisterSortedMap(m any) {
	msgpack.Register(m, encodeSortedMap, nil)
}

func encodeSortedMap(enc *msgpack.Encoder, v reflect.Value) error {
	if v.IsNil() {
		return enc.EncodeNil()
	}
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	if err := enc.EncodeMapLen(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.EncodeString(k.String()); err != nil {
			return err
		}
		if err := enc.EncodeValue(v.MapIndex(k)); err != nil {
			return err
		}
	}
	return nil
}

// Marshal encodes v as msgpack with sorted map keys, so equal values always
// produce identical bytes. Map types other than the built-in sorted ones must
// be registered with RegisterSortedMap.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(b []byte, v any) error {
	return msgpack.Unmarshal(b, v)
}

// Pack serializes v and compresses the result with c.
func Pack(c Codec, v any) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.Compress(raw)
}

// Unpack reverses Pack.
func Unpack(c Codec, payload []byte, v any) error {
	raw, err := c.Decompress(payload)
	if err != nil {
		return err
	}
	return Unmarshal(raw, v)
}
