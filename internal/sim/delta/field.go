package delta

import (
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Field is either Unchanged (the zero value) or Changed(v). An unchanged
// field carries no value and is encoded as a single msgpack nil.
type Field[T any] struct {
	value   T
	changed bool
}

func Changed[T any](v T) Field[T] { return Field[T]{value: v, changed: true} }

func Unchanged[T any]() Field[T] { return Field[T]{} }

// Get returns the value and whether the field changed.
func (f Field[T]) Get() (T, bool) { return f.value, f.changed }

func (f Field[T]) IsChanged() bool { return f.changed }

func (f Field[T]) EncodeMsgpack(enc *msgpack.Encoder) error {
	if !f.changed {
		return enc.EncodeNil()
	}
	return enc.Encode(f.value)
}

func (f *Field[T]) DecodeMsgpack(dec *msgpack.Decoder) error {
	code, err := dec.PeekCode()
	if err != nil {
		return err
	}
	if code == msgpcode.Nil {
		*f = Field[T]{}
		return dec.DecodeNil()
	}
	var v T
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*f = Changed(v)
	return nil
}
