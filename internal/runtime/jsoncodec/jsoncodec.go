package jsoncodec

import (
	"io"
	"reflect"

	"github.com/bytedance/sonic"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
)

const (
	ContentType     = "application/json"
	ContentEncoding = "utf8"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}

// Serializer encodes bus payloads as UTF-8 JSON. Every failure is reported as
// a *errors.SerializationError.
type Serializer struct{}

// NewSerializer returns the JSON serializer used by all built-in transports.
func NewSerializer() *Serializer {
	return &Serializer{}
}

func (*Serializer) Serialize(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, errspkg.NewSerializationError(err)
	}
	return data, nil
}

func (*Serializer) Deserialize(data []byte, v any) error {
	if err := Unmarshal(data, v); err != nil {
		return errspkg.NewSerializationError(err)
	}
	return nil
}

// Prepare round-trips the zero value of sample's type so encoder and decoder
// state for that type is built before the first real message.
func (s *Serializer) Prepare(sample any) error {
	typ := reflect.TypeOf(sample)
	if typ == nil {
		return nil
	}
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	zero := reflect.New(typ)
	data, err := s.Serialize(zero.Interface())
	if err != nil {
		return err
	}
	if err := s.Deserialize(data, reflect.New(typ).Interface()); err != nil {
		return err
	}
	return sonic.Pretouch(typ)
}

func (*Serializer) ContentType() string { return ContentType }

func (*Serializer) ContentEncoding() string { return ContentEncoding }
