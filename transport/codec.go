package transport

import (
	"reflect"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
	"github.com/drblury/servicebus/internal/runtime/jsoncodec"
)

// Serializer converts bodies to and from bytes. Failures are reported as
// *errors.SerializationError.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
	Prepare(sample any) error
	ContentType() string
	ContentEncoding() string
}

// DefaultSerializer returns the JSON serializer shared by the built-in backends.
func DefaultSerializer() Serializer {
	return jsoncodec.NewSerializer()
}

// Codec turns bodies into wire payloads and wire payloads back into
// deliveries, including the faulted-response convention.
type Codec struct {
	Serializer Serializer
	Errors     *ErrorRegistry
}

// NewCodec returns a codec on the default serializer and error registry.
func NewCodec() Codec {
	return Codec{Serializer: DefaultSerializer(), Errors: DefaultErrors}
}

// Encode serializes body and stamps the content metadata on props.
func (c Codec) Encode(props *Properties, body any) ([]byte, error) {
	props.ContentType = c.Serializer.ContentType()
	props.ContentEncoding = c.Serializer.ContentEncoding()
	if props.Exception != "" && body == nil {
		return nil, nil
	}
	return c.Serializer.Serialize(body)
}

// Decode builds a Delivery from the received properties and payload.
func (c Codec) Decode(props Properties, payload []byte, newBody func() any) Delivery {
	switch {
	case props.ExceptionType != "":
		return Delivery{Properties: props, Err: c.decodeRemoteError(props.ExceptionType, payload)}
	case props.Exception != "":
		return Delivery{Properties: props, Err: &errspkg.RemoteError{Message: props.Exception}}
	}

	body := newBody()
	if err := c.Serializer.Deserialize(payload, body); err != nil {
		return Delivery{Properties: props, Err: errspkg.NewSerializationError(err)}
	}
	return Delivery{Properties: props, Body: body}
}

func (c Codec) decodeRemoteError(typeName string, payload []byte) error {
	registry := c.Errors
	if registry == nil {
		registry = DefaultErrors
	}

	target, ok := registry.New(typeName)
	if !ok {
		unresolved := &errspkg.UnresolvedRemoteTypeError{TypeName: typeName, Body: string(payload)}
		var generic errspkg.RemoteError
		if err := c.Serializer.Deserialize(payload, &generic); err == nil {
			unresolved.Message = generic.Message
		}
		return unresolved
	}
	if reflect.TypeOf(target).Kind() != reflect.Ptr {
		return target
	}
	if err := c.Serializer.Deserialize(payload, target); err != nil {
		return errspkg.NewSerializationError(err)
	}
	return target
}
