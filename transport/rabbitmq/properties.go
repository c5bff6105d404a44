package rabbitmq

import (
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/servicebus/transport"
)

func toPublishing(props transport.Properties, payload []byte) amqp.Publishing {
	msg := amqp.Publishing{
		Type:            props.Type,
		CorrelationId:   props.CorrelationID,
		ReplyTo:         props.ReplyTo,
		ContentType:     props.ContentType,
		ContentEncoding: props.ContentEncoding,
		DeliveryMode:    amqp.Transient,
		Timestamp:       time.Now().UTC(),
		Body:            payload,
	}
	if props.Expiration > 0 {
		ms := props.Expiration.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		msg.Expiration = strconv.FormatInt(ms, 10)
	}

	headers := amqp.Table{}
	for k, v := range props.Headers {
		headers[k] = v
	}
	if props.ExceptionType != "" {
		headers[transport.HeaderExceptionType] = props.ExceptionType
	}
	if props.Exception != "" {
		headers[transport.HeaderException] = props.Exception
	}
	if len(headers) > 0 {
		msg.Headers = headers
	}
	return msg
}

func fromDelivery(d amqp.Delivery) transport.Properties {
	props := transport.Properties{
		Type:            d.Type,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
	}
	if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil {
		props.Expiration = time.Duration(ms) * time.Millisecond
	}

	for k, v := range d.Headers {
		s, ok := headerString(v)
		if !ok {
			continue
		}
		switch k {
		case transport.HeaderExceptionType:
			props.ExceptionType = s
		case transport.HeaderException:
			props.Exception = s
		default:
			if props.Headers == nil {
				props.Headers = make(map[string]string)
			}
			props.Headers[k] = s
		}
	}
	return props
}

func headerString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}
