package transport

import (
	"strconv"
	"time"
)

// Header names used when properties travel as a flat string map.
const (
	HeaderExceptionType   = "exceptionType"
	HeaderException       = "exception"
	HeaderType            = "type"
	HeaderCorrelationID   = "correlationId"
	HeaderReplyTo         = "replyTo"
	HeaderExpiration      = "expiration"
	HeaderContentType     = "contentType"
	HeaderContentEncoding = "contentEncoding"
)

// ToHeaders flattens p into a header map. Application headers are copied
// first so they can never shadow a property.
func (p Properties) ToHeaders() map[string]string {
	headers := make(map[string]string, len(p.Headers)+8)
	for k, v := range p.Headers {
		headers[k] = v
	}
	setIfNotEmpty(headers, HeaderType, p.Type)
	setIfNotEmpty(headers, HeaderCorrelationID, p.CorrelationID)
	setIfNotEmpty(headers, HeaderReplyTo, p.ReplyTo)
	setIfNotEmpty(headers, HeaderContentType, p.ContentType)
	setIfNotEmpty(headers, HeaderContentEncoding, p.ContentEncoding)
	setIfNotEmpty(headers, HeaderExceptionType, p.ExceptionType)
	setIfNotEmpty(headers, HeaderException, p.Exception)
	if p.Expiration > 0 {
		headers[HeaderExpiration] = strconv.FormatInt(p.Expiration.Milliseconds(), 10)
	}
	return headers
}

// PropertiesFromHeaders is the inverse of ToHeaders. Unknown keys end up in
// Properties.Headers.
func PropertiesFromHeaders(headers map[string]string) Properties {
	var p Properties
	for k, v := range headers {
		switch k {
		case HeaderType:
			p.Type = v
		case HeaderCorrelationID:
			p.CorrelationID = v
		case HeaderReplyTo:
			p.ReplyTo = v
		case HeaderContentType:
			p.ContentType = v
		case HeaderContentEncoding:
			p.ContentEncoding = v
		case HeaderExceptionType:
			p.ExceptionType = v
		case HeaderException:
			p.Exception = v
		case HeaderExpiration:
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				p.Expiration = time.Duration(ms) * time.Millisecond
			}
		default:
			if p.Headers == nil {
				p.Headers = make(map[string]string)
			}
			p.Headers[k] = v
		}
	}
	return p
}

func setIfNotEmpty(headers map[string]string, key, value string) {
	if value != "" {
		headers[key] = value
	}
}
