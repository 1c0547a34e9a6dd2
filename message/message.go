// Package message defines the wire envelope used by bunnybus: the JSON
// payload codec, the well-known AMQP headers carried on every published
// message, and the helpers that derive routing keys and partition keys
// from payload content.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Version is the library version stamped into the bunnyBus header of
// every published message.
const Version = "1.0.0"

// ContentType is the content type of every bunnybus payload.
const ContentType = "application/json"

// Well-known header names.
const (
	HeaderTransactionID = "transactionId"
	HeaderCreatedAt     = "createdAt"
	HeaderBunnyBus      = "bunnyBus"
	HeaderSource        = "source"
	HeaderRouteKey      = "routeKey"
	HeaderRetryCount    = "retryCount"
	HeaderRequeuedAt    = "requeuedAt"
	HeaderErroredAt     = "erroredAt"
	HeaderReason        = "reason"
)

// DefaultPartition is the partition used when no selector resolves.
const DefaultPartition = "default"

// NewTransactionID returns an opaque 40 character hex identifier. The id
// is assigned once at publish time and preserved across requeues.
func NewTransactionID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "") +
		strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:40]
}

// Encode marshals a payload to its wire form.
func Encode(payload map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return body, nil
}

// Decode unmarshals a wire payload back into a map.
func Decode(body []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

// EventRoute extracts the routing key from a payload. The routing key is
// the message's "event" field; an empty string means none was present.
func EventRoute(payload map[string]any) string {
	event, _ := payload["event"].(string)
	return event
}

// PublishHeaders builds the header table for a first publish. User
// headers are copied in first so the well-known headers cannot be
// clobbered, except that a caller-supplied transactionId, createdAt, and
// retryCount are honored, as is a caller-supplied source header when no
// source argument is given.
func PublishHeaders(routeKey, source string, user amqp.Table) amqp.Table {
	headers := amqp.Table{}
	for k, v := range user {
		headers[k] = v
	}

	if _, ok := headers[HeaderTransactionID]; !ok {
		headers[HeaderTransactionID] = NewTransactionID()
	}
	if _, ok := headers[HeaderCreatedAt]; !ok {
		headers[HeaderCreatedAt] = time.Now().Format(time.RFC3339)
	}
	headers[HeaderBunnyBus] = Version
	headers[HeaderRouteKey] = routeKey
	if _, ok := headers[HeaderRetryCount]; !ok {
		headers[HeaderRetryCount] = int32(0)
	}
	if source != "" {
		headers[HeaderSource] = source
	}

	return headers
}

// RequeueHeaders derives the header table for a requeued delivery:
// transactionId and createdAt are preserved, retryCount is incremented,
// and requeuedAt is stamped.
func RequeueHeaders(original amqp.Table) amqp.Table {
	headers := cloneTable(original)
	headers[HeaderRetryCount] = int32(RetryCount(original) + 1)
	headers[HeaderRequeuedAt] = time.Now().Format(time.RFC3339)
	return headers
}

// ErrorHeaders derives the header table for a delivery routed to the
// error queue: erroredAt and the reason are stamped, and a retry count
// already on the message is incremented.
func ErrorHeaders(original amqp.Table, reason string) amqp.Table {
	headers := cloneTable(original)
	if _, seen := original[HeaderRetryCount]; seen {
		headers[HeaderRetryCount] = int32(RetryCount(original) + 1)
	}
	headers[HeaderErroredAt] = time.Now().Format(time.RFC3339)
	if reason != "" {
		headers[HeaderReason] = reason
	}
	return headers
}

// RetryCount reads the retry counter from a header table, tolerating the
// integer widths AMQP clients deliver headers with.
func RetryCount(headers amqp.Table) int {
	switch v := headers[HeaderRetryCount].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// TransactionID reads the transaction id header, if present.
func TransactionID(headers amqp.Table) string {
	id, _ := headers[HeaderTransactionID].(string)
	return id
}

func cloneTable(t amqp.Table) amqp.Table {
	clone := amqp.Table{}
	for k, v := range t {
		clone[k] = v
	}
	return clone
}
