package message

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransactionID(t *testing.T) {
	t.Run("ids are 40 hex characters", func(t *testing.T) {
		id := NewTransactionID()

		assert.Len(t, id, 40)
		for _, c := range id {
			assert.Contains(t, "0123456789abcdef", string(c))
		}
	})

	t.Run("ids are unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			id := NewTransactionID()
			assert.False(t, seen[id])
			seen[id] = true
		}
	})
}

func TestEncodeDecode(t *testing.T) {
	t.Run("round trip preserves payload content", func(t *testing.T) {
		payload := map[string]any{"event": "a.b", "name": "bunnybus", "count": float64(3)}

		body, err := Encode(payload)
		require.NoError(t, err)
		decoded, err := Decode(body)
		require.NoError(t, err)

		assert.Equal(t, payload, decoded)
	})

	t.Run("Decode rejects non JSON payloads", func(t *testing.T) {
		_, err := Decode([]byte("not json"))

		assert.Error(t, err)
	})
}

func TestEventRoute(t *testing.T) {
	t.Run("returns the event field", func(t *testing.T) {
		assert.Equal(t, "a.b.c", EventRoute(map[string]any{"event": "a.b.c"}))
	})

	t.Run("returns empty when event is absent or not a string", func(t *testing.T) {
		assert.Empty(t, EventRoute(map[string]any{"name": "x"}))
		assert.Empty(t, EventRoute(map[string]any{"event": 42}))
	})
}

func TestPublishHeaders(t *testing.T) {
	t.Run("stamps transaction id, createdAt, version, route key, and retry count", func(t *testing.T) {
		headers := PublishHeaders("order.created", "checkout", nil)

		assert.Len(t, headers[HeaderTransactionID], 40)
		assert.Equal(t, Version, headers[HeaderBunnyBus])
		assert.Equal(t, "order.created", headers[HeaderRouteKey])
		assert.Equal(t, int32(0), headers[HeaderRetryCount])
		assert.Equal(t, "checkout", headers[HeaderSource])

		createdAt, ok := headers[HeaderCreatedAt].(string)
		require.True(t, ok)
		_, err := time.Parse(time.RFC3339, createdAt)
		assert.NoError(t, err)
	})

	t.Run("honors a caller supplied transaction id and createdAt", func(t *testing.T) {
		headers := PublishHeaders("a", "", amqp.Table{
			HeaderTransactionID: "fixed-id",
			HeaderCreatedAt:     "2024-01-01T00:00:00Z",
		})

		assert.Equal(t, "fixed-id", headers[HeaderTransactionID])
		assert.Equal(t, "2024-01-01T00:00:00Z", headers[HeaderCreatedAt])
	})

	t.Run("omits the source header when no source is given", func(t *testing.T) {
		headers := PublishHeaders("a", "", nil)

		_, ok := headers[HeaderSource]
		assert.False(t, ok)
	})

	t.Run("copies user headers without mutating the input", func(t *testing.T) {
		user := amqp.Table{"tenant": "acme"}
		headers := PublishHeaders("a", "", user)

		assert.Equal(t, "acme", headers["tenant"])
		assert.NotContains(t, user, HeaderRouteKey)
	})
}

func TestRequeueHeaders(t *testing.T) {
	t.Run("preserves identity and increments the retry count", func(t *testing.T) {
		original := amqp.Table{
			HeaderTransactionID: "txn",
			HeaderCreatedAt:     "2024-01-01T00:00:00Z",
			HeaderRetryCount:    int32(2),
		}

		headers := RequeueHeaders(original)

		assert.Equal(t, "txn", headers[HeaderTransactionID])
		assert.Equal(t, "2024-01-01T00:00:00Z", headers[HeaderCreatedAt])
		assert.Equal(t, int32(3), headers[HeaderRetryCount])
		assert.NotEmpty(t, headers[HeaderRequeuedAt])
		// original untouched
		assert.Equal(t, int32(2), original[HeaderRetryCount])
	})

	t.Run("starts the retry count at one when absent", func(t *testing.T) {
		headers := RequeueHeaders(amqp.Table{})

		assert.Equal(t, int32(1), headers[HeaderRetryCount])
	})
}

func TestErrorHeaders(t *testing.T) {
	t.Run("stamps erroredAt and the reason", func(t *testing.T) {
		headers := ErrorHeaders(amqp.Table{HeaderTransactionID: "txn"}, "No handler found")

		assert.Equal(t, "txn", headers[HeaderTransactionID])
		assert.Equal(t, "No handler found", headers[HeaderReason])
		assert.NotEmpty(t, headers[HeaderErroredAt])
	})

	t.Run("increments the retry count only when already present", func(t *testing.T) {
		with := ErrorHeaders(amqp.Table{HeaderRetryCount: int32(1)}, "r")
		without := ErrorHeaders(amqp.Table{}, "r")

		assert.Equal(t, int32(2), with[HeaderRetryCount])
		_, ok := without[HeaderRetryCount]
		assert.False(t, ok)
	})
}

func TestRetryCount(t *testing.T) {
	t.Run("coerces the integer widths brokers deliver", func(t *testing.T) {
		assert.Equal(t, 3, RetryCount(amqp.Table{HeaderRetryCount: int32(3)}))
		assert.Equal(t, 4, RetryCount(amqp.Table{HeaderRetryCount: int64(4)}))
		assert.Equal(t, 5, RetryCount(amqp.Table{HeaderRetryCount: float64(5)}))
		assert.Equal(t, 0, RetryCount(amqp.Table{}))
		assert.Equal(t, 0, RetryCount(amqp.Table{HeaderRetryCount: "bogus"}))
	})
}
