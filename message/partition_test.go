package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePartition(t *testing.T) {
	t.Run("resolves the first selector that yields a value", func(t *testing.T) {
		selectors := []string{"{message.missing}", "{message.serialNumber}"}
		payload := map[string]any{"serialNumber": "SN-1"}

		assert.Equal(t, "SN-1", ResolvePartition(selectors, payload))
	})

	t.Run("falls back to the default partition", func(t *testing.T) {
		assert.Equal(t, DefaultPartition, ResolvePartition(nil, map[string]any{"a": 1}))
		assert.Equal(t, DefaultPartition, ResolvePartition([]string{"{message.nope}"}, map[string]any{"a": 1}))
	})

	t.Run("walks nested paths", func(t *testing.T) {
		payload := map[string]any{
			"order": map[string]any{"customer": map[string]any{"id": "c-9"}},
		}

		assert.Equal(t, "c-9", ResolvePartition([]string{"{message.order.customer.id}"}, payload))
	})

	t.Run("renders whole numbers without a fractional part", func(t *testing.T) {
		payload := map[string]any{"serialNumber": float64(42)}

		assert.Equal(t, "42", ResolvePartition([]string{"{message.serialNumber}"}, payload))
	})

	t.Run("empty string values do not resolve", func(t *testing.T) {
		payload := map[string]any{"serialNumber": ""}

		assert.Equal(t, DefaultPartition, ResolvePartition([]string{"{message.serialNumber}"}, payload))
	})

	t.Run("malformed selectors are skipped", func(t *testing.T) {
		payload := map[string]any{"serialNumber": "SN-1"}

		assert.Equal(t, "SN-1", ResolvePartition([]string{"message.serialNumber", "{message.serialNumber}"}, payload))
	})
}
