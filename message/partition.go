package message

import (
	"fmt"
	"strings"
)

// ResolvePartition resolves a partition value for a payload from an
// ordered list of selector templates such as "{message.serialNumber}".
// The first selector that yields a defined, non-empty value wins;
// otherwise DefaultPartition is returned.
//
// A selector is a dotted path into the decoded payload wrapped in
// braces. The leading "message" segment addresses the payload root.
func ResolvePartition(selectors []string, payload map[string]any) string {
	for _, selector := range selectors {
		if value := resolveSelector(selector, payload); value != "" {
			return value
		}
	}
	return DefaultPartition
}

func resolveSelector(selector string, payload map[string]any) string {
	path := strings.TrimSpace(selector)
	if !strings.HasPrefix(path, "{") || !strings.HasSuffix(path, "}") {
		return ""
	}
	path = strings.TrimSuffix(strings.TrimPrefix(path, "{"), "}")

	segments := strings.Split(path, ".")
	if len(segments) > 0 && segments[0] == "message" {
		segments = segments[1:]
	}
	if len(segments) == 0 {
		return ""
	}

	var current any = payload
	for _, segment := range segments {
		node, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = node[segment]
		if !ok {
			return ""
		}
	}

	switch v := current.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		// json.Unmarshal delivers all numbers as float64. Render whole
		// values without a fractional part so keys stay stable.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
