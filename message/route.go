package message

import "strings"

// MatchRoute reports whether a dotted routing key matches a binding
// pattern using AMQP topic semantics: "*" matches exactly one word and
// "#" matches zero or more words.
func MatchRoute(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		// "#" absorbs zero or more words.
		for skip := 0; skip <= len(key); skip++ {
			if matchSegments(pattern[1:], key[skip:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchSegments(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchSegments(pattern[1:], key[1:])
	}
}

// Specificity scores a pattern for best-match selection: literal words
// count highest, "*" less, and "#" least. A wildcard pattern never
// outscores the literal pattern of a key it matches, but "#" can tie it
// ("a.b" and "a.b.#" both score 4), so exact matches are resolved
// before scoring.
func Specificity(pattern string) int {
	score := 0
	for _, segment := range strings.Split(pattern, ".") {
		switch segment {
		case "#":
			// no points
		case "*":
			score++
		default:
			score += 2
		}
	}
	return score
}
