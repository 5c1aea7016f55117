// Package topic matches AMQP topic routing keys against binding patterns.
//
// Keys and patterns are dot-separated words. In a pattern "*" matches exactly
// one word and "#" matches zero or more words.
package topic

import "strings"

// Match reports whether routingKey matches pattern
func Match(pattern, routingKey string) bool {
	if pattern == routingKey {
		return true
	}
	if pattern == "#" {
		return true
	}
	if !strings.ContainsAny(pattern, "*#") {
		return false
	}

	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch word := pattern[0]; word {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != word {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
