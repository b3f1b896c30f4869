package topics

import "strings"

// Match checks if the topic matches the given filter according to MQTT
// wildcard rules:
//   - '+' matches exactly one level, including an empty one.
//   - '#' is only legal as the last level and matches that level plus all
//     remaining levels.
//   - Filters that do not start with '$' never match '$'-prefixed topics.
//
// Trailing separators are stripped from both arguments, empty levels in the
// middle are preserved ("a//b" does not equal "a/b"). Matching is
// case-sensitive. The topic itself must not contain wildcards.
func Match(filter, topic string) (bool, error) {
	if strings.ContainsAny(topic, "+#") {
		return false, ErrWildcardTopic
	}
	if filter == "" || topic == "" {
		return false, nil
	}

	filter = strings.TrimRight(filter, separator)
	topic = strings.TrimRight(topic, separator)

	// Fast path: no wildcards means plain string equality.
	if !strings.ContainsAny(filter, "+#") {
		return filter == topic, nil
	}

	// Topics starting with '$' are reserved; a wildcard at the first level
	// must not match them.
	if strings.HasPrefix(topic, "$") && !strings.HasPrefix(filter, "$") {
		return false, nil
	}

	filterLevels := strings.Split(filter, separator)
	topicLevels := strings.Split(topic, separator)

	for i, fLevel := range filterLevels {
		if fLevel == "#" {
			// Matches the parent level and everything below it.
			return true, nil
		}

		if i >= len(topicLevels) {
			return false, nil
		}

		if fLevel == "+" {
			continue
		}

		if fLevel != topicLevels[i] {
			return false, nil
		}
	}

	return len(filterLevels) == len(topicLevels), nil
}

// HasWildcard returns true if the filter contains any wildcard character.
func HasWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}
