package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const separator = "/"

// Common validation errors.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrWildcardTopic      = errors.New("topic name must not contain wildcards")
)

// ValidateTopicName checks if the topic name is valid for PUBLISH (no wildcards).
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrInvalidTopicName
	}
	// "The Topic Name ... MUST NOT contain wildcard characters"
	if strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	if strings.Contains(topic, "\x00") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks topic filter syntax for SUBSCRIBE:
// valid UTF-8, no NUL, '#' only as the final level, '+' only as a whole level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopicFilter
	}
	if !utf8.ValidString(filter) || strings.Contains(filter, "\x00") {
		return ErrInvalidTopicFilter
	}

	levels := strings.Split(filter, separator)
	for i, level := range levels {
		if strings.Contains(level, "#") {
			if level != "#" || i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		}
		if strings.Contains(level, "+") && level != "+" {
			return ErrInvalidTopicFilter
		}
	}
	return nil
}
