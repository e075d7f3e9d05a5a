package mqttclient

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	topicSeparator      = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'

	// maxTopicLength is the largest UTF-8 encoded string a packet can carry.
	maxTopicLength = 65535
)

// ValidateTopicName validates a topic name used for PUBLISH.
// Topic names cannot contain wildcards and must be valid UTF-8.
// MQTT 3.1.1 spec: Section 4.7.3
func ValidateTopicName(topic string) error {
	if err := validateTopicString(topic); err != nil {
		return err
	}

	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcard in topic name %q", ErrInvalidTopic, topic)
	}

	return nil
}

// ValidateTopicFilter validates a topic filter used for SUBSCRIBE and
// UNSUBSCRIBE. Wildcards must occupy a whole level and '#' must be last.
// MQTT 3.1.1 spec: Section 4.7.1
func ValidateTopicFilter(filter string) error {
	if err := validateTopicString(filter); err != nil {
		return err
	}

	levels := strings.Split(filter, string(topicSeparator))
	for i, level := range levels {
		if strings.ContainsRune(level, singleLevelWildcard) && level != string(singleLevelWildcard) {
			return fmt.Errorf("%w: '+' must occupy a whole level in %q", ErrInvalidTopic, filter)
		}

		if strings.ContainsRune(level, multiLevelWildcard) {
			if level != string(multiLevelWildcard) || i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, filter)
			}
		}
	}

	return nil
}

func validateTopicString(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidTopic, maxTopicLength)
	}
	if !utf8.ValidString(topic) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidTopic)
	}
	if strings.IndexByte(topic, 0) >= 0 {
		return fmt.Errorf("%w: contains null character", ErrInvalidTopic)
	}
	return nil
}

// TopicMatch checks if a topic name matches a topic filter.
// Topics starting with '$' are not matched by a leading wildcard.
// MQTT 3.1.1 spec: Section 4.7.2
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	if topic[0] == '$' {
		if filter[0] == singleLevelWildcard || filter[0] == multiLevelWildcard {
			return false
		}
	}

	return matchTopicNoAlloc(filter, topic)
}

// matchTopicNoAlloc matches topic against filter without allocations.
// An index past the end of a string marks that it has no levels left.
func matchTopicNoAlloc(filter, topic string) bool {
	fi, ti := 0, 0
	flen, tlen := len(filter), len(topic)

	for fi <= flen {
		fstart := fi
		for fi < flen && filter[fi] != topicSeparator {
			fi++
		}
		flevel := filter[fstart:fi]

		// "sport/#" also matches "sport"
		if flevel == "#" {
			return true
		}

		if ti > tlen {
			return false
		}

		tstart := ti
		for ti < tlen && topic[ti] != topicSeparator {
			ti++
		}
		tlevel := topic[tstart:ti]

		if flevel != "+" && flevel != tlevel {
			return false
		}

		fi++
		ti++
	}

	return ti > tlen
}

// IsSystemTopic returns true if the topic is a system topic ($SYS/).
func IsSystemTopic(topic string) bool {
	return strings.HasPrefix(topic, "$SYS/") || topic == "$SYS"
}
