// Package topic validates MQTT topic names and filters and matches names
// against filters according to MQTT 3.1.1 Section 4.7.
package topic

import (
	"strings"
	"unicode/utf8"
)

const (
	// Separator is the topic level separator.
	Separator = '/'

	// MultiWildcard matches any number of levels (must be last).
	MultiWildcard = '#'

	// SingleWildcard matches exactly one level.
	SingleWildcard = '+'

	// SysPrefix is the prefix for server reserved topics such as $SYS.
	SysPrefix = '$'

	// MaxLength is the longest topic the wire format can carry.
	MaxLength = 65535
)

func checkCommon(s string) error {
	if len(s) == 0 {
		return ErrEmptyTopic
	}
	if len(s) > MaxLength {
		return ErrTopicTooLong
	}
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	if strings.IndexByte(s, 0) >= 0 {
		return ErrNullCharacter
	}
	return nil
}

// ValidateName validates a topic name used for publishing. Wildcards are not
// allowed in names.
func ValidateName(name string) error {
	if err := checkCommon(name); err != nil {
		return err
	}
	if strings.ContainsAny(name, "#+") {
		return ErrWildcardInName
	}
	return nil
}

// ValidateFilter validates a subscription filter. A '+' must occupy a whole
// level and a '#' must occupy the whole last level.
func ValidateFilter(filter string) error {
	if err := checkCommon(filter); err != nil {
		return err
	}

	rest := filter
	for {
		level, tail, more := strings.Cut(rest, string(Separator))
		if strings.IndexByte(level, MultiWildcard) >= 0 && (level != "#" || more) {
			return ErrInvalidMultiWildcard
		}
		if strings.IndexByte(level, SingleWildcard) >= 0 && level != "+" {
			return ErrInvalidSingleWildcard
		}
		if !more {
			return nil
		}
		rest = tail
	}
}

// Match reports whether the topic name matches the filter.
//
// '+' matches exactly one level, '#' matches the parent level and any number of
// child levels. Names that start with '$' are never matched by a filter whose
// first level is a wildcard.
func Match(filter, name string) bool {
	if len(filter) == 0 || len(name) == 0 {
		return false
	}
	if name[0] == SysPrefix && (filter[0] == MultiWildcard || filter[0] == SingleWildcard) {
		return false
	}

	for {
		f, fRest, fMore := strings.Cut(filter, string(Separator))
		if f == "#" {
			return true
		}
		n, nRest, nMore := strings.Cut(name, string(Separator))
		if f != "+" && f != n {
			return false
		}
		switch {
		case !fMore && !nMore:
			return true
		case !nMore:
			// "sport/#" matches "sport": the only remaining level may be '#'.
			return fRest == "#"
		case !fMore:
			return false
		}
		filter, name = fRest, nRest
	}
}

// Levels splits a topic into its constituent levels.
func Levels(topic string) []string {
	return strings.Split(topic, string(Separator))
}

// HasWildcard returns true if the filter contains any wildcard characters.
func HasWildcard(filter string) bool {
	return strings.ContainsAny(filter, "#+")
}

// IsSysTopic returns true if the topic name starts with $.
func IsSysTopic(name string) bool {
	return len(name) > 0 && name[0] == SysPrefix
}
