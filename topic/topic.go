// Package topic validates MQTT topic names and filters and matches them.
//
// Filters follow MQTT 3.1.1: "+" matches exactly one level, "#" matches any
// number of trailing levels and must be the last level. Wildcards never match
// a first level starting with "$".
package topic

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	separator   = "/"
	singleLevel = "+"
	multiLevel  = "#"

	// MaxLength is the MQTT limit on topic strings.
	MaxLength = 65535
)

// ValidateName checks a topic name a message is published to.
func ValidateName(name string) error {
	if err := validateString(name); err != nil {
		return err
	}
	if strings.ContainsAny(name, singleLevel+multiLevel) {
		return fmt.Errorf("topic %q: wildcards not allowed in topic name", name)
	}
	return nil
}

// ValidateFilter checks a subscription filter.
func ValidateFilter(filter string) error {
	if err := validateString(filter); err != nil {
		return err
	}
	levels := strings.Split(filter, separator)
	for i, level := range levels {
		switch {
		case level == multiLevel:
			if i != len(levels)-1 {
				return fmt.Errorf("filter %q: %q must be the last level", filter, multiLevel)
			}
		case level == singleLevel:
		case strings.ContainsAny(level, singleLevel+multiLevel):
			return fmt.Errorf("filter %q: wildcard must occupy a whole level", filter)
		}
	}
	return nil
}

func validateString(s string) error {
	if s == "" {
		return fmt.Errorf("topic must not be empty")
	}
	if len(s) > MaxLength {
		return fmt.Errorf("topic exceeds %d bytes", MaxLength)
	}
	if !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
		return fmt.Errorf("topic %q: invalid characters", s)
	}
	return nil
}

// Match reports whether topic name matches filter. Both are assumed valid.
func Match(filter, name string) bool {
	if filter == name {
		return true
	}
	if strings.HasPrefix(name, "$") && (strings.HasPrefix(filter, singleLevel) || strings.HasPrefix(filter, multiLevel)) {
		return false
	}
	f := strings.Split(filter, separator)
	n := strings.Split(name, separator)
	for i, level := range f {
		if level == multiLevel {
			return true
		}
		if i >= len(n) {
			return false
		}
		if level != singleLevel && level != n[i] {
			return false
		}
	}
	return len(f) == len(n)
}
