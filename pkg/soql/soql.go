// Package soql guards values that are interpolated into query statements sent
// to the remote query service. The service exposes no parameter binding, so
// every literal must pass Validate and then be escaped with Escape.
package soql

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// safeLiteral is the only character class accepted for interpolated values:
// letters, digits, space, hyphen, ampersand, period and comma.
var safeLiteral = regexp.MustCompile(`^[A-Za-z0-9 \-&.,]+$`)

// ErrUnsafeLiteral is returned when a value contains characters outside the
// allowed class.
var ErrUnsafeLiteral = errors.New("value contains disallowed characters")

// ErrEmptyLiteral is returned for empty or whitespace-only values.
var ErrEmptyLiteral = errors.New("value is empty")

// Validate trims v and checks it against the safe character class.
func Validate(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", ErrEmptyLiteral
	}
	if !safeLiteral.MatchString(v) {
		return "", ErrUnsafeLiteral
	}
	return v, nil
}

var escaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// Escape backslash-escapes quote and backslash characters.
func Escape(v string) string {
	return escaper.Replace(v)
}

// Literal validates v and returns it escaped and wrapped in single quotes,
// ready for interpolation into a WHERE clause.
func Literal(v string) (string, error) {
	clean, err := Validate(v)
	if err != nil {
		return "", err
	}
	return "'" + Escape(clean) + "'", nil
}

// MustLiteral is Literal for compile-time constants. It panics on bad input.
func MustLiteral(v string) string {
	lit, err := Literal(v)
	if err != nil {
		panic(fmt.Sprintf("soql: %q: %v", v, err))
	}
	return lit
}
