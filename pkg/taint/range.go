package taint

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Sentinel range validation errors.
var (
	ErrNegativeStart = errors.New("range start must not be negative")
	ErrEmptyRange    = errors.New("range length must be positive")
	ErrUnknownOrigin = errors.New("unknown origin")
)

// Origin identifies the kind of untrusted input a value came from.
type Origin uint8

// Source origins.
const (
	OriginUnknown Origin = iota
	OriginParameter
	OriginParameterName
	OriginHeader
	OriginHeaderName
	OriginCookie
	OriginCookieName
	OriginBody
	OriginPath
	OriginPathParameter
	OriginMatrixParameter
	OriginQuery
	OriginJSON
	OriginGRPCBody
	OriginKafkaKey
	OriginKafkaValue
)

var originNames = [...]string{
	OriginUnknown:         "unknown",
	OriginParameter:       "http.request.parameter",
	OriginParameterName:   "http.request.parameter.name",
	OriginHeader:          "http.request.header",
	OriginHeaderName:      "http.request.header.name",
	OriginCookie:          "http.request.cookie.value",
	OriginCookieName:      "http.request.cookie.name",
	OriginBody:            "http.request.body",
	OriginPath:            "http.request.path",
	OriginPathParameter:   "http.request.path.parameter",
	OriginMatrixParameter: "http.request.matrix.parameter",
	OriginQuery:           "http.request.query",
	OriginJSON:            "http.request.json",
	OriginGRPCBody:        "grpc.request.body",
	OriginKafkaKey:        "kafka.message.key",
	OriginKafkaValue:      "kafka.message.value",
}

func (o Origin) String() string {
	if int(o) < len(originNames) {
		return originNames[o]
	}

	return fmt.Sprintf("origin(%d)", uint8(o))
}

// MarshalText encodes the origin by name.
func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an origin name produced by MarshalText.
func (o *Origin) UnmarshalText(text []byte) error {
	for i, name := range originNames {
		if name == string(text) {
			*o = Origin(i)

			return nil
		}
	}

	return fmt.Errorf("%w: %q", ErrUnknownOrigin, text)
}

// Named maps a value origin to the origin of its name, e.g. a parameter value
// to the parameter name. Origins without a name counterpart map to themselves.
func (o Origin) Named() Origin {
	switch o {
	case OriginParameter:
		return OriginParameterName
	case OriginHeader:
		return OriginHeaderName
	case OriginCookie:
		return OriginCookieName
	default:
		return o
	}
}

// Source describes where a tainted value came from.
//
// Value must not share memory with the tracked allocation: an entry holds its
// ranges strongly, so an aliasing Value would keep the allocation alive forever.
type Source struct {
	Origin Origin `json:"origin" yaml:"origin"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	Value  string `json:"value,omitempty" yaml:"value,omitempty"`
}

// NewSource builds a source whose name and value are detached copies.
func NewSource(origin Origin, name, value string) Source {
	return Source{Origin: origin, Name: strings.Clone(name), Value: strings.Clone(value)}
}

func (s Source) String() string {
	return fmt.Sprintf("%s(%s)", s.Origin, s.Name)
}

// Mark is a set of vulnerability types a range has been sanitized for.
type Mark uint32

// NotMarked is the mark set of a range no sanitizer has seen.
const NotMarked Mark = 0

// Vulnerability marks.
const (
	XSSMark Mark = 1 << iota
	SQLInjectionMark
	CommandInjectionMark
	PathTraversalMark
	LDAPInjectionMark
	SSRFMark
	UnvalidatedRedirectMark
	XPathInjectionMark
	HeaderInjectionMark
)

// Has reports whether every bit of other is set.
func (m Mark) Has(other Mark) bool { return m&other == other }

// Range is an immutable tainted span of a tracked value.
type Range struct {
	Start  int    `json:"start" yaml:"start"`
	Length int    `json:"length" yaml:"length"`
	Source Source `json:"source" yaml:"source"`
	Marks  Mark   `json:"marks,omitempty" yaml:"marks,omitempty"`
}

// NewRange validates and creates a range.
func NewRange(start, length int, source Source, marks Mark) (Range, error) {
	if start < 0 {
		return Range{}, fmt.Errorf("%w: %d", ErrNegativeStart, start)
	}

	if length <= 0 {
		return Range{}, fmt.Errorf("%w: %d", ErrEmptyRange, length)
	}

	return Range{Start: start, Length: length, Source: source, Marks: marks}, nil
}

// End returns the exclusive end offset.
func (r Range) End() int { return r.Start + r.Length }

// Contains reports whether offset i falls inside the range.
func (r Range) Contains(i int) bool { return i >= r.Start && i < r.End() }

// Shift returns a copy moved by offset. Shifting never produces a negative
// start; the span is clipped instead, and ok is false if nothing is left.
func (r Range) Shift(offset int) (shifted Range, ok bool) {
	start := r.Start + offset
	length := r.Length

	if start < 0 {
		length += start
		start = 0
	}

	if length <= 0 {
		return Range{}, false
	}

	return Range{Start: start, Length: length, Source: r.Source, Marks: r.Marks}, true
}

// ForString returns a single range covering all of s, or nil for an empty s.
func ForString(s string, source Source, marks Mark) []Range {
	if s == "" {
		return nil
	}

	return []Range{{Start: 0, Length: len(s), Source: source, Marks: marks}}
}

// ForObject returns a single unbounded range for values without textual
// content, where only the presence of taint matters.
func ForObject(source Source, marks Mark) []Range {
	return []Range{{Start: 0, Length: math.MaxInt, Source: source, Marks: marks}}
}

// HighestPriority returns the first unmarked range, or the first range when
// every range carries a mark. ok is false for an empty slice.
func HighestPriority(ranges []Range) (Range, bool) {
	if len(ranges) == 0 {
		return Range{}, false
	}

	for _, r := range ranges {
		if r.Marks == NotMarked {
			return r, true
		}
	}

	return ranges[0], true
}
