// Package pricing implements the pure price transform engine: validation,
// the operate/constrain/round pipeline and its audit trace.
package pricing

import (
	"encoding/json"
	"fmt"
)

// Op is a transform operation.
type Op string

const (
	OpPercent  Op = "percent"
	OpAbsolute Op = "absolute"
	OpSet      Op = "set"
	OpMultiply Op = "multiply"
)

// RoundMode is a rounding policy applied after constraints.
type RoundMode string

const (
	RoundNone      RoundMode = "none"
	RoundUp        RoundMode = "up"
	RoundDown      RoundMode = "down"
	RoundNearest   RoundMode = "nearest"
	RoundNearest99 RoundMode = "nearest_99"
)

// DefaultPrecision is the decimal precision used when a transform does not
// set one, in decimal digits of the major currency unit.
const DefaultPrecision = 2

// Transform is a declarative price change. Value is in percent points for
// percent and in minor units for absolute/set; Factor is the multiplier for
// multiply. Floor and Ceiling are minor units. Immutable once attached to a
// run.
type Transform struct {
	Op        Op        `json:"op"`
	Value     *float64  `json:"value,omitempty"`
	Factor    *float64  `json:"factor,omitempty"`
	Floor     *int64    `json:"floor,omitempty"`
	Ceiling   *int64    `json:"ceiling,omitempty"`
	Round     RoundMode `json:"round,omitempty"`
	Precision *int      `json:"precision,omitempty"`
}

// ValidationError describes a malformed transform. It is always raised
// before a run is created, never at apply time.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid transform: %s: %s", e.Field, e.Message)
}

// Validate parses and validates a raw transform document.
func Validate(raw json.RawMessage) (Transform, error) {
	var t Transform
	if err := json.Unmarshal(raw, &t); err != nil {
		return Transform{}, &ValidationError{Field: "transform", Message: "not valid JSON"}
	}
	return t, t.validate()
}

func (t Transform) validate() error {
	switch t.Op {
	case OpPercent, OpAbsolute, OpSet:
		if t.Value == nil {
			return &ValidationError{Field: "value", Message: fmt.Sprintf("required for op %q", t.Op)}
		}
	case OpMultiply:
		if t.Factor == nil {
			return &ValidationError{Field: "factor", Message: `required for op "multiply"`}
		}
	default:
		return &ValidationError{Field: "op", Message: fmt.Sprintf("unknown op %q", t.Op)}
	}

	if t.Floor != nil && *t.Floor < 0 {
		return &ValidationError{Field: "floor", Message: "must be non-negative"}
	}
	if t.Ceiling != nil && *t.Ceiling < 0 {
		return &ValidationError{Field: "ceiling", Message: "must be non-negative"}
	}
	if t.Floor != nil && t.Ceiling != nil && *t.Floor > *t.Ceiling {
		return &ValidationError{Field: "floor", Message: "must not exceed ceiling"}
	}

	switch t.Round {
	case "", RoundNone, RoundUp, RoundDown, RoundNearest, RoundNearest99:
	default:
		return &ValidationError{Field: "round", Message: fmt.Sprintf("unknown mode %q", t.Round)}
	}
	if t.Precision != nil && *t.Precision < 0 {
		return &ValidationError{Field: "precision", Message: "must be non-negative"}
	}
	return nil
}

func (t Transform) precision() int {
	if t.Precision != nil {
		return *t.Precision
	}
	return DefaultPrecision
}
