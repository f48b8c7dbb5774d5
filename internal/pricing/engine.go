package pricing

import (
	"math"

	"github.com/priceops/repricer/internal/domain"
)

// UnchangedReason is set on a result whose final price equals the input.
const UnchangedReason = "Price unchanged after transform"

// Constraints records the floor/ceiling in force and which of them fired,
// in firing order, as "floor:<v>" / "ceiling:<v>" strings.
type Constraints struct {
	Floor   *int64   `json:"floor,omitempty"`
	Ceiling *int64   `json:"ceiling,omitempty"`
	Applied []string `json:"applied"`
}

// Trace explains how a transform's output was derived. It is reproducible
// byte for byte from the same snapshot and transform.
type Trace struct {
	Operation         string      `json:"operation"`
	InputPrice        int64       `json:"input_price"`
	IntermediatePrice float64     `json:"intermediate_price"`
	Constraints       Constraints `json:"constraints"`
	FinalPrice        int64       `json:"final_price"`
}

// Result is the outcome of applying a transform to a snapshot.
type Result struct {
	Before  domain.PriceSnapshot `json:"before"`
	After   domain.PriceSnapshot `json:"after"`
	Applied bool                 `json:"applied"`
	Reason  string               `json:"reason,omitempty"`
	Trace   Trace                `json:"trace"`
}

// Apply computes the transform against a snapshot. Pure: no I/O, no state,
// identical inputs always yield an identical result. The transform must have
// passed Validate.
func Apply(snapshot domain.PriceSnapshot, t Transform) Result {
	input := snapshot.UnitAmount

	raw := operate(float64(input), t)
	constrained, fired := constrain(raw, t.Floor, t.Ceiling)
	rounded := roundPrice(constrained, t)
	final := int64(math.Round(rounded))

	after := snapshot
	after.UnitAmount = final

	result := Result{
		Before:  snapshot,
		After:   after,
		Applied: abs64(final-input) >= 1,
		Trace: Trace{
			Operation:         string(t.Op),
			InputPrice:        input,
			IntermediatePrice: raw,
			Constraints: Constraints{
				Floor:   t.Floor,
				Ceiling: t.Ceiling,
				Applied: fired,
			},
			FinalPrice: final,
		},
	}
	if !result.Applied {
		result.Reason = UnchangedReason
	}
	return result
}

func operate(price float64, t Transform) float64 {
	switch t.Op {
	case OpPercent:
		return price * (1 + *t.Value/100)
	case OpAbsolute:
		return price + *t.Value
	case OpSet:
		return *t.Value
	case OpMultiply:
		return price * *t.Factor
	}
	// Unreachable for a validated transform.
	return price
}
