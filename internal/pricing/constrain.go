package pricing

import (
	"fmt"
	"math"
)

// minorPerMajor is the number of minor units in one major unit. The engine
// assumes a 2-decimal currency throughout.
const minorPerMajor = 100

// constrain enforces floor then ceiling, returning the constrained price and
// the constraints that fired, in firing order.
func constrain(price float64, floor, ceiling *int64) (float64, []string) {
	fired := []string{}
	if floor != nil && price < float64(*floor) {
		price = float64(*floor)
		fired = append(fired, fmt.Sprintf("floor:%d", *floor))
	}
	if ceiling != nil && price > float64(*ceiling) {
		price = float64(*ceiling)
		fired = append(fired, fmt.Sprintf("ceiling:%d", *ceiling))
	}
	return price, fired
}

// roundPrice applies the transform's rounding mode. Prices are minor units;
// precision counts decimal digits of the major unit, so precision 0 rounds to
// whole currency units and precision 2 to single minor units. nearest_99 is
// the promotional policy: down to the whole unit, plus 99 minor units,
// ignoring precision.
func roundPrice(price float64, t Transform) float64 {
	switch t.Round {
	case "", RoundNone:
		return price
	case RoundNearest99:
		return math.Floor(price/minorPerMajor)*minorPerMajor + (minorPerMajor - 1)
	}

	scale := minorPerMajor / math.Pow(10, float64(t.precision()))
	if scale <= 1 {
		// At or beyond minor-unit resolution there is nothing left to round
		// before finalization.
		return price
	}
	switch t.Round {
	case RoundUp:
		return math.Ceil(price/scale) * scale
	case RoundDown:
		return math.Floor(price/scale) * scale
	case RoundNearest:
		return math.Round(price/scale) * scale
	}
	return price
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
