package formulas

import (
	"github.com/markcheno/go-talib"
)

// CalculateRSI computes the Relative Strength Index over closes using the
// standard Wilder length (14 by default). Returns nil if there isn't enough
// history to seed the indicator.
func CalculateRSI(closes []float64, length int) *float64 {
	if length <= 0 {
		length = 14
	}
	if len(closes) <= length {
		return nil
	}

	rsi := talib.Rsi(closes, length)
	last := rsi[len(rsi)-1]
	return &last
}
