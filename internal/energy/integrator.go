// Package energy computes energy consumption and power statistics from
// sequences of readings. All functions are pure and side-effect free.
package energy

import (
	"sort"

	"github.com/maximugisha/smart-farm-power-control/internal/domain"
	"github.com/shopspring/decimal"
)

// Integrate computes energy in kWh over an ascending-by-timestamp sequence of
// readings using the trapezoidal rule. Zero or one reading yields 0.
//
// Callers must sort the input first (SortByTimestamp); the integrator assumes
// ascending order. Gaps larger than the true sampling interval systematically
// underestimate energy; that bias is kept for compatibility with historical
// rollups.
func Integrate(readings []domain.Reading) float64 {
	if len(readings) < 2 {
		return 0
	}

	total := 0.0
	for i := 1; i < len(readings); i++ {
		dtHours := readings[i].Timestamp.Sub(readings[i-1].Timestamp).Hours()
		avgPowerW := (readings[i-1].PowerW + readings[i].PowerW) / 2
		total += avgPowerW * dtHours / 1000
	}
	return total
}

// SortByTimestamp orders readings ascending by timestamp in place.
func SortByTimestamp(readings []domain.Reading) {
	sort.Slice(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})
}

// Stats summarizes power draw over a window of readings.
type Stats struct {
	Count          int              `json:"total_readings"`
	AvgPowerW      float64          `json:"average_power"`
	MaxPowerW      float64          `json:"max_power"`
	MinPowerW      float64          `json:"min_power"`
	TotalEnergyKWh float64          `json:"total_energy"`
	Readings       []domain.Reading `json:"readings"`
}

// WindowStats computes count/avg/max/min over PowerW plus integrated energy.
// An empty window is a valid outcome and yields zero-valued stats, not an
// error. Input must already be ordered by timestamp.
func WindowStats(readings []domain.Reading) Stats {
	if len(readings) == 0 {
		return Stats{Readings: []domain.Reading{}}
	}

	sum := 0.0
	maxP := readings[0].PowerW
	minP := readings[0].PowerW
	for _, r := range readings {
		sum += r.PowerW
		if r.PowerW > maxP {
			maxP = r.PowerW
		}
		if r.PowerW < minP {
			minP = r.PowerW
		}
	}

	return Stats{
		Count:          len(readings),
		AvgPowerW:      sum / float64(len(readings)),
		MaxPowerW:      maxP,
		MinPowerW:      minP,
		TotalEnergyKWh: Integrate(readings),
		Readings:       readings,
	}
}

// Cost prices an energy quantity at the given per-kWh rate.
func Cost(energyKWh float64, ratePerKWh decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(energyKWh).Mul(ratePerKWh)
}
