package energy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/maximugisha/smart-farm-power-control/internal/domain"
)

func reading(offsetSec int, powerW float64) domain.Reading {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return domain.Reading{
		DeviceID:  "pump-1",
		Timestamp: base.Add(time.Duration(offsetSec) * time.Second),
		PowerW:    powerW,
	}
}

func TestIntegrateEmptyAndSingle(t *testing.T) {
	assert.Zero(t, Integrate(nil))
	assert.Zero(t, Integrate([]domain.Reading{reading(0, 500)}))
}

func TestIntegrateTrapezoid(t *testing.T) {
	// 100W rising to 300W over one hour averages 200W: 0.2 kWh.
	readings := []domain.Reading{
		reading(0, 100),
		reading(3600, 300),
	}
	assert.InDelta(t, 0.2, Integrate(readings), 1e-9)
}

func TestIntegrateConstantPower(t *testing.T) {
	readings := []domain.Reading{
		reading(0, 1000),
		reading(1800, 1000),
		reading(3600, 1000),
	}
	assert.InDelta(t, 1.0, Integrate(readings), 1e-9)
}

func TestIntegrateSplitIsAdditive(t *testing.T) {
	all := []domain.Reading{
		reading(0, 120),
		reading(900, 340),
		reading(1800, 80),
		reading(2700, 410),
		reading(3600, 250),
	}

	whole := Integrate(all)
	// Splitting at a shared boundary reading must not change the total.
	left := Integrate(all[:3])
	right := Integrate(all[2:])
	assert.InDelta(t, whole, left+right, 1e-9)
}

func TestSortByTimestamp(t *testing.T) {
	readings := []domain.Reading{
		reading(3600, 300),
		reading(0, 100),
		reading(1800, 200),
	}
	SortByTimestamp(readings)

	assert.Equal(t, 100.0, readings[0].PowerW)
	assert.Equal(t, 200.0, readings[1].PowerW)
	assert.Equal(t, 300.0, readings[2].PowerW)
}

func TestWindowStatsEmpty(t *testing.T) {
	stats := WindowStats(nil)

	assert.Zero(t, stats.Count)
	assert.Zero(t, stats.AvgPowerW)
	assert.Zero(t, stats.MaxPowerW)
	assert.Zero(t, stats.MinPowerW)
	assert.Zero(t, stats.TotalEnergyKWh)
	assert.NotNil(t, stats.Readings)
	assert.Empty(t, stats.Readings)
}

func TestWindowStats(t *testing.T) {
	readings := []domain.Reading{
		reading(0, 100),
		reading(1800, 400),
		reading(3600, 100),
	}
	stats := WindowStats(readings)

	assert.Equal(t, 3, stats.Count)
	assert.InDelta(t, 200.0, stats.AvgPowerW, 1e-9)
	assert.Equal(t, 400.0, stats.MaxPowerW)
	assert.Equal(t, 100.0, stats.MinPowerW)
	assert.InDelta(t, 0.25, stats.TotalEnergyKWh, 1e-9)
	assert.Len(t, stats.Readings, 3)
}

func TestCost(t *testing.T) {
	rate := decimal.NewFromFloat(0.15)
	cost := Cost(2.5, rate)
	assert.True(t, cost.Equal(decimal.NewFromFloat(0.375)), "got %s", cost)

	assert.True(t, Cost(0, rate).IsZero())
}
