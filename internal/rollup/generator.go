// Package rollup produces periodic power summaries per device and farm-wide.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/maximugisha/smart-farm-power-control/internal/config"
	"github.com/maximugisha/smart-farm-power-control/internal/domain"
	"github.com/maximugisha/smart-farm-power-control/internal/energy"
)

// TxRunner executes a function inside a single storage transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx domain.Repository) error) error
}

// Generator computes power summaries. Each generation run is atomic: a
// failure on any device rolls back the entire run, so re-invocation after a
// crash is always safe.
type Generator struct {
	tx          TxRunner
	notifier    domain.Notifier
	defaultRate decimal.Decimal
	currency    string
	sendSMS     bool
	logger      zerolog.Logger
}

// NewGenerator creates a rollup generator. The default rate is the explicit
// configured fallback used when no EnergyRate covers the target date.
func NewGenerator(cfg *config.Config, tx TxRunner, notifier domain.Notifier) *Generator {
	return &Generator{
		tx:          tx,
		notifier:    notifier,
		defaultRate: decimal.NewFromFloat(cfg.Rates.DefaultRatePerKWh),
		currency:    cfg.Rates.Currency,
		sendSMS:     cfg.Rollup.SendSummarySMS,
		logger:      log.With().Str("component", "rollup").Logger(),
	}
}

// deviceTotal carries per-device results out of the transaction for the
// optional summary message.
type deviceTotal struct {
	device    domain.Device
	energyKWh float64
	cost      decimal.Decimal
}

// GenerateDailySummary builds daily summaries for every device with readings
// on the target date, plus one farm-wide row, and returns the number of
// summary rows written. Re-running for the same date replaces, never
// duplicates.
func (g *Generator) GenerateDailySummary(ctx context.Context, targetDate time.Time) (int, error) {
	day := startOfDay(targetDate)
	count, totals, err := g.generate(ctx, domain.SummaryDaily, day, day.AddDate(0, 0, 1))
	if err != nil {
		return 0, &domain.GenerationError{Date: day.Format("2006-01-02"), Err: err}
	}

	g.logger.Info().
		Str("date", day.Format("2006-01-02")).
		Int("summaries", count).
		Msg("Daily summary generation complete")

	if g.sendSMS {
		g.sendDailySummaries(ctx, totals)
	}
	return count, nil
}

// GenerateRangeSummary builds one summary row per device (plus farm-wide)
// over [start, end), keyed at start. Weekly and monthly rollups share this
// path with the daily generator.
func (g *Generator) GenerateRangeSummary(ctx context.Context, summaryType domain.SummaryType, start, end time.Time) (int, error) {
	count, _, err := g.generate(ctx, summaryType, startOfDay(start), end)
	if err != nil {
		return 0, &domain.GenerationError{Date: startOfDay(start).Format("2006-01-02"), Err: err}
	}
	return count, nil
}

func (g *Generator) generate(ctx context.Context, summaryType domain.SummaryType, start, end time.Time) (int, []deviceTotal, error) {
	var (
		count  int
		totals []deviceTotal
	)

	err := g.tx.WithTx(ctx, func(tx domain.Repository) error {
		count = 0
		totals = totals[:0]

		rate, err := g.resolveRate(ctx, tx, start)
		if err != nil {
			return err
		}

		devices, err := tx.ListDevices(ctx)
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}

		farmEnergy := 0.0
		farmPeak := 0.0
		farmCost := decimal.Zero

		for _, device := range devices {
			readings, err := tx.ReadingsBetween(ctx, device.DeviceID, start, end)
			if err != nil {
				return fmt.Errorf("readings for %s: %w", device.DeviceID, err)
			}
			if len(readings) == 0 {
				// Absence of data is not an error; no summary row.
				continue
			}

			stats := energy.WindowStats(readings)
			cost := energy.Cost(stats.TotalEnergyKWh, rate)

			deviceID := device.DeviceID
			if err := tx.UpsertSummary(ctx, domain.PowerSummary{
				DeviceID:       &deviceID,
				SummaryType:    summaryType,
				Date:           start,
				TotalEnergyKWh: stats.TotalEnergyKWh,
				PeakPowerW:     stats.MaxPowerW,
				AveragePowerW:  stats.AvgPowerW,
				CostEstimate:   cost,
			}); err != nil {
				return fmt.Errorf("upsert summary for %s: %w", device.DeviceID, err)
			}
			count++

			farmEnergy += stats.TotalEnergyKWh
			if stats.MaxPowerW > farmPeak {
				farmPeak = stats.MaxPowerW
			}
			farmCost = farmCost.Add(cost)

			totals = append(totals, deviceTotal{device: device, energyKWh: stats.TotalEnergyKWh, cost: cost})
		}

		// Farm-wide row: average power is not meaningful across devices and
		// is stored as zero.
		if err := tx.UpsertSummary(ctx, domain.PowerSummary{
			DeviceID:       nil,
			SummaryType:    summaryType,
			Date:           start,
			TotalEnergyKWh: farmEnergy,
			PeakPowerW:     farmPeak,
			AveragePowerW:  0,
			CostEstimate:   farmCost,
		}); err != nil {
			return fmt.Errorf("upsert farm summary: %w", err)
		}
		count++

		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return count, totals, nil
}

// resolveRate picks the tariff covering the target date, falling back to the
// configured default rate when none applies. Rollups always charge the flat
// per-kWh rate; time-of-use windows apply to intraday pricing only.
func (g *Generator) resolveRate(ctx context.Context, tx domain.Repository, at time.Time) (decimal.Decimal, error) {
	rate, err := tx.ActiveRate(ctx, at)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			g.logger.Debug().
				Time("date", at).
				Str("default_rate", g.defaultRate.String()).
				Msg("No energy rate covers date, using configured default")
			return g.defaultRate, nil
		}
		return decimal.Zero, fmt.Errorf("resolve energy rate: %w", err)
	}
	return rate.RatePerKWh, nil
}

// sendDailySummaries delivers per-account summary messages after a
// successful run. Delivery is best-effort and never fails the generation.
func (g *Generator) sendDailySummaries(ctx context.Context, totals []deviceTotal) {
	byAccount := make(map[string][]deviceTotal)
	for _, t := range totals {
		byAccount[t.device.AccountID] = append(byAccount[t.device.AccountID], t)
	}

	for accountID, accountTotals := range byAccount {
		totalEnergy := 0.0
		totalCost := decimal.Zero
		for _, t := range accountTotals {
			totalEnergy += t.energyKWh
			totalCost = totalCost.Add(t.cost)
		}

		sort.Slice(accountTotals, func(i, j int) bool {
			return accountTotals[i].energyKWh > accountTotals[j].energyKWh
		})
		top := accountTotals
		if len(top) > 3 {
			top = top[:3]
		}
		names := make([]string, 0, len(top))
		for _, t := range top {
			names = append(names, fmt.Sprintf("%s: %.2fkWh", t.device.Name, t.energyKWh))
		}

		message := fmt.Sprintf("Daily Power Summary: Total usage: %.2fkWh. Estimated cost: %s %s. Top consumers: %s",
			totalEnergy, g.currency, totalCost.StringFixed(2), strings.Join(names, ", "))

		if err := g.notifier.SendPush(ctx, accountID, "Daily Power Summary", message); err != nil {
			g.logger.Warn().Err(err).Str("account_id", accountID).Msg("Daily summary push failed")
		}
	}
}

// startOfDay truncates to midnight in t's own location, so the scheduler's
// local clock and the generated day bounds agree.
func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
