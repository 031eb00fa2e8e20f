package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fletchtrade/fletcher/internal/domain"
)

// archiveBatchSize bounds how many rows one archive object holds.
const archiveBatchSize = 1000

// TradeArchiveSource is the store surface the archiver drains trades from.
type TradeArchiveSource interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TradeResult, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// OpportunityArchiveSource is the store surface the archiver drains
// opportunities from.
type OpportunityArchiveSource interface {
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.ArbitrageOpportunity, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BalancePruner trims old balance truth rows. They carry no analytical
// value, so they are pruned rather than archived.
type BalancePruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) error
}

// BlobWriter uploads one archive batch as newline-delimited JSON.
type BlobWriter interface {
	PutJSONLines(ctx context.Context, key string, lines [][]byte) error
}

// Archiver moves aged trade and opportunity rows from Postgres to S3 cold
// storage under date-partitioned keys, then deletes them. Rows are only
// deleted after their batch uploaded, so a failed run leaves data in the
// database rather than losing it.
type Archiver struct {
	trades        TradeArchiveSource
	opportunities OpportunityArchiveSource
	balances      BalancePruner
	blob          BlobWriter
	retentionDays int
	logger        *slog.Logger
}

// NewArchiver creates an Archiver; retentionDays <= 0 defaults to 30.
func NewArchiver(trades TradeArchiveSource, opportunities OpportunityArchiveSource, balances BalancePruner, blob BlobWriter, retentionDays int, logger *slog.Logger) *Archiver {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Archiver{
		trades:        trades,
		opportunities: opportunities,
		balances:      balances,
		blob:          blob,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive pass over everything older than the
// retention window.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.Info("archive run started",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	tradeCount, err := a.archiveTrades(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving trades before %v: %w", cutoff, err)
	}

	oppCount, err := a.archiveOpportunities(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving opportunities before %v: %w", cutoff, err)
	}

	if err := a.balances.PruneBefore(ctx, cutoff); err != nil {
		return fmt.Errorf("pruning balance truth before %v: %w", cutoff, err)
	}

	a.logger.Info("archive run complete",
		slog.Int64("trades_archived", tradeCount),
		slog.Int64("opportunities_archived", oppCount),
	)
	return nil
}

func (a *Archiver) archiveTrades(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		batch, err := a.trades.ListBefore(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		lines := make([][]byte, 0, len(batch))
		for _, tr := range batch {
			line, err := json.Marshal(tr)
			if err != nil {
				return total, fmt.Errorf("marshal trade %s: %w", tr.OpportunityID, err)
			}
			lines = append(lines, line)
		}

		key := archiveKey("trades", batch[0].CompletedAt)
		if err := a.blob.PutJSONLines(ctx, key, lines); err != nil {
			return total, err
		}

		// Delete only what this batch provably covers. The final, short
		// batch clears everything up to the cutoff.
		deleteTo := cutoff
		if len(batch) == archiveBatchSize {
			deleteTo = batch[len(batch)-1].CompletedAt.Add(time.Microsecond)
		}
		n, err := a.trades.DeleteBefore(ctx, deleteTo)
		if err != nil {
			return total, err
		}
		total += n
		if len(batch) < archiveBatchSize {
			return total, nil
		}
	}
}

func (a *Archiver) archiveOpportunities(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		batch, err := a.opportunities.ListBefore(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		lines := make([][]byte, 0, len(batch))
		for _, opp := range batch {
			line, err := json.Marshal(opp)
			if err != nil {
				return total, fmt.Errorf("marshal opportunity %s: %w", opp.ID, err)
			}
			lines = append(lines, line)
		}

		key := archiveKey("opportunities", batch[0].DetectedAt)
		if err := a.blob.PutJSONLines(ctx, key, lines); err != nil {
			return total, err
		}

		deleteTo := cutoff
		if len(batch) == archiveBatchSize {
			deleteTo = batch[len(batch)-1].DetectedAt.Add(time.Microsecond)
		}
		n, err := a.opportunities.DeleteBefore(ctx, deleteTo)
		if err != nil {
			return total, err
		}
		total += n
		if len(batch) < archiveBatchSize {
			return total, nil
		}
	}
}

// archiveKey builds a date-partitioned object key from the batch's oldest
// row.
func archiveKey(kind string, oldest time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s-%d.jsonl",
		kind, oldest.UTC().Format("2006/01/02"), kind, time.Now().UnixMilli())
}

// RunCron runs the archiver on a standard 5-field cron schedule
// ("minute hour day-of-month month day-of-week") until the context is
// cancelled. "0 3 * * *" runs daily at 03:00 UTC.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField is one parsed schedule field.
type cronField struct {
	wildcard bool
	values   []int
}

func (f cronField) matches(val int) bool {
	if f.wildcard {
		return true
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField parses a single field: "*", a number, or a comma list.
func parseCronField(field string) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	parts := strings.Split(field, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

type cronSchedule struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

func (c cronSchedule) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

func parseCron(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	var sched cronSchedule
	var err error
	for i, dst := range []*cronField{
		&sched.minute, &sched.hour, &sched.dayOfMonth, &sched.month, &sched.dayOfWeek,
	} {
		if *dst, err = parseCronField(fields[i]); err != nil {
			return cronSchedule{}, fmt.Errorf("parsing cron field %d: %w", i, err)
		}
	}
	return sched, nil
}

// nextCronTime finds the first minute boundary after 'after' matching the
// schedule, scanning up to one year ahead.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if sched.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}
