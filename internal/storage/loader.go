package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cohorteval/internal/evaluator"
)

// LoadBatches drains results from in, groups them into batches of batchSize,
// and hands each non-empty batch to w. It returns the total number of rows
// written and the first error. It does not close w.
//
// Cancellation: returns (total, ctx.Err()) when canceled. Progress is logged
// on each successful flush.
func LoadBatches(ctx context.Context, in <-chan evaluator.EvaluationResult, batchSize int, w Writer) (int64, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("batchSize must be > 0")
	}
	if w == nil {
		return 0, fmt.Errorf("writer must not be nil")
	}

	var (
		total       int64
		batches     int64
		batch       = make([]evaluator.EvaluationResult, 0, batchSize)
		start       = time.Now()
		lastFlushTS = start
		lastTotal   int64
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := w.Write(ctx, batch)
		total += n
		batch = batch[:0]
		if err != nil {
			slog.Error("loader: write failed", "written", n, "total", total, "err", err)
			return err
		}

		batches++
		now := time.Now()
		sinceLast := now.Sub(lastFlushTS)
		rps := float64(0)
		if sinceLast > 0 {
			rps = float64(total-lastTotal) / sinceLast.Seconds()
		}
		slog.Debug("loader: batch",
			"batch", batches,
			"rps", int64(rps),
			"written", n,
			"total", total,
			"elapsed", now.Sub(start).Truncate(time.Millisecond),
		)
		lastFlushTS = now
		lastTotal = total
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()

		case row, ok := <-in:
			if !ok {
				if err := flush(); err != nil {
					return total, err
				}
				slog.Info("loader: input closed", "batches", batches, "total", total)
				return total, nil
			}
			batch = append(batch, row)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return total, err
				}
			}
		}
	}
}
