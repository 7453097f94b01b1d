// Package csv streams delimited text files into field maps keyed by the
// (canonicalized) header names.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"cohorteval/internal/config"
)

// StreamRecords streams CSV rows from src as map[string]any keyed by header.
// src is closed when the function returns.
//
// Options (all optional):
//   - comma (string; first rune used; default ',')
//   - trim_space (bool; default true)
//   - lazy_quotes (bool; default false)
//   - header_map (object; source header -> field name)
//   - fold_headers (bool; default false) lowercases and strips accents from
//     headers not covered by header_map
//
// Empty cells become nil so missing values and empty strings look the same
// to key extraction. onErr(line, err) receives row-level read errors; those
// rows are skipped.
func StreamRecords(
	ctx context.Context,
	src io.ReadCloser,
	opt config.Options,
	out chan<- map[string]any,
	onErr func(line int, err error),
) error {
	defer src.Close()

	trim := opt.Bool("trim_space", true)

	cr := csv.NewReader(src)
	cr.Comma = opt.Rune("comma", ',')
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	line := 1
	hdr, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("csv: read header: %w", err)
	}
	headers := canonicalHeaders(hdr, opt.StringMap("header_map"), opt.Bool("fold_headers", false))

	const logEveryN = 50_000
	emitted := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := cr.Read()
		line++
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}

		fields := make(map[string]any, len(headers))
		for i, h := range headers {
			if i >= len(rec) {
				fields[h] = nil
				continue
			}
			v := rec[i]
			if trim {
				v = strings.TrimSpace(v)
			}
			if v == "" {
				fields[h] = nil
			} else {
				fields[h] = v
			}
		}

		select {
		case out <- fields:
			emitted++
			if emitted%logEveryN == 0 {
				slog.Debug("reader: progress", "line", line, "emitted", emitted)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
