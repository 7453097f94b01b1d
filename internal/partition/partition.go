// Package partition turns a context definition into per-instance record
// groups: it reads each source dataset, extracts the context key (directly or
// through an association dataset), and hands the keyed records to the dataset
// engine's grouping primitive.
package partition

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"cohorteval/internal/config"
	"cohorteval/internal/dataset"
)

// RecordGroup is every record belonging to one context instance.
type RecordGroup struct {
	Key     any
	Records []dataset.Record
	// ByType buckets Records by data type, preserving order.
	ByType map[string][]dataset.Record
}

// Shard is one unit of parallel work. Groups are materialized lazily.
type Shard struct {
	ID     int
	groups []dataset.Group
}

// Len returns the number of context instances in the shard.
func (s Shard) Len() int { return len(s.groups) }

// Groups yields the shard's record groups in key discovery order.
func (s Shard) Groups() iter.Seq[RecordGroup] {
	return func(yield func(RecordGroup) bool) {
		for _, g := range s.groups {
			if !yield(newRecordGroup(g)) {
				return
			}
		}
	}
}

func newRecordGroup(g dataset.Group) RecordGroup {
	byType := make(map[string][]dataset.Record)
	for _, r := range g.Records {
		byType[r.Type] = append(byType[r.Type], r)
	}
	return RecordGroup{Key: g.Key, Records: g.Records, ByType: byType}
}

// Stats summarizes one partitioning pass.
type Stats struct {
	Records   int // keyed records handed to grouping
	Dropped   int // records without a usable key
	Instances int // distinct context keys
}

// Partitioner groups the datasets of a context definition.
type Partitioner struct {
	Engine dataset.Engine
	// Shards is the number of shards to produce; values below 1 mean 1.
	Shards int
}

// Partition reads every source of def and returns its record groups spread
// over p.Shards shards. The key space is discovered from the input.
func (p *Partitioner) Partition(ctx context.Context, def config.ContextDefinition) ([]Shard, Stats, error) {
	var (
		pairs []dataset.Keyed
		st    Stats
	)
	for _, src := range def.Sources {
		keyed, dropped, err := p.keySource(ctx, def, src)
		if err != nil {
			return nil, st, err
		}
		pairs = append(pairs, keyed...)
		st.Dropped += dropped
	}

	grouped, dropped, err := dataset.GroupByKey(ctx, func(yield func(dataset.Keyed) bool) {
		for _, kr := range pairs {
			if !yield(kr) {
				return
			}
		}
	}, p.Shards)
	if err != nil {
		return nil, st, fmt.Errorf("partition %s: %w", def.Name, err)
	}
	st.Dropped += dropped
	st.Records = len(pairs) - dropped

	shards := make([]Shard, len(grouped))
	for i, g := range grouped {
		shards[i] = Shard{ID: i, groups: g}
		st.Instances += len(g)
	}
	if st.Dropped > 0 {
		slog.Warn("partition: dropped records without key", "context", def.Name, "dropped", st.Dropped)
	}
	slog.Info("partition: done", "context", def.Name, "records", st.Records, "instances", st.Instances, "shards", len(shards))
	return shards, st, nil
}

// keySource tags every record of src with its context key. Records whose key
// column is empty, or that no association row links to a context, are
// counted as dropped.
func (p *Partitioner) keySource(ctx context.Context, def config.ContextDefinition, src config.Source) ([]dataset.Keyed, int, error) {
	recs, err := p.Engine.Read(ctx, src.DataType)
	if err != nil {
		return nil, 0, fmt.Errorf("partition %s: read %s: %w", def.Name, src.DataType, err)
	}
	keyCol := def.KeyColumnFor(src)

	if src.Join == nil {
		out := make([]dataset.Keyed, 0, len(recs))
		for _, r := range recs {
			out = append(out, dataset.Keyed{Key: r.Get(keyCol), Record: r})
		}
		return out, 0, nil
	}

	links, err := p.Engine.Read(ctx, src.Join.DataType)
	if err != nil {
		return nil, 0, fmt.Errorf("partition %s: read join %s: %w", def.Name, src.Join.DataType, err)
	}
	// related key -> context keys, in association order
	related := make(map[string][]any, len(links))
	for _, l := range links {
		rk, ok := dataset.KeyString(l.Get(src.Join.RelatedKeyColumn))
		if !ok {
			continue
		}
		ck := l.Get(src.Join.ContextKeyColumn)
		if _, ok := dataset.KeyString(ck); !ok {
			continue
		}
		related[rk] = append(related[rk], ck)
	}

	var (
		out     []dataset.Keyed
		dropped int
	)
	for _, r := range recs {
		rk, ok := dataset.KeyString(r.Get(keyCol))
		if !ok || len(related[rk]) == 0 {
			dropped++
			continue
		}
		for _, ck := range related[rk] {
			out = append(out, dataset.Keyed{Key: ck, Record: r})
		}
	}
	return out, dropped, nil
}
