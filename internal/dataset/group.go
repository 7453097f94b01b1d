package dataset

import (
	"context"
	"iter"

	"github.com/zeebo/xxh3"
)

// Keyed pairs a record with the context key it belongs to.
type Keyed struct {
	Key    any
	Record Record
}

// Group is every record sharing one key. Key is the first raw key value
// observed; Records keep input order.
type Group struct {
	Key     any
	Records []Record
}

// ShardOf returns the shard a normalized key lands in.
func ShardOf(key string, shards int) int {
	if shards <= 1 {
		return 0
	}
	return int(xxh3.HashString(key) % uint64(shards))
}

// GroupByKey groups pairs by normalized key and distributes the groups over
// shards by hash. Within a shard, groups appear in key discovery order. Pairs
// whose key normalizes to empty are skipped and counted in dropped.
func GroupByKey(ctx context.Context, pairs iter.Seq[Keyed], shards int) (out [][]Group, dropped int, err error) {
	if shards < 1 {
		shards = 1
	}
	out = make([][]Group, shards)
	// normalized key -> (shard, index within shard)
	type slot struct{ shard, idx int }
	index := map[string]slot{}

	n := 0
	for p := range pairs {
		n++
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, dropped, err
			}
		}
		k, ok := KeyString(p.Key)
		if !ok {
			dropped++
			continue
		}
		s, seen := index[k]
		if !seen {
			sh := ShardOf(k, shards)
			out[sh] = append(out[sh], Group{Key: p.Key})
			s = slot{shard: sh, idx: len(out[sh]) - 1}
			index[k] = s
		}
		g := &out[s.shard][s.idx]
		g.Records = append(g.Records, p.Record)
	}
	return out, dropped, ctx.Err()
}
