package mesh

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const shardQueueSize = 256

// ShardedAggregator runs the per-key fold concurrently. Events are routed to
// workers by key so each worker sees its keys' events in stream order and no
// state crosses workers. Rows are merged once every stream is exhausted.
type ShardedAggregator struct {
	cfg     AggregatorConfig
	workers int
}

// NewShardedAggregator returns an aggregator with the given worker count. A
// non-positive count uses GOMAXPROCS.
func NewShardedAggregator(cfg AggregatorConfig, workers int) (*ShardedAggregator, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &ShardedAggregator{cfg: cfg, workers: workers}, nil
}

// Workers reports the worker count.
func (s *ShardedAggregator) Workers() int { return s.workers }

// Aggregate drains src and returns the merged, sorted table.
func (s *ShardedAggregator) Aggregate(ctx context.Context, src EventSource) (*ResultTable, error) {
	if s.workers == 1 {
		table, err := Aggregate(ctx, s.cfg, src)
		if err != nil {
			return nil, err
		}
		table.Sort()
		return table, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	queues := make([]chan MembershipEvent, s.workers)
	tables := make([]*ResultTable, s.workers)
	for i := range queues {
		queues[i] = make(chan MembershipEvent, shardQueueSize)
	}

	for i := 0; i < s.workers; i++ {
		i := i
		g.Go(func() error {
			agg, err := NewAggregator(s.cfg)
			if err != nil {
				return err
			}
			for ev := range queues[i] {
				if err := agg.Add(ev); err != nil {
					return err
				}
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			table, err := agg.Finish()
			if err != nil {
				return err
			}
			tables[i] = table
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			ev, err := src.NextEvent(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			q := queues[s.shard(ev.Key(s.cfg.KeyByTopic))]
			select {
			case q <- ev:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := NewResultTable()
	for _, table := range tables {
		for _, row := range table.Rows() {
			if err := merged.Append(row); err != nil {
				return nil, err
			}
		}
	}
	merged.Sort()
	return merged, nil
}

func (s *ShardedAggregator) shard(key MeshKey) int {
	h := fnv.New64a()
	var buf [8]byte
	v := uint64(key.Owner)
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(key.Topic))
	return int(h.Sum64() % uint64(s.workers))
}
