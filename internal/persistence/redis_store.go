package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/MimeLyc/docbatch/internal/jobs"
)

const (
	defaultRedisPrefix = "docbatch:"
	mgetChunk          = 100
)

// RedisStore keeps each job as one JSON value and its creation order in a
// sorted set scored by an insertion sequence.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ jobs.Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// NewRedisStoreFromURL parses a redis:// URL and verifies the connection.
func NewRedisStoreFromURL(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(rdb, prefix), nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Save(ctx context.Context, job *jobs.Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}

	var seq int64
	isNew := false
	if err := s.rdb.ZScore(ctx, s.indexKey(), job.ID).Err(); err != nil {
		if !errors.Is(err, redis.Nil) {
			return err
		}
		isNew = true
		if seq, err = s.rdb.Incr(ctx, s.seqKey()).Result(); err != nil {
			return err
		}
	}

	tx := s.rdb.TxPipeline()
	tx.Set(ctx, s.jobKey(job.ID), payload, 0)
	if isNew {
		tx.ZAddNX(ctx, s.indexKey(), redis.Z{Score: float64(seq), Member: job.ID})
	}
	_, err = tx.Exec(ctx)
	return err
}

func (s *RedisStore) Load(ctx context.Context, id string) (*jobs.Job, error) {
	data, err := s.rdb.Get(ctx, s.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(id)
		}
		return nil, err
	}
	return decodeJob(data)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	tx := s.rdb.TxPipeline()
	del := tx.Del(ctx, s.jobKey(id))
	tx.ZRem(ctx, s.indexKey(), id)
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return notFound(id)
	}
	return nil
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]*jobs.Job, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	ret := make([]*jobs.Job, 0, len(ids))
	for start := 0; start < len(ids); start += mgetChunk {
		end := min(start+mgetChunk, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, s.jobKey(id))
		}
		values, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				// Deleted between ZRANGE and MGET.
				continue
			}
			job, err := decodeJob([]byte(raw))
			if err != nil {
				return nil, err
			}
			ret = append(ret, job)
		}
	}
	return ret, nil
}

func (s *RedisStore) List(ctx context.Context, filter jobs.ListFilter) ([]*jobs.Job, int, error) {
	all, err := s.LoadAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	page, total := jobs.FilterJobs(all, filter)
	return page, total, nil
}

func (s *RedisStore) jobKey(id string) string {
	return s.prefix + "job:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "jobs"
}

func (s *RedisStore) seqKey() string {
	return s.prefix + "seq"
}
