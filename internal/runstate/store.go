// Package runstate tracks which tasks are currently executing for a user,
// backed by Redis. Viewers use it to attach to runs that are already in
// flight instead of launching duplicates. Entirely optional: clients
// without Redis configured simply skip attach discovery.
package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 24 * time.Hour

// Record is the value stored per running task.
type Record struct {
	TaskID    string    `json:"task_id"`
	RunID     string    `json:"run_id"`
	TaskName  string    `json:"task_name"`
	StartedAt time.Time `json:"started_at"`
}

type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(redisURL string, ttl time.Duration) (*Store, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{client: client, ttl: ttl}, nil
}

func runKey(userID, taskName string) string {
	return fmt.Sprintf("run:%s:%s", userID, taskName)
}

// MarkRunning records that taskName is executing for userID.
func (s *Store) MarkRunning(ctx context.Context, userID string, rec Record) error {
	if s == nil || s.client == nil {
		return nil
	}
	if strings.TrimSpace(userID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(rec.TaskName) == "" {
		return errors.New("task name is required")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, runKey(userID, rec.TaskName), data, s.ttl).Err()
}

// ClearRunning drops the record for taskName.
func (s *Store) ClearRunning(ctx context.Context, userID, taskName string) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Del(ctx, runKey(userID, taskName)).Err()
}

// Lookup returns the record for taskName if it is currently marked
// running.
func (s *Store) Lookup(ctx context.Context, userID, taskName string) (Record, bool, error) {
	if s == nil || s.client == nil {
		return Record{}, false, nil
	}
	data, err := s.client.Get(ctx, runKey(userID, taskName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("corrupt run record for %s: %w", taskName, err)
	}
	return rec, true, nil
}

// ListRunning returns every run currently marked for userID.
func (s *Store) ListRunning(ctx context.Context, userID string) ([]Record, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	pattern := runKey(userID, "*")
	var out []Record
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return out, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// SweepStale deletes records older than maxAge even if their TTL has been
// refreshed since. Returns the number of records removed.
func (s *Store) SweepStale(ctx context.Context, userID string, maxAge time.Duration) (int, error) {
	if s == nil || s.client == nil || maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	iter := s.client.Scan(ctx, 0, runKey(userID, "*"), 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || rec.StartedAt.Before(cutoff) {
			if delErr := s.client.Del(ctx, key).Err(); delErr == nil {
				removed++
			}
		}
	}
	return removed, iter.Err()
}

func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
