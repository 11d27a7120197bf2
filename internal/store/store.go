// Package store provides durable persistence for one run: the task
// DAG's status/attempt/result fields, approval states, and each event
// subscriber's last-acknowledged watermark, so a crashed process can
// resume a run instead of losing its progress. One BoltDB bucket per
// record family, JSON encoding, and a read-through memory cache for the
// hot run records.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/ids"
)

var (
	bucketRuns       = []byte("runs")
	bucketApprovals  = []byte("approvals")
	bucketWatermarks = []byte("watermarks")
)

// Store persists run state across process restarts.
type Store struct {
	db  *bbolt.DB
	mu  sync.RWMutex
	runCache map[ids.SessionId]*domain.DAG

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates or reopens the BoltDB file at dbPath and prepares its
// buckets. meter may be nil, in which case no metrics are recorded.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second}
	db, err := bbolt.Open(dbPath, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketApprovals, bucketWatermarks} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &Store{db: db, runCache: make(map[ids.SessionId]*domain.DAG)}
	if meter != nil {
		s.readLatency, _ = meter.Float64Histogram("taskforge_store_read_ms")
		s.writeLatency, _ = meter.Float64Histogram("taskforge_store_write_ms")
		s.cacheHits, _ = meter.Int64Counter("taskforge_store_cache_hits_total")
		s.cacheMisses, _ = meter.Int64Counter("taskforge_store_cache_misses_total")
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) timeWrite(ctx context.Context, op string, start time.Time) {
	if s.writeLatency != nil {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
	}
}

func (s *Store) timeRead(ctx context.Context, op string, start time.Time) {
	if s.readLatency != nil {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
	}
}

// PutRun persists the current state of dag for session, overwriting any
// prior snapshot.
func (s *Store) PutRun(ctx context.Context, session ids.SessionId, dag *domain.DAG) error {
	start := time.Now()
	defer s.timeWrite(ctx, "put_run", start)

	data, err := json.Marshal(dag)
	if err != nil {
		return fmt.Errorf("marshal dag: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(session), data)
	})
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	s.runCache[session] = dag
	return nil
}

// GetRun retrieves the persisted DAG for session, if any.
func (s *Store) GetRun(ctx context.Context, session ids.SessionId) (*domain.DAG, bool, error) {
	start := time.Now()
	defer s.timeRead(ctx, "get_run", start)

	s.mu.RLock()
	if dag, ok := s.runCache[session]; ok {
		s.mu.RUnlock()
		s.hit(ctx, "run")
		return dag, true, nil
	}
	s.mu.RUnlock()
	s.miss(ctx, "run")

	var dag domain.DAG
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(session))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &dag)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read run: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	s.mu.Lock()
	s.runCache[session] = &dag
	s.mu.Unlock()
	return &dag, true, nil
}

// DeleteRun removes a run's persisted state once it completes.
func (s *Store) DeleteRun(ctx context.Context, session ids.SessionId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runCache, session)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Delete([]byte(session))
	})
}

// PutApproval persists one ApprovalState, keyed by its ID.
func (s *Store) PutApproval(ctx context.Context, state domain.ApprovalState) error {
	start := time.Now()
	defer s.timeWrite(ctx, "put_approval", start)

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketApprovals).Put([]byte(state.ID), data)
	})
}

// GetApproval retrieves a persisted ApprovalState by id.
func (s *Store) GetApproval(ctx context.Context, id ids.ApprovalId) (domain.ApprovalState, bool, error) {
	start := time.Now()
	defer s.timeRead(ctx, "get_approval", start)

	var st domain.ApprovalState
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketApprovals).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return domain.ApprovalState{}, false, fmt.Errorf("read approval: %w", err)
	}
	return st, found, nil
}

// PutWatermark records the event sequence number a session's consumer
// resumes from (one past the last event it has processed), so Subscribe
// can resume from it after a restart instead of replaying from zero.
func (s *Store) PutWatermark(ctx context.Context, session ids.SessionId, seq uint64) error {
	start := time.Now()
	defer s.timeWrite(ctx, "put_watermark", start)

	buf := []byte(fmt.Sprintf("%d", seq))
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWatermarks).Put([]byte(session), buf)
	})
}

// GetWatermark returns the last persisted watermark for session, or 0 if
// none has been recorded yet.
func (s *Store) GetWatermark(ctx context.Context, session ids.SessionId) (uint64, error) {
	start := time.Now()
	defer s.timeRead(ctx, "get_watermark", start)

	var seq uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWatermarks).Get([]byte(session))
		if data == nil {
			return nil
		}
		_, err := fmt.Sscanf(string(data), "%d", &seq)
		return err
	})
	return seq, err
}

func (s *Store) hit(ctx context.Context, kind string) {
	if s.cacheHits != nil {
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
	}
}

func (s *Store) miss(ctx context.Context, kind string) {
	if s.cacheMisses != nil {
		s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind)))
	}
}
