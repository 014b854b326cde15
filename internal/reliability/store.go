// Package reliability implements the append-only key-value checkpoint the
// rest of sysmasterd uses to persist every durable object (unit record,
// job record, last-frame marker) across a restart of the manager itself.
// Every other component publishes through the db_map/db_insert/
// entry_coldplug/entry_clear hooks this package exposes; its own on-disk
// format is opaque to callers and only needs to round-trip exactly.
package reliability

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/sysmasterd/internal/metrics"
)

var (
	bucketUnits = []byte("units")
	bucketJobs  = []byte("jobs")
	bucketMeta  = []byte("meta")
)

const lastFrameKey = "last_frame"

// ServiceRecord is the persisted tuple for a service UnitEntry, per the
// database layout: (state, result, main_pid, control_pid, main_cmd_cursor,
// control_cmd_kind, control_cmd_cursor, notify_state, forbid_restart,
// reset_restart, restarts, exit_status, monitor).
type ServiceRecord struct {
	State             string `json:"state"`
	Result            string `json:"result"`
	MainPid           int    `json:"main_pid"`
	ControlPid        int    `json:"control_pid"`
	MainCmdCursor     int    `json:"main_cmd_cursor"`
	ControlCmdKind    string `json:"control_cmd_kind"`
	ControlCmdCursor  int    `json:"control_cmd_cursor"`
	NotifyState       string `json:"notify_state"`
	ForbidRestart     bool   `json:"forbid_restart"`
	ResetRestart      bool   `json:"reset_restart"`
	Restarts          int    `json:"restarts"`
	ExitStatus        int    `json:"exit_status"`
	Monitor           string `json:"monitor"`
	MainIsAlien       bool   `json:"main_is_alien"`
	StartLimitWindow  []int64 `json:"start_limit_window"` // unix-nano timestamps of recent Condition entries
}

// JobRecord is the persisted tuple for a Job.
type JobRecord struct {
	ID     string `json:"id"`
	UnitID string `json:"unit_id"`
	Kind   string `json:"kind"`
	Mode   string `json:"mode"`
	Phase  string `json:"phase"`
	Result string `json:"result"`
}

// Store is the bbolt-backed implementation of the reliability contract.
type Store struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// Open creates or reopens the checkpoint database under dataDir.
func Open(dataDir string, logger zerolog.Logger) (*Store, error) {
	dbPath := filepath.Join(dataDir, "sysmasterd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("reliability: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketUnits, bucketJobs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger.With().Str("component", "reliability").Logger()}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// DbInsertService is the db_insert hook for a service UnitEntry: it
// persists rec keyed by unitID, upserting any prior record.
func (s *Store) DbInsertService(unitID string, rec ServiceRecord) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReliabilityWriteDuration)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("reliability: marshal service record for %s: %w", unitID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUnits).Put([]byte(unitID), data)
	})
}

// DbMapService is the db_map hook: it reads back whatever DbInsertService
// last wrote for unitID, used by entry_coldplug to repopulate runtime
// state after a restart of sysmasterd itself. The bool return is false
// when no record exists (first boot, or a transient unit never
// checkpointed).
func (s *Store) DbMapService(unitID string) (ServiceRecord, bool, error) {
	var rec ServiceRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUnits).Get([]byte(unitID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

// EntryClear is the entry_clear hook: it removes every persisted record
// for unitID (service record and any jobs still indexed under it), called
// when a transient unit is finally destroyed.
func (s *Store) EntryClear(unitID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketUnits).Delete([]byte(unitID)); err != nil {
			return err
		}
		jobs := tx.Bucket(bucketJobs)
		var stale [][]byte
		err := jobs.ForEach(func(k, v []byte) error {
			var rec JobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.UnitID == unitID {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := jobs.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// DbInsertJob persists a job record keyed by its id.
func (s *Store) DbInsertJob(rec JobRecord) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReliabilityWriteDuration)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("reliability: marshal job record %s: %w", rec.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(rec.ID), data)
	})
}

// DbMapJob reads back a job record by id.
func (s *Store) DbMapJob(id string) (JobRecord, bool, error) {
	var rec JobRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

// DeleteJob removes a job record, called on completion.
func (s *Store) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// ListJobs returns every persisted job record, used during coldplug to
// re-arm in-flight jobs.
func (s *Store) ListJobs() ([]JobRecord, error) {
	var out []JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var rec JobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// SetLastFrame records the most recently durably-processed event-loop
// frame counter, so a restart can detect how stale its coldplug data is.
func (s *Store) SetLastFrame(frame uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte(lastFrameKey), data)
	})
}

// LastFrame returns the last checkpointed frame counter, or 0 if none.
func (s *Store) LastFrame() (uint64, error) {
	var frame uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte(lastFrameKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &frame)
	})
	return frame, err
}
