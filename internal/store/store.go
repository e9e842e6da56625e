// Package store persists Lab rows and port reservations in a single bbolt
// database, bucket-per-entity, JSON-value shape grounded on pkg/storage's
// boltdb.go. bbolt has no native row-locking equivalent to
// SELECT...FOR UPDATE SKIP LOCKED, so ClaimLab implements the same "exactly
// one worker owns this row" guarantee as a single read-modify-write
// transaction instead.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/google/uuid"
	"github.com/octolab-io/octolab/internal/orcherr"
	"github.com/octolab-io/octolab/internal/types"
)

var (
	bucketLabs             = []byte("labs")
	bucketPortReservations = []byte("port_reservations")
)

// PortRange is the inclusive range a reservation must fall within.
type PortRange struct {
	Min int
	Max int
}

type portReservation struct {
	Port    int    `json:"port"`
	LabID   string `json:"lab_id"`
	OwnerID string `json:"owner_id"`
}

// Store is the bbolt-backed persistence layer.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt database at dbPath and
// ensures both buckets exist.
func Open(dbPath string) (*Store, error) {
	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLabs, bucketPortReservations} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("store: creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	return os.MkdirAll(dir, 0o700)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateLab inserts a new lab row. Labs are keyed by their UUID.
func (s *Store) CreateLab(lab *types.Lab) error {
	return s.putLab(lab)
}

// UpdateLab is an upsert: "update == create" for a bucket keyed by id.
func (s *Store) UpdateLab(lab *types.Lab) error {
	return s.putLab(lab)
}

// Flush writes lab to the bucket without any higher-level commit hook —
// the evidence subsystem's reconciliation path calls this explicitly,
// matching the "flush, not commit" phrasing the design documents it
// against.
func (s *Store) Flush(lab *types.Lab) error {
	return s.putLab(lab)
}

func (s *Store) putLab(lab *types.Lab) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabs)
		data, err := json.Marshal(lab)
		if err != nil {
			return err
		}
		return b.Put(labKey(lab.ID), data)
	})
}

func labKey(id uuid.UUID) []byte {
	return []byte(id.String())
}

// GetLab fetches a lab by id regardless of owner. Callers needing
// owner-scoping should use GetLabForOwner.
func (s *Store) GetLab(id uuid.UUID) (*types.Lab, error) {
	var lab types.Lab
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabs)
		data := b.Get(labKey(id))
		if data == nil {
			return orcherr.ErrNotFound
		}
		return json.Unmarshal(data, &lab)
	})
	if err != nil {
		return nil, err
	}
	return &lab, nil
}

// GetLabForOwner fetches a lab by id, returning ErrNotFound (never a
// distinct "forbidden" error) when the row belongs to a different owner —
// the owner-or-404 rule used throughout this package.
func (s *Store) GetLabForOwner(ownerID string, id uuid.UUID) (*types.Lab, error) {
	lab, err := s.GetLab(id)
	if err != nil {
		return nil, err
	}
	if lab.OwnerID != ownerID {
		return nil, orcherr.ErrNotFound
	}
	return lab, nil
}

// ListActiveForOwner returns labs for ownerID that count against quota.
func (s *Store) ListActiveForOwner(ownerID string) ([]*types.Lab, error) {
	var out []*types.Lab
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabs)
		return b.ForEach(func(_, v []byte) error {
			var lab types.Lab
			if err := json.Unmarshal(v, &lab); err != nil {
				return err
			}
			if lab.OwnerID == ownerID && lab.ActiveForQuota() {
				out = append(out, &lab)
			}
			return nil
		})
	})
	return out, err
}

// ListAllForOwner returns every lab ownerID has ever created, including
// terminal ones, newest-CreatedAt-first — the backing query for the list
// endpoint, as distinct from ListActiveForOwner's quota-scoped subset.
func (s *Store) ListAllForOwner(ownerID string) ([]*types.Lab, error) {
	var out []*types.Lab
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabs)
		return b.ForEach(func(_, v []byte) error {
			var lab types.Lab
			if err := json.Unmarshal(v, &lab); err != nil {
				return err
			}
			if lab.OwnerID == ownerID {
				out = append(out, &lab)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListEnding returns up to limit labs in ENDING status, unclaimed or with a
// stale claim, ordered oldest-UpdatedAt-first — the bbolt equivalent of
// `SELECT ... WHERE status='ENDING' ORDER BY updated_at LIMIT n FOR UPDATE
// SKIP LOCKED`.
func (s *Store) ListEnding(staleAfter time.Duration, limit int) ([]*types.Lab, error) {
	return s.listByStatus(types.StatusEnding, staleAfter, limit, false)
}

// ListStuckEnding returns ENDING labs that have been in that status for
// longer than age, regardless of claim state — used by the watchdog.
func (s *Store) ListStuckEnding(age time.Duration, limit int) ([]*types.Lab, error) {
	return s.listByStatus(types.StatusEnding, age, limit, true)
}

func (s *Store) listByStatus(status types.Status, staleAfter time.Duration, limit int, useAgeNotClaim bool) ([]*types.Lab, error) {
	var all []*types.Lab
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabs)
		return b.ForEach(func(_, v []byte) error {
			var lab types.Lab
			if err := json.Unmarshal(v, &lab); err != nil {
				return err
			}
			if lab.Status != status {
				return nil
			}
			if useAgeNotClaim {
				if staleAfter > 0 && time.Since(lab.UpdatedAt) < staleAfter {
					return nil
				}
			} else {
				claimed := lab.ClaimedBy != "" && lab.ClaimedAt != nil && time.Since(*lab.ClaimedAt) < staleAfterOrDefault(staleAfter)
				if claimed {
					return nil
				}
			}
			cp := lab
			all = append(all, &cp)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.Before(all[j].UpdatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func staleAfterOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// ClaimLab attempts to claim lab id for workerToken. It succeeds only if
// the row is unclaimed or its existing claim is older than staleAfter. On
// success it returns the updated lab and true; otherwise (nil, false, nil).
func (s *Store) ClaimLab(id uuid.UUID, workerToken string, staleAfter time.Duration) (*types.Lab, bool, error) {
	var claimed *types.Lab
	var ok bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabs)
		data := b.Get(labKey(id))
		if data == nil {
			return orcherr.ErrNotFound
		}
		var lab types.Lab
		if err := json.Unmarshal(data, &lab); err != nil {
			return err
		}
		if lab.ClaimedBy != "" && lab.ClaimedAt != nil && time.Since(*lab.ClaimedAt) < staleAfterOrDefault(staleAfter) {
			ok = false
			return nil
		}
		now := time.Now()
		lab.ClaimedBy = workerToken
		lab.ClaimedAt = &now
		newData, err := json.Marshal(&lab)
		if err != nil {
			return err
		}
		if err := b.Put(labKey(id), newData); err != nil {
			return err
		}
		ok = true
		claimed = &lab
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return claimed, ok, nil
}

// ReleaseLab clears a lab's claim fields.
func (s *Store) ReleaseLab(id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLabs)
		data := b.Get(labKey(id))
		if data == nil {
			return orcherr.ErrNotFound
		}
		var lab types.Lab
		if err := json.Unmarshal(data, &lab); err != nil {
			return err
		}
		lab.ClaimedBy = ""
		lab.ClaimedAt = nil
		newData, err := json.Marshal(&lab)
		if err != nil {
			return err
		}
		return b.Put(labKey(id), newData)
	})
}

// ReservePort atomically finds a free port in r not already reserved for
// any other (owner,lab) and reserves it for (ownerID, labID).
func (s *Store) ReservePort(ownerID, labID string, r PortRange) (int, error) {
	var port int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPortReservations)
		taken := make(map[int]bool)
		if err := b.ForEach(func(_, v []byte) error {
			var res portReservation
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			taken[res.Port] = true
			return nil
		}); err != nil {
			return err
		}
		for p := r.Min; p <= r.Max; p++ {
			if !taken[p] {
				port = p
				break
			}
		}
		if port == 0 {
			return orcherr.New(orcherr.ErrPoolExhausted, "no free port in configured range", map[string]any{"min": r.Min, "max": r.Max})
		}
		res := portReservation{Port: port, LabID: labID, OwnerID: ownerID}
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return b.Put(portReservationKey(ownerID, labID), data)
	})
	if err != nil {
		return 0, err
	}
	return port, nil
}

// ReleasePort releases a reservation. Calling it twice for the same
// (ownerID, labID) is a no-op the second time.
func (s *Store) ReleasePort(ownerID, labID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPortReservations)
		return b.Delete(portReservationKey(ownerID, labID))
	})
}

func portReservationKey(ownerID, labID string) []byte {
	return []byte(ownerID + "/" + labID)
}
