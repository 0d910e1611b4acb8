package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/rng-ops/infrasim/pkg/errkind"
	"github.com/rng-ops/infrasim/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNetworks    = []byte("networks")
	bucketVolumes     = []byte("volumes")
	bucketGuests      = []byte("guests")
	bucketSnapshots   = []byte("snapshots")
	bucketAttestation = []byte("attestations")
	bucketChangelog   = []byte("changelog")
)

// BoltStore implements Store on top of an embedded bbolt database, one
// bucket per resource kind plus a changelog bucket, adapted from the
// bucket-per-kind convention of the teacher's BoltStore.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) state.db under dataDir and
// ensures every bucket exists, idempotently, in a single transaction.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "state.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNetworks, bucketVolumes, bucketGuests, bucketSnapshots, bucketAttestation, bucketChangelog} {
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

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// seqKey encodes a changelog sequence number as a fixed-width big-endian
// key so bucket iteration order matches numeric seq order.
func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

// appendChange writes one changelog entry inside tx, assigning it the next
// sequence number via the changelog bucket's own monotonic counter.
func appendChange(tx *bolt.Tx, kind types.ResourceKind, op types.ChangeOp, id string, before, after []byte) error {
	cl := tx.Bucket(bucketChangelog)
	seq, err := cl.NextSequence()
	if err != nil {
		return fmt.Errorf("allocate changelog seq: %w", err)
	}

	record := types.ChangeRecord{
		Seq:    seq,
		ID:     id,
		Kind:   kind,
		Op:     op,
		Before: before,
		After:  after,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal changelog record: %w", err)
	}
	return cl.Put(seqKey(seq), data)
}

// --- Networks ---

func (s *BoltStore) CreateNetwork(n *types.Network) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		if b.Get([]byte(n.ID)) != nil {
			return errkind.Newf(errkind.Conflict, "network already exists: %s", n.ID)
		}
		n.Version = 1
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(n.ID), data); err != nil {
			return err
		}
		return appendChange(tx, types.KindNetwork, types.ChangeOpCreate, n.ID, nil, data)
	})
}

func (s *BoltStore) GetNetwork(id string) (*types.Network, error) {
	var n types.Network
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNetworks).Get([]byte(id))
		if data == nil {
			return errkind.Newf(errkind.NotFound, "network not found: %s", id)
		}
		return json.Unmarshal(data, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) ListNetworks() ([]*types.Network, error) {
	var out []*types.Network
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNetworks).ForEach(func(_, v []byte) error {
			var n types.Network
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, &n)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateNetwork(n *types.Network, expectedVersion uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		before := b.Get([]byte(n.ID))
		if before == nil {
			return errkind.Newf(errkind.NotFound, "network not found: %s", n.ID)
		}
		var current types.Network
		if err := json.Unmarshal(before, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return errkind.Newf(errkind.Conflict, "stale version for network %s: have %d, expected %d", n.ID, current.Version, expectedVersion)
		}
		n.Version = current.Version + 1
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		beforeCopy := append([]byte(nil), before...)
		if err := b.Put([]byte(n.ID), data); err != nil {
			return err
		}
		return appendChange(tx, types.KindNetwork, types.ChangeOpUpdate, n.ID, beforeCopy, data)
	})
}

func (s *BoltStore) DeleteNetwork(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNetworks)
		before := b.Get([]byte(id))
		if before == nil {
			return errkind.Newf(errkind.NotFound, "network not found: %s", id)
		}
		beforeCopy := append([]byte(nil), before...)
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return appendChange(tx, types.KindNetwork, types.ChangeOpDelete, id, beforeCopy, nil)
	})
}

// --- Volumes ---

func (s *BoltStore) CreateVolume(v *types.Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		if b.Get([]byte(v.ID)) != nil {
			return errkind.Newf(errkind.Conflict, "volume already exists: %s", v.ID)
		}
		v.Version = 1
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(v.ID), data); err != nil {
			return err
		}
		return appendChange(tx, types.KindVolume, types.ChangeOpCreate, v.ID, nil, data)
	})
}

func (s *BoltStore) GetVolume(id string) (*types.Volume, error) {
	var v types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVolumes).Get([]byte(id))
		if data == nil {
			return errkind.Newf(errkind.NotFound, "volume not found: %s", id)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) ListVolumes() ([]*types.Volume, error) {
	var out []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(_, v []byte) error {
			var vol types.Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return err
			}
			out = append(out, &vol)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateVolume(v *types.Volume, expectedVersion uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		before := b.Get([]byte(v.ID))
		if before == nil {
			return errkind.Newf(errkind.NotFound, "volume not found: %s", v.ID)
		}
		var current types.Volume
		if err := json.Unmarshal(before, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return errkind.Newf(errkind.Conflict, "stale version for volume %s: have %d, expected %d", v.ID, current.Version, expectedVersion)
		}
		if current.Immutable() {
			return errkind.Newf(errkind.Precondition, "volume %s is immutable (verified source volume)", v.ID)
		}
		v.Version = current.Version + 1
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		beforeCopy := append([]byte(nil), before...)
		if err := b.Put([]byte(v.ID), data); err != nil {
			return err
		}
		return appendChange(tx, types.KindVolume, types.ChangeOpUpdate, v.ID, beforeCopy, data)
	})
}

func (s *BoltStore) DeleteVolume(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		before := b.Get([]byte(id))
		if before == nil {
			return errkind.Newf(errkind.NotFound, "volume not found: %s", id)
		}
		beforeCopy := append([]byte(nil), before...)
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return appendChange(tx, types.KindVolume, types.ChangeOpDelete, id, beforeCopy, nil)
	})
}

// --- Guests ---

func (s *BoltStore) CreateGuest(g *types.Guest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGuests)
		if b.Get([]byte(g.ID)) != nil {
			return errkind.Newf(errkind.Conflict, "guest already exists: %s", g.ID)
		}
		g.Version = 1
		g.Generation = 1
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(g.ID), data); err != nil {
			return err
		}
		return appendChange(tx, types.KindGuest, types.ChangeOpCreate, g.ID, nil, data)
	})
}

func (s *BoltStore) GetGuest(id string) (*types.Guest, error) {
	var g types.Guest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGuests).Get([]byte(id))
		if data == nil {
			return errkind.Newf(errkind.NotFound, "guest not found: %s", id)
		}
		return json.Unmarshal(data, &g)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *BoltStore) ListGuests() ([]*types.Guest, error) {
	var out []*types.Guest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGuests).ForEach(func(_, v []byte) error {
			var g types.Guest
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			out = append(out, &g)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateGuest(g *types.Guest, expectedVersion uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGuests)
		before := b.Get([]byte(g.ID))
		if before == nil {
			return errkind.Newf(errkind.NotFound, "guest not found: %s", g.ID)
		}
		var current types.Guest
		if err := json.Unmarshal(before, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return errkind.Newf(errkind.Conflict, "stale version for guest %s: have %d, expected %d", g.ID, current.Version, expectedVersion)
		}
		g.Version = current.Version + 1
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		beforeCopy := append([]byte(nil), before...)
		if err := b.Put([]byte(g.ID), data); err != nil {
			return err
		}
		return appendChange(tx, types.KindGuest, types.ChangeOpUpdate, g.ID, beforeCopy, data)
	})
}

func (s *BoltStore) DeleteGuest(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGuests)
		before := b.Get([]byte(id))
		if before == nil {
			return errkind.Newf(errkind.NotFound, "guest not found: %s", id)
		}
		beforeCopy := append([]byte(nil), before...)
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return appendChange(tx, types.KindGuest, types.ChangeOpDelete, id, beforeCopy, nil)
	})
}

// --- Snapshots ---

func (s *BoltStore) CreateSnapshot(snap *types.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if b.Get([]byte(snap.ID)) != nil {
			return errkind.Newf(errkind.Conflict, "snapshot already exists: %s", snap.ID)
		}
		snap.Version = 1
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(snap.ID), data); err != nil {
			return err
		}
		return appendChange(tx, types.KindSnapshot, types.ChangeOpCreate, snap.ID, nil, data)
	})
}

func (s *BoltStore) GetSnapshot(id string) (*types.Snapshot, error) {
	var snap types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(id))
		if data == nil {
			return errkind.Newf(errkind.NotFound, "snapshot not found: %s", id)
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BoltStore) ListSnapshots() ([]*types.Snapshot, error) {
	var out []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(_, v []byte) error {
			var snap types.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			out = append(out, &snap)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListSnapshotsByGuest(guestID string) ([]*types.Snapshot, error) {
	all, err := s.ListSnapshots()
	if err != nil {
		return nil, err
	}
	var out []*types.Snapshot
	for _, snap := range all {
		if snap.GuestID == guestID {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateSnapshot(snap *types.Snapshot, expectedVersion uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		before := b.Get([]byte(snap.ID))
		if before == nil {
			return errkind.Newf(errkind.NotFound, "snapshot not found: %s", snap.ID)
		}
		var current types.Snapshot
		if err := json.Unmarshal(before, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return errkind.Newf(errkind.Conflict, "stale version for snapshot %s: have %d, expected %d", snap.ID, current.Version, expectedVersion)
		}
		if current.Complete {
			return errkind.Newf(errkind.Precondition, "snapshot %s is complete and immutable", snap.ID)
		}
		snap.Version = current.Version + 1
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		beforeCopy := append([]byte(nil), before...)
		if err := b.Put([]byte(snap.ID), data); err != nil {
			return err
		}
		return appendChange(tx, types.KindSnapshot, types.ChangeOpUpdate, snap.ID, beforeCopy, data)
	})
}

func (s *BoltStore) DeleteSnapshot(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		before := b.Get([]byte(id))
		if before == nil {
			return errkind.Newf(errkind.NotFound, "snapshot not found: %s", id)
		}
		beforeCopy := append([]byte(nil), before...)
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return appendChange(tx, types.KindSnapshot, types.ChangeOpDelete, id, beforeCopy, nil)
	})
}

// --- Attestation records (append-only) ---

func (s *BoltStore) CreateAttestation(a *types.AttestationRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttestation)
		if b.Get([]byte(a.ID)) != nil {
			return errkind.Newf(errkind.Conflict, "attestation already exists: %s", a.ID)
		}
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(a.ID), data); err != nil {
			return err
		}
		return appendChange(tx, types.KindAttestation, types.ChangeOpCreate, a.ID, nil, data)
	})
}

func (s *BoltStore) GetAttestation(id string) (*types.AttestationRecord, error) {
	var a types.AttestationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAttestation).Get([]byte(id))
		if data == nil {
			return errkind.Newf(errkind.NotFound, "attestation not found: %s", id)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListAttestationsByGuest(guestID string) ([]*types.AttestationRecord, error) {
	var out []*types.AttestationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttestation).ForEach(func(_, v []byte) error {
			var a types.AttestationRecord
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.GuestID == guestID {
				out = append(out, &a)
			}
			return nil
		})
	})
	return out, err
}

// --- Changelog ---

func (s *BoltStore) ChangesSince(since uint64) ([]*types.ChangeRecord, error) {
	var out []*types.ChangeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChangelog).Cursor()
		for k, v := c.Seek(seqKey(since + 1)); k != nil; k, v = c.Next() {
			var rec types.ChangeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) LatestSeq() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		seq = tx.Bucket(bucketChangelog).Sequence()
		return nil
	})
	return seq, err
}
