package command

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/rng-ops/infrasim/pkg/errkind"
	"github.com/rng-ops/infrasim/pkg/hypervisor"
	"github.com/rng-ops/infrasim/pkg/types"
)

// CreateSnapshotRequest describes a point-in-time capture of a Guest.
type CreateSnapshotRequest struct {
	GuestID       string
	Name          string
	IncludeMemory bool
	IncludeDisk   bool
}

// CreateSnapshot asks the Hypervisor Adapter to capture the guest, then
// digests the resulting disk image into the Artifact Store so Restore can
// later verify it wasn't tampered with or truncated.
func (s *Service) CreateSnapshot(ctx context.Context, req CreateSnapshotRequest) (*types.Snapshot, error) {
	var created *types.Snapshot
	err := instrument("snapshot.create", func() error {
		guest, err := s.store.GetGuest(req.GuestID)
		if err != nil {
			return err
		}
		if guest.ObservedState != types.GuestStateRunning && guest.ObservedState != types.GuestStatePaused {
			return errkind.Newf(errkind.Precondition, "guest %s must be running or paused to snapshot", guest.ID)
		}

		snap := &types.Snapshot{
			ID:            uuid.NewString(),
			GuestID:       guest.ID,
			Name:          req.Name,
			IncludeMemory: req.IncludeMemory,
			IncludeDisk:   req.IncludeDisk,
		}

		paths, err := s.adapter.Snapshot(ctx, guest.ID, hypervisor.SnapshotSpec{
			IncludeMemory: req.IncludeMemory,
			IncludeDisk:   req.IncludeDisk,
		})
		if err != nil {
			return err
		}
		for _, p := range paths {
			if req.IncludeDisk && snap.DiskPath == "" {
				snap.DiskPath = p
			} else if req.IncludeMemory && snap.MemoryPath == "" {
				snap.MemoryPath = p
			}
		}

		if s.artifacts != nil && snap.DiskPath != "" {
			f, err := os.Open(snap.DiskPath)
			if err != nil {
				return err
			}
			digest, err := s.artifacts.Put(f)
			f.Close()
			if err != nil {
				return err
			}
			snap.Digest = digest
		}
		snap.Complete = true

		if err := s.store.CreateSnapshot(snap); err != nil {
			return err
		}
		s.publish(types.KindSnapshot, types.ChangeOpCreate, snap.ID, "snapshot created")
		created = snap
		return nil
	})
	return created, err
}

func (s *Service) GetSnapshot(id string) (*types.Snapshot, error) {
	var snap *types.Snapshot
	err := instrument("snapshot.get", func() error {
		var err error
		snap, err = s.store.GetSnapshot(id)
		return err
	})
	return snap, err
}

func (s *Service) ListSnapshots(guestID string) ([]*types.Snapshot, error) {
	var snaps []*types.Snapshot
	err := instrument("snapshot.list", func() error {
		var err error
		if guestID != "" {
			snaps, err = s.store.ListSnapshotsByGuest(guestID)
		} else {
			snaps, err = s.store.ListSnapshots()
		}
		return err
	})
	return snaps, err
}

func (s *Service) DeleteSnapshot(id string) error {
	return instrument("snapshot.delete", func() error {
		if err := s.store.DeleteSnapshot(id); err != nil {
			return err
		}
		s.publish(types.KindSnapshot, types.ChangeOpDelete, id, "snapshot deleted")
		return nil
	})
}

// RestoreSnapshot verifies the snapshot's disk digest against the Artifact
// Store before asking the Hypervisor Adapter to load it, refusing a restore
// from a corrupted or tampered blob.
func (s *Service) RestoreSnapshot(ctx context.Context, id string) error {
	return instrument("snapshot.restore", func() error {
		snap, err := s.store.GetSnapshot(id)
		if err != nil {
			return err
		}
		if s.artifacts != nil && snap.Digest != "" {
			if err := s.artifacts.Verify(snap.Digest); err != nil {
				return errkind.New(errkind.Integrity, err)
			}
		}
		if err := s.adapter.Restore(ctx, snap.GuestID, hypervisor.SnapshotSpec{
			IncludeMemory: snap.IncludeMemory,
			IncludeDisk:   snap.IncludeDisk,
			DiskPath:      snap.DiskPath,
			MemoryPath:    snap.MemoryPath,
		}); err != nil {
			return err
		}
		s.publish(types.KindSnapshot, types.ChangeOpUpdate, id, "snapshot restored")
		return nil
	})
}
