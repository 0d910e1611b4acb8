package command

import (
	"io"

	"github.com/google/uuid"
	"github.com/rng-ops/infrasim/pkg/errkind"
	"github.com/rng-ops/infrasim/pkg/types"
)

// CreateVolumeRequest describes a new Volume. Supplying ID makes the create
// idempotent. A volume created without SourceDigest is a blank disk and is
// Verified immediately; one created with SourceDigest is unverified until
// the reconciler confirms the blob's digest against the Artifact Store.
type CreateVolumeRequest struct {
	ID           string
	Name         string
	Kind         types.VolumeKind
	Format       types.VolumeFormat
	DeclaredSize int64
	SourceDigest string
	LocalPath    string
}

func (s *Service) CreateVolume(req CreateVolumeRequest) (*types.Volume, error) {
	var created *types.Volume
	err := instrument("volume.create", func() error {
		if req.ID != "" {
			if existing, err := s.store.GetVolume(req.ID); err == nil {
				created = existing
				return nil
			}
		}
		if req.Name == "" {
			return errkind.Newf(errkind.Validation, "volume name is required")
		}
		id := req.ID
		if id == "" {
			id = uuid.NewString()
		}
		vol := &types.Volume{
			ID:           id,
			Name:         req.Name,
			Kind:         req.Kind,
			Format:       req.Format,
			DeclaredSize: req.DeclaredSize,
			SourceDigest: req.SourceDigest,
			LocalPath:    req.LocalPath,
			Verified:     req.SourceDigest == "",
		}
		if err := s.store.CreateVolume(vol); err != nil {
			return err
		}
		s.publish(types.KindVolume, types.ChangeOpCreate, vol.ID, "volume created")
		if !vol.Verified {
			s.wake()
		}
		created = vol
		return nil
	})
	return created, err
}

func (s *Service) GetVolume(id string) (*types.Volume, error) {
	var vol *types.Volume
	err := instrument("volume.get", func() error {
		var err error
		vol, err = s.store.GetVolume(id)
		return err
	})
	return vol, err
}

func (s *Service) ListVolumes() ([]*types.Volume, error) {
	var vols []*types.Volume
	err := instrument("volume.list", func() error {
		var err error
		vols, err = s.store.ListVolumes()
		return err
	})
	return vols, err
}

// ImportVolume ingests source into the Artifact Store, linking the result
// into localPath and creating a Volume that references the resulting
// digest. The Volume is marked Verified immediately since Put already
// hashed the content it wrote.
func (s *Service) ImportVolume(name string, source io.Reader, localPath string) (*types.Volume, error) {
	var created *types.Volume
	err := instrument("volume.import", func() error {
		if s.artifacts == nil {
			return errkind.Newf(errkind.Precondition, "no artifact store configured")
		}
		digest, err := s.artifacts.Put(source)
		if err != nil {
			return err
		}
		if localPath != "" {
			if err := s.artifacts.Link(digest, localPath); err != nil {
				return err
			}
		}
		vol := &types.Volume{
			ID:           uuid.NewString(),
			Name:         name,
			Kind:         types.VolumeKindDisk,
			SourceDigest: digest,
			LocalPath:    localPath,
			Verified:     true,
		}
		if err := s.store.CreateVolume(vol); err != nil {
			return err
		}
		s.publish(types.KindVolume, types.ChangeOpCreate, vol.ID, "volume imported")
		created = vol
		return nil
	})
	return created, err
}

// DeleteVolume refuses to remove a Volume still referenced by a Guest.
func (s *Service) DeleteVolume(id string) error {
	return instrument("volume.delete", func() error {
		vol, err := s.store.GetVolume(id)
		if err != nil {
			return err
		}
		if vol.Immutable() {
			return errkind.Newf(errkind.Precondition, "volume %s is immutable and backs a snapshot", id)
		}
		guests, err := s.store.ListGuests()
		if err != nil {
			return err
		}
		for _, g := range guests {
			for _, ref := range g.VolumeRefs {
				if ref.VolumeID == id {
					return errkind.Newf(errkind.Conflict, "volume %s is in use by guest %s", id, g.ID)
				}
			}
		}
		if err := s.store.DeleteVolume(id); err != nil {
			return err
		}
		s.publish(types.KindVolume, types.ChangeOpDelete, id, "volume deleted")
		return nil
	})
}
