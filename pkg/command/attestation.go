package command

import (
	"fmt"
	"time"

	"github.com/rng-ops/infrasim/pkg/attestation"
	"github.com/rng-ops/infrasim/pkg/errkind"
	"github.com/rng-ops/infrasim/pkg/types"
)

// AttestGuestRequest carries the host and binary-identity material the
// caller wants bound into the new record. The Guest's own resolved Volumes
// and Networks are loaded from the Store at attest time.
type AttestGuestRequest struct {
	GuestID        string
	Host           types.HostFingerprint
	BinaryVersions []types.BinaryVersion
	DaemonVersion  string
}

// AttestGuest generates and stores a new AttestationRecord for a guest,
// signed by the Crypto Service. Attestation records are append-only: a
// guest may accumulate many over its life, one per relaunch.
func (s *Service) AttestGuest(req AttestGuestRequest) (*types.AttestationRecord, error) {
	var created *types.AttestationRecord
	err := instrument("attestation.attest", func() error {
		guest, err := s.store.GetGuest(req.GuestID)
		if err != nil {
			return err
		}

		volumes := make([]*types.Volume, 0, len(guest.VolumeRefs))
		for _, ref := range guest.VolumeRefs {
			vol, err := s.store.GetVolume(ref.VolumeID)
			if err != nil {
				return fmt.Errorf("resolve volume %s: %w", ref.VolumeID, err)
			}
			volumes = append(volumes, vol)
		}

		networks := make([]*types.Network, 0, len(guest.NetworkRefs))
		for _, ref := range guest.NetworkRefs {
			net, err := s.store.GetNetwork(ref.NetworkID)
			if err != nil {
				return fmt.Errorf("resolve network %s: %w", ref.NetworkID, err)
			}
			networks = append(networks, net)
		}

		record, err := attestation.Generate(attestation.Input{
			Guest:          guest,
			Volumes:        volumes,
			Networks:       networks,
			Host:           req.Host,
			BinaryVersions: req.BinaryVersions,
			DaemonVersion:  req.DaemonVersion,
			Now:            time.Now(),
		}, s.crypto)
		if err != nil {
			return err
		}

		if err := s.store.CreateAttestation(record); err != nil {
			return err
		}
		s.publish(types.KindAttestation, types.ChangeOpCreate, record.ID, "attestation recorded")
		created = record
		return nil
	})
	return created, err
}

// GetAttestation returns every attestation record for a guest, newest last.
func (s *Service) GetAttestation(guestID string) ([]*types.AttestationRecord, error) {
	var records []*types.AttestationRecord
	err := instrument("attestation.get", func() error {
		var err error
		records, err = s.store.ListAttestationsByGuest(guestID)
		return err
	})
	return records, err
}

// VerifyAttestation checks a stored record's signature without re-deriving
// its subject digest from live state.
func (s *Service) VerifyAttestation(id string) error {
	return instrument("attestation.verify", func() error {
		record, err := s.store.GetAttestation(id)
		if err != nil {
			return err
		}
		if err := attestation.Verify(record); err != nil {
			return errkind.New(errkind.Integrity, err)
		}
		return nil
	})
}

// ExportAttestation returns a record in the form handed to an external
// verifier that only has the daemon's public key, not access to the State
// Store.
func (s *Service) ExportAttestation(id string) (*types.AttestationRecord, error) {
	var record *types.AttestationRecord
	err := instrument("attestation.export", func() error {
		var err error
		record, err = s.store.GetAttestation(id)
		return err
	})
	return record, err
}
