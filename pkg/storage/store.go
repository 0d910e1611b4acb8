// Package storage implements the Declarative State Store: a durable,
// transactional catalog of Networks, Volumes, Guests, Snapshots, and
// AttestationRecords, backed by an embedded bbolt database plus an
// append-only changelog bucket that the Event Bus replays from.
package storage

import (
	"github.com/rng-ops/infrasim/pkg/types"
)

// Store is the transactional, multi-resource contract of the State Store
// (spec §4.B). Every mutating call that changes a resource also appends a
// changelog entry in the same bbolt transaction: either both persist or
// neither does.
type Store interface {
	CreateNetwork(n *types.Network) error
	GetNetwork(id string) (*types.Network, error)
	ListNetworks() ([]*types.Network, error)
	UpdateNetwork(n *types.Network, expectedVersion uint64) error
	DeleteNetwork(id string) error

	CreateVolume(v *types.Volume) error
	GetVolume(id string) (*types.Volume, error)
	ListVolumes() ([]*types.Volume, error)
	UpdateVolume(v *types.Volume, expectedVersion uint64) error
	DeleteVolume(id string) error

	CreateGuest(g *types.Guest) error
	GetGuest(id string) (*types.Guest, error)
	ListGuests() ([]*types.Guest, error)
	UpdateGuest(g *types.Guest, expectedVersion uint64) error
	DeleteGuest(id string) error

	CreateSnapshot(s *types.Snapshot) error
	GetSnapshot(id string) (*types.Snapshot, error)
	ListSnapshots() ([]*types.Snapshot, error)
	ListSnapshotsByGuest(guestID string) ([]*types.Snapshot, error)
	UpdateSnapshot(s *types.Snapshot, expectedVersion uint64) error
	DeleteSnapshot(id string) error

	// CreateAttestation appends a new record; attestation records are
	// never updated or deleted while their Guest exists (invariant 7).
	CreateAttestation(a *types.AttestationRecord) error
	GetAttestation(id string) (*types.AttestationRecord, error)
	ListAttestationsByGuest(guestID string) ([]*types.AttestationRecord, error)

	// ChangesSince returns changelog entries with seq > since, in order,
	// for Event Bus replay.
	ChangesSince(since uint64) ([]*types.ChangeRecord, error)
	LatestSeq() (uint64, error)

	Close() error
}
