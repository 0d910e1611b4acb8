package command

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rng-ops/infrasim/pkg/errkind"
	"github.com/rng-ops/infrasim/pkg/hypervisor"
	"github.com/rng-ops/infrasim/pkg/types"
)

// CreateVMRequest describes a new Guest. Supplying ID makes the create
// idempotent: a second call with the same ID and equal fields returns the
// existing resource rather than erroring (spec §4.I).
type CreateVMRequest struct {
	ID             string
	Name           string
	Arch           string
	MachineProfile string
	VCPUCount      int
	MemoryBytes    int64
	FirmwareProfile string
	BootOrder      []string
	VolumeRefs     []types.VolumeRef
	NetworkRefs    []types.NetworkRef
	Qos            *types.QosSpec
	CloudInitBlob  []byte
	Labels         map[string]string
}

// CreateVM creates a Guest in the Stopped desired state. Callers that want
// it started immediately should follow with StartVM.
func (s *Service) CreateVM(req CreateVMRequest) (*types.Guest, error) {
	var created *types.Guest
	err := instrument("vm.create", func() error {
		if req.ID != "" {
			if existing, err := s.store.GetGuest(req.ID); err == nil {
				created = existing
				return nil
			}
		}
		if req.Name == "" {
			return errkind.Newf(errkind.Validation, "vm name is required")
		}
		id := req.ID
		if id == "" {
			id = uuid.NewString()
		}

		sealedBlob, err := s.sealCloudInit(req.CloudInitBlob)
		if err != nil {
			return err
		}

		guest := &types.Guest{
			ID:              id,
			Name:            req.Name,
			Arch:            req.Arch,
			MachineProfile:  req.MachineProfile,
			VCPUCount:       req.VCPUCount,
			MemoryBytes:     req.MemoryBytes,
			FirmwareProfile: req.FirmwareProfile,
			BootOrder:       req.BootOrder,
			VolumeRefs:      req.VolumeRefs,
			NetworkRefs:     req.NetworkRefs,
			Qos:             req.Qos,
			CloudInitBlob:   sealedBlob,
			Labels:          req.Labels,
			DesiredState:    types.GuestStateStopped,
			ObservedState:   types.GuestStateStopped,
		}
		if err := s.store.CreateGuest(guest); err != nil {
			return err
		}
		s.publish(types.KindGuest, types.ChangeOpCreate, guest.ID, "vm created")
		created = guest
		return nil
	})
	return created, err
}

// GetVM returns the server-canonical view of a Guest, with its cloud-init
// blob decrypted back to plaintext.
func (s *Service) GetVM(id string) (*types.Guest, error) {
	var guest *types.Guest
	err := instrument("vm.get", func() error {
		var err error
		guest, err = s.store.GetGuest(id)
		if err != nil {
			return err
		}
		guest.CloudInitBlob, err = s.unsealCloudInit(guest.CloudInitBlob)
		return err
	})
	return guest, err
}

// sealCloudInit encrypts a plaintext cloud-init blob for storage. A nil
// cipher (no cloud-init encryption configured) passes the blob through
// unchanged.
func (s *Service) sealCloudInit(plaintext []byte) ([]byte, error) {
	if s.cloudInit == nil || len(plaintext) == 0 {
		return plaintext, nil
	}
	return s.cloudInit.Encrypt(plaintext)
}

func (s *Service) unsealCloudInit(ciphertext []byte) ([]byte, error) {
	if s.cloudInit == nil || len(ciphertext) == 0 {
		return ciphertext, nil
	}
	return s.cloudInit.Decrypt(ciphertext)
}

// ListVMs returns every Guest, with cloud-init blobs decrypted.
func (s *Service) ListVMs() ([]*types.Guest, error) {
	var guests []*types.Guest
	err := instrument("vm.list", func() error {
		var err error
		guests, err = s.store.ListGuests()
		if err != nil {
			return err
		}
		for _, g := range guests {
			if g.CloudInitBlob, err = s.unsealCloudInit(g.CloudInitBlob); err != nil {
				return err
			}
		}
		return nil
	})
	return guests, err
}

// UpdateVMRequest carries the mutable fields of a Guest plus the version the
// caller last observed, for optimistic-concurrency rejection.
type UpdateVMRequest struct {
	ID              string
	ExpectedVersion uint64
	VCPUCount       int
	MemoryBytes     int64
	BootOrder       []string
	VolumeRefs      []types.VolumeRef
	NetworkRefs     []types.NetworkRef
	Qos             *types.QosSpec
	CloudInitBlob   []byte
	Labels          map[string]string
}

// UpdateVM applies a spec change and bumps Generation so the reconciler
// knows a new convergence pass is required even if DesiredState itself
// didn't change (e.g. a QoS-only edit to a running guest).
func (s *Service) UpdateVM(req UpdateVMRequest) (*types.Guest, error) {
	var updated *types.Guest
	err := instrument("vm.update", func() error {
		guest, err := s.store.GetGuest(req.ID)
		if err != nil {
			return err
		}
		sealedBlob, err := s.sealCloudInit(req.CloudInitBlob)
		if err != nil {
			return err
		}
		guest.VCPUCount = req.VCPUCount
		guest.MemoryBytes = req.MemoryBytes
		guest.BootOrder = req.BootOrder
		guest.VolumeRefs = req.VolumeRefs
		guest.NetworkRefs = req.NetworkRefs
		guest.Qos = req.Qos
		guest.CloudInitBlob = sealedBlob
		guest.Labels = req.Labels
		guest.Generation++

		if err := s.store.UpdateGuest(guest, req.ExpectedVersion); err != nil {
			return err
		}
		s.publish(types.KindGuest, types.ChangeOpUpdate, guest.ID, "vm spec updated")
		s.wake()
		updated = guest
		return nil
	})
	return updated, err
}

// DeleteVM cancels any in-flight reconciliation for id, stops the guest if
// it is running or paused and releases its QoS rules, then removes the
// Guest row. This mirrors the graph engine's in_use dependents check, which
// treats a referenced Guest as a blocker for its Volumes and Networks: a
// delete must leave no live process or shaping rule behind, or the adapter
// would keep a handle the State Store no longer knows about.
func (s *Service) DeleteVM(id string) error {
	return instrument("vm.delete", func() error {
		if s.reconciler != nil {
			s.reconciler.Cancel(id)
		}

		guest, err := s.store.GetGuest(id)
		if err != nil {
			return err
		}

		if guest.ObservedState == types.GuestStateRunning || guest.ObservedState == types.GuestStatePaused {
			if s.adapter != nil {
				if err := s.adapter.Stop(context.Background(), id, hypervisor.StopGraceful, s.gracefulStopTimeout); err != nil {
					return fmt.Errorf("stop guest %s before delete: %w", id, err)
				}
			}
			if s.shaper != nil {
				if err := s.shaper.Remove(nicName(id)); err != nil {
					return fmt.Errorf("release qos for guest %s before delete: %w", id, err)
				}
			}
		}

		if err := s.store.DeleteGuest(id); err != nil {
			return err
		}
		s.publish(types.KindGuest, types.ChangeOpDelete, id, "vm deleted")
		return nil
	})
}

// nicName reproduces the Reconciler's NIC naming so DeleteVM releases the
// same tc qdisc the Reconciler installed at launch.
func nicName(guestID string) string {
	if len(guestID) > 8 {
		return "vnic-" + guestID[:8]
	}
	return "vnic-" + guestID
}

// StartVM sets DesiredState to Running and wakes the reconciler.
func (s *Service) StartVM(id string) (*types.Guest, error) {
	return s.setDesiredState("vm.start", id, types.GuestStateRunning)
}

// StopVM sets DesiredState to Stopped and wakes the reconciler, which will
// perform a graceful stop through the Hypervisor Adapter.
func (s *Service) StopVM(id string) (*types.Guest, error) {
	return s.setDesiredState("vm.stop", id, types.GuestStateStopped)
}

// PauseVM sets DesiredState to Paused.
func (s *Service) PauseVM(id string) (*types.Guest, error) {
	return s.setDesiredState("vm.pause", id, types.GuestStatePaused)
}

// ResumeVM sets DesiredState back to Running from Paused.
func (s *Service) ResumeVM(id string) (*types.Guest, error) {
	return s.setDesiredState("vm.resume", id, types.GuestStateRunning)
}

func (s *Service) setDesiredState(op, id string, desired types.GuestState) (*types.Guest, error) {
	var guest *types.Guest
	err := instrument(op, func() error {
		var err error
		guest, err = s.store.GetGuest(id)
		if err != nil {
			return err
		}
		if guest.DesiredState == desired {
			return nil
		}
		guest.DesiredState = desired
		if err := s.store.UpdateGuest(guest, guest.Version); err != nil {
			return err
		}
		s.publish(types.KindGuest, types.ChangeOpUpdate, guest.ID, "vm desired state set to "+string(desired))
		s.wake()
		return nil
	})
	return guest, err
}

func (s *Service) wake() {
	if s.reconciler != nil {
		s.reconciler.Notify()
	}
}
