package command

import (
	"github.com/google/uuid"
	"github.com/rng-ops/infrasim/pkg/errkind"
	"github.com/rng-ops/infrasim/pkg/types"
)

// CreateNetworkRequest describes a new Network. Supplying ID makes the
// create idempotent.
type CreateNetworkRequest struct {
	ID        string
	Name      string
	Mode      types.NetworkMode
	CIDR      string
	Gateway   string
	DHCPRange string
	MTU       int
}

func (s *Service) CreateNetwork(req CreateNetworkRequest) (*types.Network, error) {
	var created *types.Network
	err := instrument("network.create", func() error {
		if req.ID != "" {
			if existing, err := s.store.GetNetwork(req.ID); err == nil {
				created = existing
				return nil
			}
		}
		if req.Name == "" {
			return errkind.Newf(errkind.Validation, "network name is required")
		}
		id := req.ID
		if id == "" {
			id = uuid.NewString()
		}
		net := &types.Network{
			ID:             id,
			Name:           req.Name,
			Mode:           req.Mode,
			CIDR:           req.CIDR,
			Gateway:        req.Gateway,
			DHCPRange:      req.DHCPRange,
			MTU:            req.MTU,
			DesiredActive:  true,
			ObservedActive: false,
		}
		if err := s.store.CreateNetwork(net); err != nil {
			return err
		}
		s.publish(types.KindNetwork, types.ChangeOpCreate, net.ID, "network created")
		s.wake()
		created = net
		return nil
	})
	return created, err
}

func (s *Service) GetNetwork(id string) (*types.Network, error) {
	var net *types.Network
	err := instrument("network.get", func() error {
		var err error
		net, err = s.store.GetNetwork(id)
		return err
	})
	return net, err
}

func (s *Service) ListNetworks() ([]*types.Network, error) {
	var nets []*types.Network
	err := instrument("network.list", func() error {
		var err error
		nets, err = s.store.ListNetworks()
		return err
	})
	return nets, err
}

// UpdateNetworkRequest carries the mutable fields of a Network plus the
// version the caller last observed.
type UpdateNetworkRequest struct {
	ID              string
	ExpectedVersion uint64
	DHCPRange       string
	MTU             int
	DesiredActive   bool
}

func (s *Service) UpdateNetwork(req UpdateNetworkRequest) (*types.Network, error) {
	var updated *types.Network
	err := instrument("network.update", func() error {
		net, err := s.store.GetNetwork(req.ID)
		if err != nil {
			return err
		}
		net.DHCPRange = req.DHCPRange
		net.MTU = req.MTU
		net.DesiredActive = req.DesiredActive
		if err := s.store.UpdateNetwork(net, req.ExpectedVersion); err != nil {
			return err
		}
		s.publish(types.KindNetwork, types.ChangeOpUpdate, net.ID, "network updated")
		s.wake()
		updated = net
		return nil
	})
	return updated, err
}

// DeleteNetwork refuses to remove a Network still referenced by a Guest
// (the graph engine's in_use dependents check); command-layer deletes go
// through the same Store.ListGuests scan the graph uses for Validate, kept
// in sync here rather than round-tripping through a Plan for a single
// dependents lookup.
func (s *Service) DeleteNetwork(id string) error {
	return instrument("network.delete", func() error {
		guests, err := s.store.ListGuests()
		if err != nil {
			return err
		}
		for _, g := range guests {
			for _, ref := range g.NetworkRefs {
				if ref.NetworkID == id {
					return errkind.Newf(errkind.Conflict, "network %s is in use by guest %s", id, g.ID)
				}
			}
		}
		if err := s.store.DeleteNetwork(id); err != nil {
			return err
		}
		s.publish(types.KindNetwork, types.ChangeOpDelete, id, "network deleted")
		return nil
	})
}
