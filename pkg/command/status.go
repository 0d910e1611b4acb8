package command

// DaemonStatus is the response to daemon.status: a cheap summary of the
// daemon's own health, not of any individual guest.
type DaemonStatus struct {
	Version          string
	GuestCount       int
	NetworkCount     int
	VolumeCount      int
	LatestSeq        uint64
	EventSubscribers int
}

// Status reports the daemon's own version and a count of every resource
// kind it holds.
func (s *Service) Status() (DaemonStatus, error) {
	var status DaemonStatus
	err := instrument("daemon.status", func() error {
		guests, err := s.store.ListGuests()
		if err != nil {
			return err
		}
		networks, err := s.store.ListNetworks()
		if err != nil {
			return err
		}
		volumes, err := s.store.ListVolumes()
		if err != nil {
			return err
		}
		seq, err := s.store.LatestSeq()
		if err != nil {
			return err
		}

		status = DaemonStatus{
			Version:          s.daemonVersion,
			GuestCount:       len(guests),
			NetworkCount:     len(networks),
			VolumeCount:      len(volumes),
			LatestSeq:        seq,
			EventSubscribers: s.bus.SubscriberCount(),
		}
		return nil
	})
	return status, err
}
