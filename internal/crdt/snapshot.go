package crdt

// Snapshot is the flat serializable mirror of the document namespaces,
// the layout persisted by the version store.
type Snapshot struct {
	Tracks     map[string]Value `json:"tracks"`
	Clips      map[string]Value `json:"clips"`
	Effects    map[string]Value `json:"effects"`
	Automation map[string]Value `json:"automation"`
	Metadata   map[string]Value `json:"metadata"`
}

func (s *Snapshot) namespace(ns string) *map[string]Value {
	switch ns {
	case "tracks":
		return &s.Tracks
	case "clips":
		return &s.Clips
	case "effects":
		return &s.Effects
	case "automation":
		return &s.Automation
	case "metadata":
		return &s.Metadata
	}
	return nil
}

// Export captures the live state of every namespace.
func (d *Doc) Export() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	var snap Snapshot
	for _, ns := range Namespaces {
		*snap.namespace(ns) = d.entriesLocked(ns)
	}
	return snap
}

// LoadSnapshot clears each namespace and repopulates it from snap, as
// local operations on the same replica. Document identity is preserved:
// listeners stay bound and the change propagates to peers like any
// other edit.
func (d *Doc) LoadSnapshot(snap Snapshot) error {
	for _, ns := range Namespaces {
		incoming := *snap.namespace(ns)
		for key := range d.Entries(ns) {
			if _, kept := incoming[key]; !kept {
				if err := d.Delete(ns, key); err != nil {
					return err
				}
			}
		}
		for key, value := range incoming {
			if err := d.Set(ns, key, value); err != nil {
				return err
			}
		}
	}
	return nil
}
