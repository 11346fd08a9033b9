package module

// Snapshot is an immutable, versioned view of the active modules.
//
// The mapping behind a Snapshot is never mutated after the registry installs
// it, so a Snapshot can be read from any goroutine without locking.
type Snapshot struct {
	version uint64
	order   []string
	modules map[string]Module
}

// Version is incremented once per successful reload
func (s Snapshot) Version() uint64 {
	return s.version
}

// Len returns the number of active modules
func (s Snapshot) Len() int {
	return len(s.order)
}

// Get returns the module registered under name
func (s Snapshot) Get(name string) (Module, bool) {
	m, ok := s.modules[name]
	return m, ok
}

// Names returns module names in configuration order
func (s Snapshot) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Each calls fn for every module in configuration order
func (s Snapshot) Each(fn func(name string, m Module)) {
	for _, name := range s.order {
		fn(name, s.modules[name])
	}
}

// All returns a copy of the name to module mapping
func (s Snapshot) All() map[string]Module {
	out := make(map[string]Module, len(s.modules))
	for name, m := range s.modules {
		out[name] = m
	}
	return out
}

// Describe returns the metadata of every module in configuration order
func (s Snapshot) Describe() []Metadata {
	out := make([]Metadata, 0, len(s.order))
	for _, name := range s.order {
		meta := s.modules[name].Metadata()
		if meta.Name == "" {
			meta.Name = name
		}
		out = append(out, meta)
	}
	return out
}
