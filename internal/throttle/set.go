package throttle

// Set is the fixed group of channels driven by one fader device.
type Set []*Throttle

// Lookup returns the throttle named name, or nil.
func (s Set) Lookup(name string) *Throttle {
	for _, t := range s {
		if t.name == name {
			return t
		}
	}
	return nil
}

// Names returns the channel names in drain order.
func (s Set) Names() []string {
	names := make([]string, len(s))
	for i, t := range s {
		names[i] = t.name
	}
	return names
}

// ApplyAll re-sends every channel's current state to the fader.
func (s Set) ApplyAll() {
	for _, t := range s {
		t.Apply()
	}
}
