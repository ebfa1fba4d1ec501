package eventbus

// SubscriptionGroup collects Registrations made over the lifetime of a
// component so they can all be torn down with a single call, for example
// on shutdown.
type SubscriptionGroup struct {
	regs []*Registration
}

// NewSubscriptionGroup returns an empty group.
func NewSubscriptionGroup() *SubscriptionGroup {
	return &SubscriptionGroup{}
}

// Add tracks reg for later Close. Add(nil) is a no-op, so call sites can
// wrap Bus.Subscribe results directly without a nil check.
func (g *SubscriptionGroup) Add(reg *Registration) *Registration {
	if reg == nil {
		return reg
	}
	g.regs = append(g.regs, reg)
	return reg
}

// Close unregisters every tracked subscription. Safe to call more than
// once; each Registration's own Close is idempotent.
func (g *SubscriptionGroup) Close() {
	for _, reg := range g.regs {
		reg.Close()
	}
}
