// Package applicator defines the network applicator boundary (§6):
// the abstract route/DNS/device operations the core drives but never
// performs itself by reaching into the OS directly. The core (C4/C5/C6)
// depends only on the Applicator interface; concrete implementations
// live in linux.go (vishvananda/netlink-backed) and are swapped for a
// testify/mock implementation in tests.
package applicator

import "context"

// Applicator is the collaborator boundary from spec §6. Every mutating
// call returns an error; the core never assumes success.
type Applicator interface {
	AddRoute(ctx context.Context, cidr, dev string) error
	RemoveRoute(ctx context.Context, cidr string) error
	SetDNS(ctx context.Context, servers, search, routingDomains []string) error
	ClearDNS(ctx context.Context) error
	SetDefaultRoute(ctx context.Context, dev string) error
	DisableIPv6Globally(ctx context.Context, disable bool) error
	CreateTUN(ctx context.Context, name, ip string, mtu int) error
	CreateXFRM(ctx context.Context, name, peer string, spiIn, spiOut uint32, keys XFRMKeys) error
	Destroy(ctx context.Context, name string) error
}

// XFRMKeys is the key material an XFRM state needs, already derived
// by the IKE layer (ikecrypto never touches netlink, applicator never
// touches crypto).
type XFRMKeys struct {
	EncAlgName  string
	EncKeyIn    []byte
	EncKeyOut   []byte
	AuthAlgName string
	AuthKeyIn   []byte
	AuthKeyOut  []byte
}

// AppliedSet tracks everything one tunnel attempt has applied, so
// teardown can run rollback in reverse-of-apply order (§5) and so
// disconnect is idempotent (§3) even if called twice or after a
// partial failure.
type AppliedSet struct {
	routes    []string
	dnsSet    bool
	defRoute  string
	devices   []string
}

// NewAppliedSet returns an empty tracking set for one tunnel attempt.
func NewAppliedSet() *AppliedSet { return &AppliedSet{} }

// TrackRoute records a route so Unwind can remove it later.
func (s *AppliedSet) TrackRoute(cidr string) { s.routes = append(s.routes, cidr) }

// TrackDNS records that DNS was set.
func (s *AppliedSet) TrackDNS() { s.dnsSet = true }

// TrackDefaultRoute records the device that became the default route.
func (s *AppliedSet) TrackDefaultRoute(dev string) { s.defRoute = dev }

// TrackDevice records a created TUN/XFRM device name.
func (s *AppliedSet) TrackDevice(name string) { s.devices = append(s.devices, name) }

// Unwind tears down everything tracked, in reverse order, swallowing
// individual failures (§5: "teardown errors are logged and swallowed;
// they never mask the originating error") and returning them as a
// slice only for logging, never for control flow.
func (s *AppliedSet) Unwind(ctx context.Context, a Applicator) []error {
	var errs []error

	for i := len(s.devices) - 1; i >= 0; i-- {
		if err := a.Destroy(ctx, s.devices[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if s.defRoute != "" {
		// nothing to explicitly undo for the default route beyond
		// removing the routes below; kept as a marker for completeness.
		s.defRoute = ""
	}
	if s.dnsSet {
		if err := a.ClearDNS(ctx); err != nil {
			errs = append(errs, err)
		}
		s.dnsSet = false
	}
	for i := len(s.routes) - 1; i >= 0; i-- {
		if err := a.RemoveRoute(ctx, s.routes[i]); err != nil {
			errs = append(errs, err)
		}
	}
	s.routes = nil
	s.devices = nil
	return errs
}
