package transport

import (
	"context"

	"github.com/ccvpn-oss/ccvpn/applicator"
	"github.com/ccvpn-oss/ccvpn/ccerr"
)

// renewLeaseRoutes reprograms the inner IP in place when a lease renew
// returns a different address (§4.5): add the new route/device address
// first, swap the default route, then remove the old one — never a
// window with neither route present.
func renewLeaseRoutes(ctx context.Context, a applicator.Applicator, applied *applicator.AppliedSet, oldIP, newIP, dev string) error {
	if oldIP == newIP {
		return nil
	}
	newCIDR := newIP + "/32"
	if err := a.AddRoute(ctx, newCIDR, dev); err != nil {
		return ccerr.Transp("lease_add_route_failed", "add renewed-lease route", err)
	}
	applied.TrackRoute(newCIDR)

	if err := a.SetDefaultRoute(ctx, dev); err != nil {
		return ccerr.Transp("lease_default_route_failed", "swap default route to renewed lease", err)
	}
	applied.TrackDefaultRoute(dev)

	oldCIDR := oldIP + "/32"
	if err := a.RemoveRoute(ctx, oldCIDR); err != nil {
		return ccerr.Transp("lease_remove_old_route_failed", "remove pre-renewal route", err)
	}
	return nil
}
