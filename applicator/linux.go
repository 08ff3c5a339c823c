//go:build linux

package applicator

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/vishvananda/netlink"

	"github.com/ccvpn-oss/ccvpn/ccerr"
)

// Linux is the production Applicator, grounded on nasnet-panel's use
// of vishvananda/netlink for link/route/policy programming — the same
// library, used here for XFRM state/policy instead of nasnet-panel's
// plain link and route management.
type Linux struct {
	mu          sync.Mutex
	resolvConf  string
	savedResolv []byte
}

// NewLinux constructs a Linux applicator. resolvConfPath defaults to
// /etc/resolv.conf when empty; overridable for tests.
func NewLinux(resolvConfPath string) *Linux {
	if resolvConfPath == "" {
		resolvConfPath = "/etc/resolv.conf"
	}
	return &Linux{resolvConf: resolvConfPath}
}

func (l *Linux) AddRoute(ctx context.Context, cidr, dev string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	link, err := netlink.LinkByName(dev)
	if err != nil {
		return ccerr.Res("route_dev_missing", fmt.Sprintf("resolve device %s for route", dev), err)
	}
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return ccerr.Config("route_cidr_invalid", fmt.Sprintf("invalid route CIDR %s", cidr), err)
	}
	route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: ipnet}
	if err := netlink.RouteAdd(route); err != nil {
		return ccerr.Res("route_add_failed", fmt.Sprintf("add route %s via %s", cidr, dev), err)
	}
	return nil
}

func (l *Linux) RemoveRoute(ctx context.Context, cidr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return ccerr.Config("route_cidr_invalid", fmt.Sprintf("invalid route CIDR %s", cidr), err)
	}
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return ccerr.Res("route_list_failed", "list routes", err)
	}
	for _, r := range routes {
		if r.Dst != nil && r.Dst.String() == ipnet.String() {
			if err := netlink.RouteDel(&r); err != nil {
				return ccerr.Res("route_remove_failed", fmt.Sprintf("remove route %s", cidr), err)
			}
		}
	}
	return nil
}

func (l *Linux) SetDNS(ctx context.Context, servers, search, routingDomains []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.savedResolv == nil {
		prev, err := os.ReadFile(l.resolvConf)
		if err == nil {
			l.savedResolv = prev
		} else {
			l.savedResolv = []byte{}
		}
	}

	content := "# managed by ccvpn while a tunnel is connected\n"
	for _, s := range servers {
		content += fmt.Sprintf("nameserver %s\n", s)
	}
	if len(search) > 0 {
		content += "search"
		for _, s := range search {
			content += " " + s
		}
		content += "\n"
	}
	_ = routingDomains // which search domains are routing-only is tracked by the profile, not resolv.conf syntax
	if err := os.WriteFile(l.resolvConf, []byte(content), 0644); err != nil {
		return ccerr.Res("dns_write_failed", "write resolv.conf", err)
	}
	return nil
}

func (l *Linux) ClearDNS(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.savedResolv == nil {
		return nil
	}
	defer func() { l.savedResolv = nil }()
	if len(l.savedResolv) == 0 {
		return nil
	}
	if err := os.WriteFile(l.resolvConf, l.savedResolv, 0644); err != nil {
		return ccerr.Res("dns_restore_failed", "restore resolv.conf", err)
	}
	return nil
}

func (l *Linux) SetDefaultRoute(ctx context.Context, dev string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	link, err := netlink.LinkByName(dev)
	if err != nil {
		return ccerr.Res("route_dev_missing", fmt.Sprintf("resolve device %s for default route", dev), err)
	}
	_, def, _ := net.ParseCIDR("0.0.0.0/0")
	route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: def}
	if err := netlink.RouteReplace(route); err != nil {
		return ccerr.Res("default_route_failed", fmt.Sprintf("set default route via %s", dev), err)
	}
	return nil
}

func (l *Linux) DisableIPv6Globally(ctx context.Context, disable bool) error {
	val := "0"
	if disable {
		val = "1"
	}
	for _, iface := range []string{"all", "default"} {
		path := fmt.Sprintf("/proc/sys/net/ipv6/conf/%s/disable_ipv6", iface)
		if err := os.WriteFile(path, []byte(val), 0644); err != nil {
			return ccerr.Res("ipv6_sysctl_failed", fmt.Sprintf("write %s", path), err)
		}
	}
	return nil
}

func (l *Linux) CreateTUN(ctx context.Context, name, ip string, mtu int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tuntap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name, MTU: mtu},
		Mode:      netlink.TUNTAP_MODE_TUN,
	}
	if err := netlink.LinkAdd(tuntap); err != nil {
		return ccerr.Res("tun_create_failed", fmt.Sprintf("create TUN device %s", name), err)
	}
	addr, err := netlink.ParseAddr(ip)
	if err != nil {
		return ccerr.Config("tun_addr_invalid", fmt.Sprintf("invalid TUN address %s", ip), err)
	}
	if err := netlink.AddrAdd(tuntap, addr); err != nil {
		return ccerr.Res("tun_addr_failed", fmt.Sprintf("assign address %s to %s", ip, name), err)
	}
	if err := netlink.LinkSetUp(tuntap); err != nil {
		return ccerr.Res("tun_up_failed", fmt.Sprintf("bring up %s", name), err)
	}
	return nil
}

// CreateXFRM programs the two XFRM states (in/out) and matching
// policies for one Phase-2 SA pair — the applicator's XFRM analogue of
// CreateTUN.
func (l *Linux) CreateXFRM(ctx context.Context, name, peer string, spiIn, spiOut uint32, keys XFRMKeys) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	peerIP := net.ParseIP(peer)
	if peerIP == nil {
		return ccerr.Config("xfrm_peer_invalid", fmt.Sprintf("invalid XFRM peer address %s", peer), nil)
	}

	out := &netlink.XfrmState{
		Dst:   peerIP,
		Proto: netlink.XFRM_PROTO_ESP,
		Mode:  netlink.XFRM_MODE_TUNNEL,
		Spi:   int(spiOut),
		Crypt: &netlink.XfrmStateAlgo{Name: keys.EncAlgName, Key: keys.EncKeyOut},
		Auth:  &netlink.XfrmStateAlgo{Name: keys.AuthAlgName, Key: keys.AuthKeyOut},
	}
	in := &netlink.XfrmState{
		Dst:   peerIP,
		Proto: netlink.XFRM_PROTO_ESP,
		Mode:  netlink.XFRM_MODE_TUNNEL,
		Spi:   int(spiIn),
		Crypt: &netlink.XfrmStateAlgo{Name: keys.EncAlgName, Key: keys.EncKeyIn},
		Auth:  &netlink.XfrmStateAlgo{Name: keys.AuthAlgName, Key: keys.AuthKeyIn},
	}
	if err := netlink.XfrmStateAdd(out); err != nil {
		return ccerr.Res("xfrm_state_out_failed", "add outbound XFRM state", err)
	}
	if err := netlink.XfrmStateAdd(in); err != nil {
		_ = netlink.XfrmStateDel(out)
		return ccerr.Res("xfrm_state_in_failed", "add inbound XFRM state", err)
	}

	outPolicy := &netlink.XfrmPolicy{
		Dir: netlink.XFRM_DIR_OUT,
		Tmpls: []netlink.XfrmPolicyTmpl{{
			Dst:   peerIP,
			Proto: netlink.XFRM_PROTO_ESP,
			Mode:  netlink.XFRM_MODE_TUNNEL,
			Spi:   int(spiOut),
		}},
	}
	inPolicy := &netlink.XfrmPolicy{
		Dir: netlink.XFRM_DIR_IN,
		Tmpls: []netlink.XfrmPolicyTmpl{{
			Dst:   peerIP,
			Proto: netlink.XFRM_PROTO_ESP,
			Mode:  netlink.XFRM_MODE_TUNNEL,
			Spi:   int(spiIn),
		}},
	}
	if err := netlink.XfrmPolicyAdd(outPolicy); err != nil {
		return ccerr.Res("xfrm_policy_out_failed", "add outbound XFRM policy", err)
	}
	if err := netlink.XfrmPolicyAdd(inPolicy); err != nil {
		return ccerr.Res("xfrm_policy_in_failed", "add inbound XFRM policy", err)
	}
	return nil
}

func (l *Linux) Destroy(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	link, err := netlink.LinkByName(name)
	if err != nil {
		// already gone; destroy is idempotent per §3.
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return ccerr.Res("device_destroy_failed", fmt.Sprintf("destroy device %s", name), err)
	}
	return nil
}
