package ike

import (
	"strconv"
	"time"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/ikewire"
	"github.com/ccvpn-oss/ccvpn/profile"
)

// RunModeCfg drives the MODE_CFG Transaction exchange that follows
// Phase 1 (and XAuth, when present): a single CFG_REQUEST/CFG_REPLY
// round trip assigning the inner IP, netmask, DNS/search domains,
// split-tunnel routes, MTU, and lease time (§3, §4.4).
func RunModeCfg(ex Exchanger, ckyI, ckyR [8]byte, p *profile.ConnectionProfile) (*ModeCfgAssignment, error) {
	req := ikewire.MarshalAttributePayload(ikewire.CfgRequest, 1, []ikewire.Attribute{
		{Type: ikewire.AttrInternalIP4Address, AF: true, Value: make([]byte, 2)},
		{Type: ikewire.AttrInternalIP4Netmask, AF: true, Value: make([]byte, 2)},
		{Type: ikewire.AttrInternalIP4DNS, AF: true, Value: make([]byte, 2)},
		{Type: ikewire.AttrCPDomainName, AF: true, Value: make([]byte, 2)},
		{Type: ikewire.AttrCPSplitDNSName, AF: true, Value: make([]byte, 2)},
		{Type: ikewire.AttrInternalAddrExpiry, AF: false, Value: make([]byte, 4)},
	})
	if err := ex.Send(transactionMessage(ckyI, ckyR, 2, req)); err != nil {
		return nil, ccerr.Net("modecfg_req_send_failed", "send MODE_CFG request", err)
	}

	resp, err := ex.Recv()
	if err != nil {
		return nil, ccerr.Net("modecfg_resp_recv_failed", "receive MODE_CFG reply", err)
	}
	attrPayload := resp.Get(ikewire.PayloadAttributes)
	if attrPayload == nil {
		return nil, ccerr.Reply("modecfg_missing_attrs", "MODE_CFG reply missing Attributes payload", nil)
	}
	cfg, err := ikewire.UnmarshalAttributePayload(attrPayload.Body)
	if err != nil {
		return nil, ccerr.Reply("modecfg_bad_attrs", "parse MODE_CFG reply", err)
	}

	assignment := &ModeCfgAssignment{MTU: profile.DefaultMTU, LeaseTime: profile.DefaultLeaseTime}
	for _, a := range cfg.Attributes {
		switch a.Type {
		case ikewire.AttrInternalIP4Address:
			assignment.InnerIP = ip4String(a.Value)
		case ikewire.AttrInternalIP4Netmask:
			assignment.Netmask = ip4String(a.Value)
		case ikewire.AttrInternalIP4DNS:
			if ip := ip4String(a.Value); !p.NoDNS && !excluded(ip, p.IgnoreDNSServers) {
				assignment.DNSServers = append(assignment.DNSServers, ip)
			}
		case ikewire.AttrCPDomainName:
			if d := string(a.Value); !excluded(d, p.IgnoreSearchDomains) {
				assignment.SearchDomains = append(assignment.SearchDomains, d)
			}
		case ikewire.AttrCPSplitDNSName:
			if d := string(a.Value); p.SetRoutingDomains && !excluded(d, p.IgnoreSearchDomains) {
				assignment.RoutingDomains = append(assignment.RoutingDomains, d)
			}
		case ikewire.AttrCPMTU:
			if v := int(a.Uint32()); v > 0 {
				assignment.MTU = v
			}
		case ikewire.AttrInternalAddrExpiry:
			secs := a.Uint32()
			lease := time.Duration(secs) * time.Second
			if lease < profile.MinLeaseTime {
				lease = profile.DefaultLeaseTime
			}
			assignment.LeaseTime = lease
		case ikewire.AttrCPAddRoute:
			if route := ip4String(a.Value); !excluded(route, p.IgnoreRoutes) {
				assignment.OfferedRoutes = append(assignment.OfferedRoutes, profile.RouteCIDR(route))
			}
		}
	}
	for _, r := range p.AddRoutes {
		assignment.OfferedRoutes = append(assignment.OfferedRoutes, profile.RouteCIDR(r))
	}
	for _, d := range p.SearchDomains {
		if !excluded(d, p.IgnoreSearchDomains) {
			assignment.SearchDomains = append(assignment.SearchDomains, d)
		}
	}

	ack := ikewire.MarshalAttributePayload(ikewire.CfgAck, cfg.Identifier, nil)
	if err := ex.Send(transactionMessage(ckyI, ckyR, 3, ack)); err != nil {
		return nil, ccerr.Net("modecfg_ack_send_failed", "send MODE_CFG ack", err)
	}
	return assignment, nil
}

func ip4String(b []byte) string {
	if len(b) < 4 {
		return ""
	}
	return strconv.Itoa(int(b[0])) + "." + strconv.Itoa(int(b[1])) + "." + strconv.Itoa(int(b[2])) + "." + strconv.Itoa(int(b[3]))
}

func excluded(v string, list []string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
