package ike

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccvpn-oss/ccvpn/ikewire"
	"github.com/ccvpn-oss/ccvpn/profile"
)

// scriptedExchanger answers each Send with the next queued Recv message,
// for driving one side of the Transaction/Quick-mode exchanges in tests
// without a real socket.
type scriptedExchanger struct {
	sent  []*ikewire.Message
	queue []*ikewire.Message
}

func (s *scriptedExchanger) Send(msg *ikewire.Message) error {
	s.sent = append(s.sent, msg)
	return nil
}

func (s *scriptedExchanger) Recv() (*ikewire.Message, error) {
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, nil
}

func ip4Bytes(a, b, c, d byte) []byte { return []byte{a, b, c, d} }

func TestRunModeCfgAssignsFields(t *testing.T) {
	reply := ikewire.MarshalAttributePayload(ikewire.CfgReply, 1, []ikewire.Attribute{
		ikewire.AttrBytes(ikewire.AttrInternalIP4Address, ip4Bytes(10, 10, 0, 5)),
		ikewire.AttrBytes(ikewire.AttrInternalIP4Netmask, ip4Bytes(255, 255, 255, 0)),
		ikewire.AttrBytes(ikewire.AttrInternalIP4DNS, ip4Bytes(8, 8, 8, 8)),
		ikewire.AttrUint32(ikewire.AttrInternalAddrExpiry, 7200),
	})
	ex := &scriptedExchanger{queue: []*ikewire.Message{{
		Payloads: []*ikewire.Payload{{Type: ikewire.PayloadAttributes, Body: reply}},
	}}}

	p := &profile.ConnectionProfile{}
	assignment, err := RunModeCfg(ex, [8]byte{1}, [8]byte{2}, p)
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.5", assignment.InnerIP)
	assert.Equal(t, "255.255.255.0", assignment.Netmask)
	require.Len(t, assignment.DNSServers, 1)
	assert.Equal(t, "8.8.8.8", assignment.DNSServers[0])
	assert.Equal(t, profile.MinLeaseTime*12, assignment.LeaseTime)

	require.Len(t, ex.sent, 2)
	assert.Equal(t, ikewire.ExchangeTransaction, ex.sent[1].Header.ExchangeType)
}

func TestRunModeCfgFiltersIgnoredDNS(t *testing.T) {
	reply := ikewire.MarshalAttributePayload(ikewire.CfgReply, 1, []ikewire.Attribute{
		ikewire.AttrBytes(ikewire.AttrInternalIP4DNS, ip4Bytes(8, 8, 8, 8)),
	})
	ex := &scriptedExchanger{queue: []*ikewire.Message{{
		Payloads: []*ikewire.Payload{{Type: ikewire.PayloadAttributes, Body: reply}},
	}}}

	p := &profile.ConnectionProfile{IgnoreDNSServers: []string{"8.8.8.8"}}
	assignment, err := RunModeCfg(ex, [8]byte{1}, [8]byte{2}, p)
	require.NoError(t, err)
	assert.Empty(t, assignment.DNSServers)
}
