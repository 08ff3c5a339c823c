package ike

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccvpn-oss/ccvpn/ikecrypto"
	"github.com/ccvpn-oss/ccvpn/ikewire"
)

func TestBuildAndSelectPhase1Proposal(t *testing.T) {
	body := BuildPhase1Proposal(ikewire.AuthPSK, 3600)
	offered, err := ikewire.UnmarshalProposals(body[4:])
	require.NoError(t, err)
	require.Len(t, offered, 1)
	require.NotEmpty(t, offered[0].Transforms)

	selected, err := SelectPhase1Transform(offered)
	require.NoError(t, err)
	assert.Equal(t, ikewire.DHGroup14, selected.DHGroup)
	assert.Equal(t, ikecrypto.EncAES, selected.Enc)
	assert.Equal(t, ikewire.AuthPSK, selected.AuthMethod)
}

func TestSelectPhase1TransformNoMatch(t *testing.T) {
	unsupported := ikewire.Proposal{
		ProposalNum: 1,
		ProtocolID:  ikewire.ProtoISAKMP,
		Transforms: []ikewire.Transform{{
			TransformID: 1,
			Attributes: []ikewire.Attribute{
				ikewire.AttrUint16(ikewire.AttrEncAlg, ikewire.EncDES),
				ikewire.AttrUint16(ikewire.AttrHashAlg, ikewire.HashMD5),
				ikewire.AttrUint16(ikewire.AttrDHGroup, ikewire.DHGroup2),
			},
		}},
	}
	_, err := SelectPhase1Transform([]ikewire.Proposal{unsupported})
	assert.Error(t, err)
}

func TestUnmarshalProposalsRoundTrip(t *testing.T) {
	body := BuildPhase1Proposal(ikewire.AuthXAuthInitPSK, 3600)
	offered, err := ikewire.UnmarshalProposals(body[4:])
	require.NoError(t, err)
	require.Len(t, offered, 1)
	assert.Equal(t, uint8(1), offered[0].ProposalNum)
	assert.Equal(t, ikewire.ProtoISAKMP, offered[0].ProtocolID)
	assert.Len(t, offered[0].Transforms, 6)

	for _, tr := range offered[0].Transforms {
		authMethod, ok := ikewire.Find(tr.Attributes, ikewire.AttrAuthMethod)
		require.True(t, ok)
		assert.Equal(t, ikewire.AuthXAuthInitPSK, authMethod.Uint16())
	}
}

func TestIkeSessionIsStale(t *testing.T) {
	s := &IkeSession{}
	now := time.Now()
	s.IKERekeyAt = now.Add(-time.Minute)
	s.Phase2.RekeyAt = now.Add(-time.Minute)
	assert.True(t, s.IsStale(now))

	s.IKERekeyAt = now.Add(time.Hour)
	s.Phase2.RekeyAt = now.Add(time.Hour)
	assert.False(t, s.IsStale(now))
}

func TestIkeSessionSnapshot(t *testing.T) {
	s := &IkeSession{ID: "sess-1", PeerAddr: "203.0.113.1"}
	s.ModeCfg.InnerIP = "10.10.0.5"
	snap := s.Snapshot()
	assert.Equal(t, "sess-1", snap.ID)
	assert.Equal(t, "10.10.0.5", snap.InnerIP)
	assert.Equal(t, "203.0.113.1", snap.PeerAddr)
}
