package ike

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccvpn-oss/ccvpn/ikewire"
	"github.com/ccvpn-oss/ccvpn/profile"
)

type fixedChallengeNotifier struct{ answer string }

func (f fixedChallengeNotifier) ChallengePending(prompt, id string) (string, bool) {
	return f.answer, false
}

func TestRunXAuthHappyPath(t *testing.T) {
	req := ikewire.MarshalAttributePayload(ikewire.CfgRequest, 1, []ikewire.Attribute{
		ikewire.AttrBytes(ikewire.AttrXAuthUserName, nil),
		ikewire.AttrBytes(ikewire.AttrXAuthPassword, nil),
	})
	set := ikewire.MarshalAttributePayload(ikewire.CfgSet, 2, []ikewire.Attribute{
		ikewire.AttrUint16(ikewire.AttrXAuthStatus, 1),
	})
	ex := &scriptedExchanger{queue: []*ikewire.Message{
		{Header: ikewire.Header{MessageID: 5}, Payloads: []*ikewire.Payload{{Type: ikewire.PayloadAttributes, Body: req}}},
		{Header: ikewire.Header{MessageID: 6}, Payloads: []*ikewire.Payload{{Type: ikewire.PayloadAttributes, Body: set}}},
	}}

	p := &profile.ConnectionProfile{UserName: "alice", Password: "s3cr3t"}
	err := RunXAuth(ex, [8]byte{1}, [8]byte{2}, p, fixedChallengeNotifier{})
	require.NoError(t, err)
	require.Len(t, ex.sent, 2)

	reply, err := ikewire.UnmarshalAttributePayload(ex.sent[0].Payloads[0].Body)
	require.NoError(t, err)
	assert.Equal(t, ikewire.CfgReply, reply.Type)
	user, ok := ikewire.Find(reply.Attributes, ikewire.AttrXAuthUserName)
	require.True(t, ok)
	assert.Equal(t, "alice", string(user.Value))
}

func TestRunXAuthRejectedStatus(t *testing.T) {
	set := ikewire.MarshalAttributePayload(ikewire.CfgSet, 1, []ikewire.Attribute{
		ikewire.AttrUint16(ikewire.AttrXAuthStatus, 0),
	})
	ex := &scriptedExchanger{queue: []*ikewire.Message{
		{Payloads: []*ikewire.Payload{{Type: ikewire.PayloadAttributes, Body: set}}},
	}}
	p := &profile.ConnectionProfile{}
	err := RunXAuth(ex, [8]byte{1}, [8]byte{2}, p, fixedChallengeNotifier{})
	assert.Error(t, err)
}
