package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccvpn-oss/ccvpn/applicator"
)

func TestClientSendRoundTripsStatus(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "ccvpnd.sock")
	sessionPath := filepath.Join(dir, "ike.session")

	ctrl := NewController(testProfile(), &applicator.Mock{}, sessionPath, nil)
	srv := NewServer(sockPath, ctrl, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx)
	require.Eventually(t, func() bool {
		_, err := Dial(sockPath)
		return err == nil
	}, time.Second, time.Millisecond)

	cli, err := Dial(sockPath)
	require.NoError(t, err)
	defer cli.Close()

	reply, err := cli.Send(Command{Kind: CmdStatus})
	require.NoError(t, err)
	assert.Equal(t, ReplyOK, reply.Kind)
	require.NotNil(t, reply.Status)
	assert.Equal(t, StateIdle, reply.Status.State)
}

func TestClientNotificationsStreamsChallengePrompt(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "ccvpnd.sock")
	sessionPath := filepath.Join(dir, "ike.session")

	ctrl := NewController(testProfile(), &applicator.Mock{}, sessionPath, nil)
	srv := NewServer(sockPath, ctrl, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx)
	require.Eventually(t, func() bool {
		_, err := Dial(sockPath)
		return err == nil
	}, time.Second, time.Millisecond)

	cli, err := Dial(sockPath)
	require.NoError(t, err)
	defer cli.Close()

	go ctrl.awaitChallenge("Enter OTP", "ch-1", "")

	select {
	case n := <-cli.Notifications():
		assert.Equal(t, NotifyChallengePending, n.Kind)
		assert.Equal(t, "Enter OTP", n.ChallengePrompt)
	case <-time.After(time.Second):
		t.Fatal("did not receive challenge notification")
	}
}
