package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccvpn-oss/ccvpn/applicator"
	"github.com/ccvpn-oss/ccvpn/ike"
	"github.com/ccvpn-oss/ccvpn/profile"
)

func testProfile() *profile.ConnectionProfile {
	return &profile.ConnectionProfile{
		ServerName: "vpn.example.com",
		LoginType:  "vpn_Username_Password",
		UserName:   "alice",
		Password:   "p@ss",
	}
}

func TestNewControllerStartsIdle(t *testing.T) {
	sessionPath := filepath.Join(t.TempDir(), "ike.session")
	c := NewController(testProfile(), &applicator.Mock{}, sessionPath, nil)

	st := c.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, "vpn.example.com", st.Profile)
}

func TestAwaitChallengeDeliversAnswer(t *testing.T) {
	sessionPath := filepath.Join(t.TempDir(), "ike.session")
	c := NewController(testProfile(), &applicator.Mock{}, sessionPath, nil)

	type result struct {
		answer string
		cancel bool
	}
	resCh := make(chan result, 1)
	go func() {
		a, cancel := c.awaitChallenge("Enter OTP", "ch-1", "")
		resCh <- result{a, cancel}
	}()

	require.Eventually(t, func() bool {
		return c.Status().State == StateChallengePending
	}, time.Second, time.Millisecond)

	require.NoError(t, c.AnswerChallenge(context.Background(), "123456"))

	select {
	case r := <-resCh:
		assert.Equal(t, "123456", r.answer)
		assert.False(t, r.cancel)
	case <-time.After(time.Second):
		t.Fatal("awaitChallenge did not return")
	}
}

func TestCancelChallengeAbandonsPrompt(t *testing.T) {
	sessionPath := filepath.Join(t.TempDir(), "ike.session")
	c := NewController(testProfile(), &applicator.Mock{}, sessionPath, nil)

	type result struct {
		answer string
		cancel bool
	}
	resCh := make(chan result, 1)
	go func() {
		a, cancel := c.awaitChallenge("", "", "https://sso.example.com/login")
		resCh <- result{a, cancel}
	}()

	require.Eventually(t, func() bool {
		return c.Status().State == StateSSOPending
	}, time.Second, time.Millisecond)

	require.NoError(t, c.CancelChallenge())

	select {
	case r := <-resCh:
		assert.True(t, r.cancel)
	case <-time.After(time.Second):
		t.Fatal("awaitChallenge did not return")
	}
}

func TestAnswerChallengeErrorsWhenNothingPending(t *testing.T) {
	sessionPath := filepath.Join(t.TempDir(), "ike.session")
	c := NewController(testProfile(), &applicator.Mock{}, sessionPath, nil)

	err := c.AnswerChallenge(context.Background(), "123456")
	assert.Error(t, err)
}

func TestResumeFromPersistedSessionNoFile(t *testing.T) {
	sessionPath := filepath.Join(t.TempDir(), "ike.session")
	c := NewController(testProfile(), &applicator.Mock{}, sessionPath, nil)

	resumed, err := c.ResumeFromPersistedSession(context.Background())
	require.NoError(t, err)
	assert.False(t, resumed)
}

func TestResumeFromPersistedSessionDeletesStaleSession(t *testing.T) {
	sessionPath := filepath.Join(t.TempDir(), "ike.session")
	stale := &ike.IkeSession{
		ID:         ike.NewSessionID(),
		CreatedAt:  time.Now().Add(-2 * time.Hour),
		IKERekeyAt: time.Now().Add(-time.Hour),
		PeerAddr:   "203.0.113.1",
	}
	require.NoError(t, ike.Save(sessionPath, stale))

	c := NewController(testProfile(), &applicator.Mock{}, sessionPath, nil)
	resumed, err := c.ResumeFromPersistedSession(context.Background())
	require.NoError(t, err)
	assert.False(t, resumed)

	_, loadErr := ike.Load(sessionPath)
	assert.Error(t, loadErr)
}

func TestSetProfileSwapsProfile(t *testing.T) {
	sessionPath := filepath.Join(t.TempDir(), "ike.session")
	c := NewController(testProfile(), &applicator.Mock{}, sessionPath, nil)

	c.SetProfile(&profile.ConnectionProfile{ServerName: "vpn2.example.com", LoginType: "vpn_Username_Password"})
	assert.Equal(t, "vpn2.example.com", c.Status().Profile)
}
