package controller

import (
	"context"
	"sync"

	"github.com/ccvpn-oss/ccvpn/ccerr"
)

// pendingChallenge is one outstanding interactive prompt: the
// controller blocks the lifecycle goroutine on answerCh (or cancelCh)
// until the IPC layer delivers an answer via AnswerChallenge/Cancel.
type pendingChallenge struct {
	prompt      string
	challengeID string
	ssoURL      string
	answerCh    chan string
	cancelCh    chan struct{}
	cancelOnce  sync.Once
}

// controllerNotifier satisfies both gateway.Notifier and
// ike.ChallengeNotifier by structural typing: both interfaces reduce
// to "ask the user something, get an answer or a cancel back". One
// concrete type threading through a single pending-challenge slot
// keeps the CCC dialogue (§4.3) and the XAuth dialogue (§4.4) behind
// the same IPC surface instead of two parallel ones.
type controllerNotifier struct {
	ctrl *Controller
}

func newControllerNotifier(c *Controller) *controllerNotifier {
	return &controllerNotifier{ctrl: c}
}

// ChallengePending implements gateway.Notifier and ike.ChallengeNotifier.
func (n *controllerNotifier) ChallengePending(prompt, challengeID string) (answer string, cancel bool) {
	return n.ctrl.awaitChallenge(prompt, challengeID, "")
}

// SSOPending implements gateway.Notifier.
func (n *controllerNotifier) SSOPending(url string) (otp string, cancel bool) {
	return n.ctrl.awaitChallenge("", "", url)
}

// awaitChallenge publishes a pending challenge, emits a notification
// for subscribed IPC clients, and blocks until AnswerChallenge or
// Cancel resolves it.
func (c *Controller) awaitChallenge(prompt, challengeID, ssoURL string) (string, bool) {
	pc := &pendingChallenge{
		prompt: prompt, challengeID: challengeID, ssoURL: ssoURL,
		answerCh: make(chan string, 1),
		cancelCh: make(chan struct{}),
	}

	c.mu.Lock()
	c.pending = pc
	if ssoURL != "" {
		c.setState(StateSSOPending)
		c.notify(Notification{Kind: NotifySSOPending, State: StateSSOPending, SSOURL: ssoURL})
	} else {
		c.setState(StateChallengePending)
		c.notify(Notification{Kind: NotifyChallengePending, State: StateChallengePending, ChallengePrompt: prompt, ChallengeID: challengeID})
	}
	c.mu.Unlock()

	select {
	case answer := <-pc.answerCh:
		c.mu.Lock()
		c.pending = nil
		c.setState(StateAuthenticating)
		c.mu.Unlock()
		return answer, false
	case <-pc.cancelCh:
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		return "", true
	case <-c.connectDone():
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		return "", true
	}
}

// AnswerChallenge delivers an answer typed by the user to whichever
// goroutine is currently blocked in awaitChallenge. Returns an error
// if nothing is pending.
func (c *Controller) AnswerChallenge(ctx context.Context, answer string) error {
	c.mu.Lock()
	pc := c.pending
	c.mu.Unlock()
	if pc == nil {
		return ccerr.Config("no_pending_challenge", "no challenge is currently pending", nil)
	}
	select {
	case pc.answerCh <- answer:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelChallenge abandons the currently pending challenge without
// tearing down the whole connect attempt's context, distinct from
// Controller.Cancel which interrupts the entire attempt.
func (c *Controller) CancelChallenge() error {
	c.mu.Lock()
	pc := c.pending
	c.mu.Unlock()
	if pc == nil {
		return ccerr.Config("no_pending_challenge", "no challenge is currently pending", nil)
	}
	pc.cancelOnce.Do(func() { close(pc.cancelCh) })
	return nil
}
