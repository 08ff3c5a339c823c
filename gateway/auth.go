package gateway

import (
	"context"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/profile"
)

// Notifier is the controller-facing callback surface C3 drives during
// the authentication dialogue (spec §4.3 step 3, §4.7 notifications):
// challenge prompts and SSO URLs are pushed upward rather than
// resolved locally, since only the controller knows whether a GUI or
// snxctl client is listening.
type Notifier interface {
	ChallengePending(prompt, challengeID string) (answer string, cancel bool)
	SSOPending(url string) (otp string, cancel bool)
}

// Authenticate drives the full dialogue from spec.md §4.3: identify,
// then loop on whatever the gateway asks for until
// authentication_reply ok or a terminal error, enforcing the endless-
// challenge guard from §3 (default 10 username challenges without
// progress).
func Authenticate(ctx context.Context, c *Client, p *profile.ConnectionProfile, notifier Notifier) (*AuthResult, error) {
	stage, err := c.BeginAuthentication(ctx, p.LoginType, p.UserName)
	if err != nil {
		return nil, err
	}

	challenges := 0
	factors := []string{p.Password}

	for {
		switch stage.Kind {
		case StageOK:
			return &AuthResult{SessionCookie: stage.SessionCookie, Username: p.UserName}, nil

		case StageNeedsPassword:
			idx := p.PasswordFactor - 1
			if idx < 0 || idx >= len(factors) {
				idx = 0
			}
			stage, err = c.PushFactor(ctx, "", factors[idx])
			if err != nil {
				return nil, err
			}

		case StageChallenge:
			challenges++
			if challenges > profile.MaxUsernameChallenges {
				return nil, ccerr.Auth("endless_challenges", "gateway issued more than the maximum allowed challenges without completing authentication", nil)
			}
			answer, cancel := notifier.ChallengePending(stage.ChallengePrompt, stage.ChallengeID)
			if cancel {
				return nil, ccerr.Cancel("auth_cancelled", "user cancelled during challenge")
			}
			stage, err = c.PushFactor(ctx, stage.ChallengeID, answer)
			if err != nil {
				return nil, err
			}

		case StageSSORedirect:
			otp, cancel := notifier.SSOPending(stage.SSOURL)
			if cancel {
				return nil, ccerr.Cancel("auth_cancelled", "user cancelled during SSO")
			}
			stage, err = c.PushFactor(ctx, "", otp)
			if err != nil {
				return nil, err
			}

		case StageError:
			return nil, ccerr.Auth(stringOr(stage.ErrorCode, "auth_failed"), stage.ErrorMsg, nil)

		default:
			return nil, ccerr.Reply("ccc_unexpected_stage", "authentication dialogue reached an unrecognized stage", nil)
		}
	}
}

func stringOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
