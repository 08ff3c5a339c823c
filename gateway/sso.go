package gateway

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ccvpn-oss/ccvpn/ccerr"
)

// SSOListener is the ephemeral local HTTP listener C3 spawns to catch
// the SAML-SSO browser redirect carrying the OTP (§4.3 step 3:
// "spawns a local HTTP listener to capture the OTP from the browser
// redirect"), grounded on nasnet-panel's use of
// github.com/labstack/echo/v4 for its own HTTP surface.
type SSOListener struct {
	echo     *echo.Echo
	listener net.Listener
	otpCh    chan string
}

// NewSSOListener binds an ephemeral localhost port and installs the
// single route the gateway's redirect targets.
func NewSSOListener() (*SSOListener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, ccerr.Res("sso_listen_failed", "bind local SSO callback listener", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	l := &SSOListener{echo: e, listener: ln, otpCh: make(chan string, 1)}

	e.GET("/sso-callback", func(c echo.Context) error {
		otp := c.QueryParam("otp")
		select {
		case l.otpCh <- otp:
		default:
		}
		return c.String(http.StatusOK, "You may now close this window and return to the VPN client.")
	})

	go func() { _ = e.Server.Serve(ln) }()

	return l, nil
}

// CallbackURL is the redirect_uri to embed in the SSO URL surfaced to
// the browser.
func (l *SSOListener) CallbackURL() string {
	return "http://" + l.listener.Addr().String() + "/sso-callback"
}

// WaitForOTP blocks until the browser posts back the OTP, the context
// is cancelled, or timeout elapses.
func (l *SSOListener) WaitForOTP(ctx context.Context, timeout time.Duration) (string, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case otp := <-l.otpCh:
		return otp, nil
	case <-ctx.Done():
		return "", ccerr.Cancel("sso_cancelled", "SSO wait cancelled")
	case <-t.C:
		return "", ccerr.Net("sso_timeout", "timed out waiting for SSO browser redirect", nil)
	}
}

// Close shuts the listener down; safe to call from a cancellation
// path (§5: cancellation completes within the bounded teardown
// window).
func (l *SSOListener) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return l.echo.Shutdown(ctx)
}
