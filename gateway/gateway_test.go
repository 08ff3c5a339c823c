package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccvpn-oss/ccvpn/profile"
	"github.com/ccvpn-oss/ccvpn/sexpr"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New(Config{ServerName: "vpn.example.com", IgnoreServerCert: true})
	c.baseURL = srv.URL
	c.httpc = srv.Client()
	return c
}

func TestDiscoverLoginOptions(t *testing.T) {
	fingerprint := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" // 64 hex chars
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`(CCCclientRequest (ResponseData (client_settings ` +
			`(login_options_data (vpn_Username_Password display_name:"Username and Password" ` +
			`(factors (password prompt:"Password" secret:true)))) ` +
			`internal_ca_fingerprint:"` + fingerprint + `" ` +
			`(connectivity_info tcpt_port:443 natt_port:4500 server_ip:"203.0.113.1") ` +
			`(supported_protocols IPSec SSL) ` +
			`preferred_protocol:"IPSec")))`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	opts, err := c.DiscoverLoginOptions(context.Background())
	require.NoError(t, err)
	require.Len(t, opts.Options, 1)
	assert.Equal(t, "vpn_Username_Password", opts.Options[0].ID)
	assert.Equal(t, "Username and Password", opts.Options[0].DisplayName)
	require.Len(t, opts.Options[0].Factors, 1)
	assert.Equal(t, "password", opts.Options[0].Factors[0].Kind)
	assert.Equal(t, 443, opts.TCPTPort)
	assert.Equal(t, 4500, opts.NATTPort)
	assert.Equal(t, "203.0.113.1", opts.ServerIP)
	assert.Equal(t, "IPSec", opts.PreferredProtocol)
}

// scriptedNotifier answers every challenge deterministically, for the
// happy-path dialogue test.
type scriptedNotifier struct {
	answer string
}

func (s scriptedNotifier) ChallengePending(prompt, id string) (string, bool) { return s.answer, false }
func (s scriptedNotifier) SSOPending(url string) (string, bool)              { return s.answer, false }

func TestAuthenticateHappyPath(t *testing.T) {
	step := 0
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = sexpr.Parse(string(body))
		step++
		switch step {
		case 1:
			w.Write([]byte(`(CCCclientRequest (ResponseData (challenge prompt:"Enter OTP" id:"ch-1")))`))
		case 2:
			w.Write([]byte(`(CCCclientRequest (ResponseData (authentication_reply status:"ok" session_cookie:"abc123")))`))
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	p := &profile.ConnectionProfile{LoginType: "vpn_Username_Password", UserName: "alice", Password: "p@ss", PasswordFactor: 1}
	res, err := Authenticate(context.Background(), c, p, scriptedNotifier{answer: "123456"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", res.SessionCookie)
}

func TestEstablishSSLTunnelParsesAssignment(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`(CCCclientRequest (ResponseData (tunnel_establish_reply ` +
			`office_mode_ip:"10.20.30.40" netmask:"255.255.255.0" mtu:1350)))`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	assignment, err := c.EstablishSSLTunnel(context.Background(), "cookie-123")
	require.NoError(t, err)
	assert.Equal(t, "10.20.30.40", assignment.InnerIP)
	assert.Equal(t, "255.255.255.0", assignment.Netmask)
	assert.Equal(t, 1350, assignment.MTU)
}

func TestCloseSSLTunnelSendsSessionCookie(t *testing.T) {
	var gotCookie string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		node, _ := sexpr.Parse(string(body))
		if cookie := node.GetPath("RequestData.session_cookie"); cookie != nil {
			gotCookie = cookie.Leaf
		}
		w.Write([]byte(`(CCCclientRequest (ResponseData (ok:true)))`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.CloseSSLTunnel(context.Background(), "cookie-123")
	require.NoError(t, err)
	assert.Equal(t, "cookie-123", gotCookie)
}

func TestAuthenticateEndlessChallengeGuard(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`(CCCclientRequest (ResponseData (challenge prompt:"Enter username" id:"ch-x")))`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	p := &profile.ConnectionProfile{LoginType: "vpn_Username_Password"}
	_, err := Authenticate(context.Background(), c, p, scriptedNotifier{answer: "nobody"})
	require.Error(t, err)
}
