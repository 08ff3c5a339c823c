package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/sexpr"
)

const clientsPath = "/clients/"

// DiscoverLoginOptions performs the unauthenticated login-options
// discovery request (§4.3 "/clients/: login-options discovery").
func (c *Client) DiscoverLoginOptions(ctx context.Context) (*LoginOptions, error) {
	req := sexpr.New("CCCclientRequest",
		sexpr.New("RequestHeader",
			sexpr.Leaf("id", "0"),
			sexpr.Leaf("type", "ClientHelloData"),
		),
		sexpr.New("RequestData",
			sexpr.New("client_type", sexpr.Leaf("", "TRAC")),
			sexpr.Leaf("client_version", "1"),
		),
	)

	resp, err := c.post(ctx, clientsPath, req)
	if err != nil {
		return nil, err
	}

	settings := resp.GetPath("ResponseData.client_settings")
	if settings == nil {
		return nil, ccerr.Reply("ccc_missing_settings", "client_settings missing from discovery reply", nil)
	}
	return parseLoginOptions(settings)
}

func parseLoginOptions(settings *sexpr.Node) (*LoginOptions, error) {
	out := &LoginOptions{}

	if data := settings.Get("login_options_data"); data != nil {
		for _, optNode := range data.Children {
			opt := LoginOption{ID: optNode.Key}
			if dn := optNode.Get("display_name"); dn != nil {
				opt.DisplayName = dn.Leaf
			}
			if factors := optNode.Get("factors"); factors != nil {
				for _, f := range factors.Children {
					factor := Factor{Kind: f.Key}
					if p := f.Get("prompt"); p != nil {
						factor.Prompt = p.Leaf
					}
					if s := f.Get("secret"); s != nil {
						factor.Secret = s.Bool()
					}
					opt.Factors = append(opt.Factors, factor)
				}
			}
			out.Options = append(out.Options, opt)
		}
	}

	if fp := settings.Get("internal_ca_fingerprint"); fp != nil {
		raw, err := hex.DecodeString(fp.Leaf)
		if err == nil && len(raw) == sha256.Size {
			copy(out.InternalCAFingerprint[:], raw)
		}
	}

	if conn := settings.Get("connectivity_info"); conn != nil {
		if p := conn.Get("tcpt_port"); p != nil {
			n, _ := p.Int()
			out.TCPTPort = int(n)
		}
		if p := conn.Get("natt_port"); p != nil {
			n, _ := p.Int()
			out.NATTPort = int(n)
		}
		if ip := conn.Get("server_ip"); ip != nil {
			out.ServerIP = ip.Leaf
		}
	}

	if sp := settings.Get("supported_protocols"); sp != nil {
		for _, child := range sp.Children {
			out.SupportedProtocols = append(out.SupportedProtocols, child.Leaf)
		}
	}
	if pp := settings.Get("preferred_protocol"); pp != nil {
		out.PreferredProtocol = pp.Leaf
	}

	return out, nil
}

// BeginAuthentication sends the initial identification record (§4.3
// step 1): chosen login type and, optionally, a user name.
func (c *Client) BeginAuthentication(ctx context.Context, loginType, userName string) (*Stage, error) {
	data := sexpr.New("RequestData",
		sexpr.Leaf("login_type", loginType),
		sexpr.Leaf("client_type", "TRAC"),
	)
	if userName != "" {
		data.Children = append(data.Children, sexpr.Leaf("username", userName))
	}
	req := sexpr.New("CCCclientRequest",
		sexpr.New("RequestHeader",
			sexpr.Leaf("id", "1"),
			sexpr.Leaf("type", "UserPass"),
		),
		data,
	)

	resp, err := c.post(ctx, clientsPath, req)
	if err != nil {
		return nil, err
	}
	return parseStage(resp)
}

// PushFactor answers an outstanding challenge or supplies the
// password-factor value (§4.3 step 3), continuing the loop.
func (c *Client) PushFactor(ctx context.Context, challengeID, value string) (*Stage, error) {
	req := sexpr.New("CCCclientRequest",
		sexpr.New("RequestHeader",
			sexpr.Leaf("id", "2"),
			sexpr.Leaf("type", "UserPass"),
		),
		sexpr.New("RequestData",
			sexpr.Leaf("challenge_id", challengeID),
			sexpr.Leaf("password", value),
		),
	)
	resp, err := c.post(ctx, clientsPath, req)
	if err != nil {
		return nil, err
	}
	return parseStage(resp)
}

// Signout issues the CCC signout record during disconnect (§4.4
// Delete, §2 "C3 issuing a signout").
func (c *Client) Signout(ctx context.Context, sessionCookie string) error {
	req := sexpr.New("CCCclientRequest",
		sexpr.New("RequestHeader",
			sexpr.Leaf("id", "3"),
			sexpr.Leaf("type", "Signout"),
		),
		sexpr.New("RequestData",
			sexpr.Leaf("session_cookie", sessionCookie),
		),
	)
	_, err := c.post(ctx, clientsPath, req)
	return err
}

// SSLTunnelAssignment is the inner-network parameters the gateway
// hands back from a tunnel-establish record (§4.6).
type SSLTunnelAssignment struct {
	InnerIP string
	Netmask string
	MTU     int
}

// EstablishSSLTunnel posts the "tunnel-establish" CCC record carrying
// the authenticated session cookie, and parses the assigned inner
// network parameters (§4.6).
func (c *Client) EstablishSSLTunnel(ctx context.Context, sessionCookie string) (*SSLTunnelAssignment, error) {
	req := sexpr.New("CCCclientRequest",
		sexpr.New("RequestHeader",
			sexpr.Leaf("id", "4"),
			sexpr.Leaf("type", "tunnel-establish"),
		),
		sexpr.New("RequestData",
			sexpr.Leaf("session_cookie", sessionCookie),
			sexpr.Leaf("protocol", "ssl"),
		),
	)
	resp, err := c.post(ctx, clientsPath, req)
	if err != nil {
		return nil, err
	}

	data := resp.GetPath("ResponseData")
	if data == nil {
		return nil, ccerr.Reply("ccc_missing_response_data", "ResponseData missing from tunnel-establish reply", nil)
	}
	assign := data.Get("tunnel_establish_reply")
	if assign == nil {
		return nil, ccerr.Reply("ccc_missing_tunnel_establish", "tunnel_establish_reply missing from reply", nil)
	}

	out := &SSLTunnelAssignment{}
	if ip := assign.Get("office_mode_ip"); ip != nil {
		out.InnerIP = ip.Leaf
	}
	if nm := assign.Get("netmask"); nm != nil {
		out.Netmask = nm.Leaf
	}
	if mtu := assign.Get("mtu"); mtu != nil {
		n, _ := mtu.Int()
		out.MTU = int(n)
	}
	return out, nil
}

// CloseSSLTunnel posts the "tunnel-close" CCC record during disconnect
// (§4.6). The caller is responsible for flushing and closing the TLS
// stream itself; this only tells the gateway the session is ending.
func (c *Client) CloseSSLTunnel(ctx context.Context, sessionCookie string) error {
	req := sexpr.New("CCCclientRequest",
		sexpr.New("RequestHeader",
			sexpr.Leaf("id", "5"),
			sexpr.Leaf("type", "tunnel-close"),
		),
		sexpr.New("RequestData",
			sexpr.Leaf("session_cookie", sessionCookie),
		),
	)
	_, err := c.post(ctx, clientsPath, req)
	return err
}

func parseStage(resp *sexpr.Node) (*Stage, error) {
	data := resp.GetPath("ResponseData")
	if data == nil {
		return nil, ccerr.Reply("ccc_missing_response_data", "ResponseData missing from CCC reply", nil)
	}

	if ok := data.Get("authentication_reply"); ok != nil {
		status := ok.Get("status")
		if status != nil && status.Leaf == "ok" {
			cookie := ""
			if c := ok.Get("session_cookie"); c != nil {
				cookie = c.Leaf
			}
			return &Stage{Kind: StageOK, SessionCookie: cookie}, nil
		}
	}
	if needs := data.Get("client_decision_info"); needs != nil {
		if needs.Get("needs_password") != nil {
			return &Stage{Kind: StageNeedsPassword}, nil
		}
	}
	if ch := data.Get("challenge"); ch != nil {
		s := &Stage{Kind: StageChallenge}
		if p := ch.Get("prompt"); p != nil {
			s.ChallengePrompt = p.Leaf
		}
		if id := ch.Get("id"); id != nil {
			s.ChallengeID = id.Leaf
		}
		return s, nil
	}
	if redirect := data.Get("sso_redirect"); redirect != nil {
		url := ""
		if u := redirect.Get("url"); u != nil {
			url = u.Leaf
		}
		return &Stage{Kind: StageSSORedirect, SSOURL: url}, nil
	}
	if errNode := data.Get("error"); errNode != nil {
		s := &Stage{Kind: StageError}
		if c := errNode.Get("code"); c != nil {
			s.ErrorCode = c.Leaf
		}
		if m := errNode.Get("message"); m != nil {
			s.ErrorMsg = m.Leaf
		}
		return s, nil
	}
	return nil, ccerr.Reply("ccc_unexpected_stage", fmt.Sprintf("unrecognized CCC reply shape: %s", sexpr.Emit(resp)), nil)
}
