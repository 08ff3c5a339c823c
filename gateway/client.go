package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/http2"
	"golang.org/x/net/idna"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/sexpr"
)

// Client talks to one gateway's CCC endpoint. It is not safe for
// concurrent use across different authentication attempts (each
// attempt owns its own Client instance, mirroring §5's "owned only by
// the active tunnel's tasks").
type Client struct {
	httpc      *http.Client
	baseURL    string
	serverName string
}

// Config controls how the TLS channel to the gateway is validated,
// per §4.2: "TLS validation for the CCC channel uses system roots
// unless ca-cert overrides, with ignore-server-cert forcing
// acceptance (logged at warn)."
type Config struct {
	ServerName       string
	Port             int
	CACerts          []*x509.Certificate // from profile.ConnectionProfile.CACerts, empty means system roots
	IgnoreServerCert bool
	Timeout          time.Duration
}

// New builds a Client from cfg. The server name is normalized to ASCII
// (punycode) via golang.org/x/net/idna first, since gateways are
// occasionally configured with an IDN hostname in a profile edited by
// hand and net/http's own SNI handling does not do that normalization.
func New(cfg Config) *Client {
	port := cfg.Port
	if port == 0 {
		port = 443
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	serverName := cfg.ServerName
	if ascii, err := idna.Lookup.ToASCII(serverName); err == nil {
		serverName = ascii
	}

	tlsConf := &tls.Config{ServerName: serverName}
	if cfg.IgnoreServerCert {
		tlsConf.InsecureSkipVerify = true
	} else if len(cfg.CACerts) > 0 {
		pool := x509.NewCertPool()
		for _, c := range cfg.CACerts {
			pool.AddCert(c)
		}
		tlsConf.RootCAs = pool
	}

	transport := &http.Transport{TLSClientConfig: tlsConf}
	// CCC gateways that front the portal with a modern reverse proxy
	// happily speak HTTP/2; http2.ConfigureTransport lets the client
	// negotiate it via ALPN instead of being hardwired to HTTP/1.1.
	_ = http2.ConfigureTransport(transport)

	return &Client{
		httpc:      &http.Client{Timeout: timeout, Transport: transport},
		baseURL:    fmt.Sprintf("https://%s:%d", serverName, port),
		serverName: serverName,
	}
}

// post sends an S-expression request body to path and parses the
// S-expression response, retrying network errors twice with a 2s
// backoff before surfacing (§4.3's failure semantics), via
// github.com/cenkalti/backoff/v4.
func (c *Client) post(ctx context.Context, path string, req *sexpr.Node) (*sexpr.Node, error) {
	body := sexpr.Emit(req)

	var resp *sexpr.Node
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 2)

	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
		if err != nil {
			return ccerr.Config("bad_request", "build CCC request", err)
		}
		httpReq.Header.Set("Content-Type", "text/plain")

		httpResp, err := c.httpc.Do(httpReq)
		if err != nil {
			return ccerr.Net("ccc_unreachable", fmt.Sprintf("POST %s", path), err)
		}
		defer httpResp.Body.Close()

		raw, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return ccerr.Net("ccc_read_failed", fmt.Sprintf("read response from %s", path), err)
		}
		if httpResp.StatusCode >= 500 {
			return ccerr.Net("ccc_server_error", fmt.Sprintf("%s returned %d", path, httpResp.StatusCode), nil)
		}
		if httpResp.StatusCode != http.StatusOK {
			return ccerr.Reply("ccc_http_status", fmt.Sprintf("%s returned %d", path, httpResp.StatusCode), nil)
		}

		node, err := sexpr.Parse(string(raw))
		if err != nil {
			// An invalid S-expression is fatal (§4.3); do not retry.
			return backoff.Permanent(ccerr.Reply("ccc_malformed_reply", "parse CCC response", err))
		}
		resp = node
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, perm.Err
		}
		return nil, err
	}
	return resp, nil
}
