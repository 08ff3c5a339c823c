package gateway

import (
	"context"
	"encoding/base64"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/sexpr"
)

// EnrollCertificate drives certificate enrollment negotiation (§4.3,
// §1's "certificate enrollment negotiation"): a CSR-equivalent
// request is posted under an authenticated session, and the gateway
// returns an issued certificate chain and private key, base64-encoded
// inside the S-expression reply.
func (c *Client) EnrollCertificate(ctx context.Context, sessionCookie string, csrDER []byte) (*CertEnrollmentResult, error) {
	req := sexpr.New("CCCclientRequest",
		sexpr.New("RequestHeader",
			sexpr.Leaf("id", "4"),
			sexpr.Leaf("type", "CertRequest"),
		),
		sexpr.New("RequestData",
			sexpr.Leaf("session_cookie", sessionCookie),
			sexpr.Leaf("csr", base64.StdEncoding.EncodeToString(csrDER)),
		),
	)

	resp, err := c.post(ctx, clientsPath, req)
	if err != nil {
		return nil, err
	}

	data := resp.GetPath("ResponseData")
	if data == nil {
		return nil, ccerr.Reply("ccc_missing_response_data", "ResponseData missing from enrollment reply", nil)
	}
	certReply := data.Get("cert_reply")
	if certReply == nil {
		return nil, ccerr.Reply("ccc_missing_cert_reply", "cert_reply missing from enrollment response", nil)
	}

	result := &CertEnrollmentResult{}
	if chain := certReply.Get("chain"); chain != nil {
		for _, leafNode := range chain.Children {
			der, err := base64.StdEncoding.DecodeString(leafNode.Leaf)
			if err != nil {
				return nil, ccerr.Reply("ccc_bad_cert_encoding", "decode certificate chain entry", err)
			}
			result.CertificateDER = append(result.CertificateDER, der)
		}
	}
	if key := certReply.Get("private_key"); key != nil {
		der, err := base64.StdEncoding.DecodeString(key.Leaf)
		if err != nil {
			return nil, ccerr.Reply("ccc_bad_key_encoding", "decode issued private key", err)
		}
		result.PrivateKeyDER = der
	}
	return result, nil
}
