package ike

import (
	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/ikewire"
	"github.com/ccvpn-oss/ccvpn/profile"
)

// ChallengeNotifier surfaces an XAuth challenge to whatever owns the
// user dialogue (the controller); it mirrors gateway.Notifier's shape
// without depending on the gateway package, since XAuth can also run
// standalone (aggressive-mode PSK+XAuth profiles never touch CCC).
type ChallengeNotifier interface {
	ChallengePending(prompt, challengeID string) (answer string, cancel bool)
}

// RunXAuth drives the Transaction-exchange XAuth dialogue (§4.4:
// "hybrid/XAuth profiles run a Transaction exchange after Phase 1,
// before MODE_CFG"). The server issues CFG_REQUEST messages; each is
// answered with a CFG_REPLY until a CFG_SET carrying XAUTH_STATUS
// arrives, which this function ACKs.
func RunXAuth(ex Exchanger, ckyI, ckyR [8]byte, p *profile.ConnectionProfile, notifier ChallengeNotifier) error {
	for {
		msg, err := ex.Recv()
		if err != nil {
			return ccerr.Net("xauth_recv_failed", "receive XAuth message", err)
		}
		attrPayload := msg.Get(ikewire.PayloadAttributes)
		if attrPayload == nil {
			return ccerr.Reply("xauth_missing_attrs", "XAuth message missing Attributes payload", nil)
		}
		cfg, err := ikewire.UnmarshalAttributePayload(attrPayload.Body)
		if err != nil {
			return ccerr.Reply("xauth_bad_attrs", "parse XAuth attributes", err)
		}

		switch cfg.Type {
		case ikewire.CfgSet:
			status, ok := ikewire.Find(cfg.Attributes, ikewire.AttrXAuthStatus)
			ack := ikewire.MarshalAttributePayload(ikewire.CfgAck, cfg.Identifier, nil)
			ackMsg := transactionMessage(ckyI, ckyR, msg.Header.MessageID, ack)
			if err := ex.Send(ackMsg); err != nil {
				return ccerr.Net("xauth_ack_send_failed", "send XAuth ACK", err)
			}
			if ok && status.Uint16() == 0 {
				return ccerr.Auth("xauth_rejected", "gateway rejected XAuth credentials", nil)
			}
			return nil

		case ikewire.CfgRequest:
			reply, err := buildXAuthReply(cfg, p, notifier)
			if err != nil {
				return err
			}
			replyMsg := transactionMessage(ckyI, ckyR, msg.Header.MessageID, ikewire.MarshalAttributePayload(ikewire.CfgReply, cfg.Identifier, reply))
			if err := ex.Send(replyMsg); err != nil {
				return ccerr.Net("xauth_reply_send_failed", "send XAuth reply", err)
			}

		default:
			return ccerr.Reply("xauth_unexpected_type", "unexpected XAuth message type", nil)
		}
	}
}

func buildXAuthReply(req *ikewire.AttributePayload, p *profile.ConnectionProfile, notifier ChallengeNotifier) ([]ikewire.Attribute, error) {
	var out []ikewire.Attribute
	for _, a := range req.Attributes {
		switch a.Type {
		case ikewire.AttrXAuthUserName:
			out = append(out, ikewire.AttrBytes(ikewire.AttrXAuthUserName, []byte(p.UserName)))
		case ikewire.AttrXAuthPassword:
			out = append(out, ikewire.AttrBytes(ikewire.AttrXAuthPassword, []byte(p.Password)))
		case ikewire.AttrXAuthMessage:
			answer, cancel := notifier.ChallengePending(string(a.Value), "")
			if cancel {
				return nil, ccerr.Cancel("xauth_cancelled", "user cancelled XAuth challenge")
			}
			out = append(out, ikewire.AttrBytes(ikewire.AttrXAuthMessage, []byte(answer)))
		}
	}
	return out, nil
}

func transactionMessage(ckyI, ckyR [8]byte, messageID uint32, attrBody []byte) *ikewire.Message {
	return &ikewire.Message{
		Header: ikewire.Header{
			InitiatorCookie: ckyI, ResponderCookie: ckyR,
			ExchangeType: ikewire.ExchangeTransaction, MessageID: messageID, Version: 0x10,
		},
		Payloads: []*ikewire.Payload{{Type: ikewire.PayloadAttributes, Body: attrBody}},
	}
}
