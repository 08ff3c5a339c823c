package ike

import (
	"encoding/binary"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/ikewire"
)

// SendDeletePhase2 sends an INFORMATIONAL Delete exchange for the two
// unidirectional ESP SPIs belonging to one Phase-2 SA (§4.4 teardown).
// It does not wait for any response: Delete is fire-and-forget per
// RFC 2408.
func SendDeletePhase2(ex Exchanger, ckyI, ckyR [8]byte, sa *Phase2SA) error {
	spis := make([][]byte, 0, 2)
	for _, spi := range []uint32{sa.Out.SPI, sa.In.SPI} {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, spi)
		spis = append(spis, b)
	}
	body := ikewire.MarshalDelete(ikewire.ProtoESP, 4, spis)
	msg := &ikewire.Message{
		Header: ikewire.Header{
			InitiatorCookie: ckyI, ResponderCookie: ckyR,
			ExchangeType: ikewire.ExchangeInformational, Version: 0x10,
		},
		Payloads: []*ikewire.Payload{{Type: ikewire.PayloadDelete, Body: body}},
	}
	if err := ex.Send(msg); err != nil {
		return ccerr.Net("delete_p2_send_failed", "send Phase-2 Delete", err)
	}
	return nil
}

// SendDeletePhase1 sends an INFORMATIONAL Delete exchange for the IKE
// SA itself, used when the session is not being persisted for later
// resume (§3: "disconnect without --keep-ike-sa tears down the IKE SA
// too").
func SendDeletePhase1(ex Exchanger, ckyI, ckyR [8]byte) error {
	body := ikewire.MarshalDelete(ikewire.ProtoISAKMP, 16, [][]byte{append(append([]byte{}, ckyI[:]...), ckyR[:]...)})
	msg := &ikewire.Message{
		Header: ikewire.Header{
			InitiatorCookie: ckyI, ResponderCookie: ckyR,
			ExchangeType: ikewire.ExchangeInformational, Version: 0x10,
		},
		Payloads: []*ikewire.Payload{{Type: ikewire.PayloadDelete, Body: body}},
	}
	if err := ex.Send(msg); err != nil {
		return ccerr.Net("delete_p1_send_failed", "send Phase-1 Delete", err)
	}
	return nil
}
