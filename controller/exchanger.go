package controller

import (
	"net"
	"strconv"
	"time"

	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/ikewire"
)

// exchangeTimeout bounds a single Recv call; the IKE drivers (ike.RunMainMode
// et al.) retry at the Exchanger boundary by simply failing the whole
// operation, same as the rest of this codebase's "no retries inside a
// negotiation step" posture (§5).
const exchangeTimeout = 10 * time.Second

// udpExchanger is the ike.Exchanger implementation backing the IPSec
// control channel: one UDP socket to the gateway's IKE port,
// request/response framed by ikewire.Message. Every caller dials port
// 500, and the exchange stays there when NAT is detected; it does not
// move to 4500.
// Grounded on the same net.DialUDP pattern transport/xfrm.go and
// transport/udptun.go already use to reach the gateway's data-plane
// ports; no IKE-specific transport existed anywhere else in the tree.
type udpExchanger struct {
	conn *net.UDPConn
}

// dialUDPExchanger opens the IKE control-channel socket.
func dialUDPExchanger(serverAddr string, port int) (*udpExchanger, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(serverAddr, strconv.Itoa(port)))
	if err != nil {
		return nil, ccerr.Net("ike_resolve_failed", "resolve IKE peer address", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, ccerr.Net("ike_dial_failed", "dial IKE control socket", err)
	}
	return &udpExchanger{conn: conn}, nil
}

func (e *udpExchanger) Send(msg *ikewire.Message) error {
	if _, err := e.conn.Write(msg.Marshal()); err != nil {
		return ccerr.Net("ike_send_failed", "send IKE message", err)
	}
	return nil
}

func (e *udpExchanger) Recv() (*ikewire.Message, error) {
	if err := e.conn.SetReadDeadline(time.Now().Add(exchangeTimeout)); err != nil {
		return nil, ccerr.Net("ike_deadline_failed", "set IKE read deadline", err)
	}
	buf := make([]byte, 65507)
	n, err := e.conn.Read(buf)
	if err != nil {
		return nil, ccerr.Net("ike_recv_failed", "receive IKE message", err)
	}
	msg, err := ikewire.Unmarshal(buf[:n])
	if err != nil {
		return nil, ccerr.Reply("ike_bad_message", "unmarshal IKE message", err)
	}
	return msg, nil
}

func (e *udpExchanger) Close() error {
	return e.conn.Close()
}

// LocalAddr returns the socket's local IP and port, needed for the
// NAT-D hash RunMainMode computes over both endpoints.
func (e *udpExchanger) LocalAddr() (ip string, port uint16) {
	addr := e.conn.LocalAddr().(*net.UDPAddr)
	return addr.IP.String(), uint16(addr.Port)
}
