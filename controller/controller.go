package controller

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ccvpn-oss/ccvpn/applicator"
	"github.com/ccvpn-oss/ccvpn/ccerr"
	"github.com/ccvpn-oss/ccvpn/gateway"
	"github.com/ccvpn-oss/ccvpn/ike"
	"github.com/ccvpn-oss/ccvpn/ikecrypto"
	"github.com/ccvpn-oss/ccvpn/ikewire"
	"github.com/ccvpn-oss/ccvpn/logger"
	"github.com/ccvpn-oss/ccvpn/profile"
	"github.com/ccvpn-oss/ccvpn/ssltunnel"
	"github.com/ccvpn-oss/ccvpn/transport"
)

// Controller is the single owner of one tunnel attempt's state (§4.7,
// §3's "mutated only by the owning IKE task" extended to the whole
// lifecycle). connect/disconnect/reconnect run one at a time through
// cmdQueue; status/info/get_login_options read state directly since
// they never mutate it and shouldn't have to wait behind a lifecycle
// operation (§4.7 "read-only commands bypass the queue").
type Controller struct {
	profile     *profile.ConnectionProfile
	applicator  applicator.Applicator
	log         *logger.Writer
	sessionPath string

	mu      sync.Mutex
	state   TunnelState
	pending *pendingChallenge

	carrier transport.Carrier
	sslTun  *ssltunnel.Tunnel
	tunFile *os.File
	session *ike.IkeSession

	connectCtx       context.Context
	connectCancel    context.CancelFunc
	supervisorCancel context.CancelFunc

	notifications chan Notification
	cmdQueue      chan func()

	discovery singleflight.Group
}

// NewController builds a controller for one profile. a is the
// applicator boundary (§6); sessionPath is where the IKE session is
// persisted between runs (§3, supplemented auto-reconnect feature).
func NewController(p *profile.ConnectionProfile, a applicator.Applicator, sessionPath string, log *logger.Writer) *Controller {
	c := &Controller{
		profile:       p,
		applicator:    a,
		log:           log,
		sessionPath:   sessionPath,
		state:         StateIdle,
		notifications: make(chan Notification, 32),
		cmdQueue:      make(chan func(), 8),
	}
	go c.runQueue()
	return c
}

func (c *Controller) runQueue() {
	for job := range c.cmdQueue {
		job()
	}
}

// Notifications returns the channel ccvpnd's IPC layer drains to push
// asynchronous events (challenge prompts, state changes) to connected
// clients.
func (c *Controller) Notifications() <-chan Notification { return c.notifications }

// warnf logs through the controller's own Writer when one was
// supplied, matching the Sink interface's plain-string methods.
func (c *Controller) warnf(format string, args ...interface{}) {
	if c.log == nil {
		return
	}
	_ = (*c.log).Warning(fmt.Sprintf(format, args...))
}

func (c *Controller) notify(n Notification) {
	select {
	case c.notifications <- n:
	default:
		c.warnf("notification channel full, dropping %s", n.Kind)
	}
}

func (c *Controller) setState(to TunnelState) {
	from := c.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		c.warnf("%v", errInvalidTransition(from, to))
	}
	c.state = to
	c.notify(Notification{Kind: NotifyStateChanged, State: to})
}

// Status returns a point-in-time snapshot; it never blocks on the
// lifecycle queue.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, Profile: c.profile.ServerName}
	if c.carrier != nil {
		st.InnerIP = c.carrier.InnerIP()
		st.Transport = c.carrier.Type().String()
	} else if c.sslTun != nil {
		st.InnerIP = c.sslTun.InnerIP()
		st.Transport = "ssl"
	}
	if c.session != nil {
		st.PeerAddr = c.session.PeerAddr
	}
	return st
}

// connectDone is closed once the current connect attempt's context is
// cancelled (by Cancel, or because the attempt finished); read under
// lock since connectCtx is replaced at the start of every attempt.
func (c *Controller) connectDone() <-chan struct{} {
	c.mu.Lock()
	ctx := c.connectCtx
	c.mu.Unlock()
	if ctx == nil {
		return make(chan struct{}) // never closes: nothing in flight to cancel
	}
	return ctx.Done()
}

// Cancel interrupts whatever lifecycle operation is currently running,
// including one blocked on awaitChallenge, without waiting for it to
// reach a natural decision point (§4.7 "cancel pre-empts immediately").
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.connectCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// GetLoginOptions discovers the gateway's supported login factors
// without mutating controller state; used by the CLI to render the
// login form before Connect is ever called.
// GetLoginOptions discovers a gateway's advertised login options.
// Concurrent calls for the same server (e.g. a GUI polling status while
// a CLI invocation is also discovering) collapse into one HTTPS round
// trip via singleflight rather than hammering the gateway once per
// caller.
func (c *Controller) GetLoginOptions(ctx context.Context, serverName string) (*gateway.LoginOptions, error) {
	key := serverName
	if key == "" {
		key = c.profile.ServerName
	}
	v, err, _ := c.discovery.Do(key, func() (interface{}, error) {
		gw, err := c.newGatewayClient(key)
		if err != nil {
			return nil, err
		}
		return gw.DiscoverLoginOptions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*gateway.LoginOptions), nil
}

func (c *Controller) newGatewayClient(serverName string) (*gateway.Client, error) {
	caCerts, err := loadCACerts(c.profile.CACerts)
	if err != nil {
		return nil, err
	}
	return gateway.New(gateway.Config{
		ServerName:       serverName,
		CACerts:          caCerts,
		IgnoreServerCert: c.profile.IgnoreServerCert,
	}), nil
}

// Connect enqueues a connect attempt and blocks until it completes or
// ctx is cancelled. The attempt itself keeps running in the background
// queue even if the caller's ctx is cancelled first; use Cancel to stop
// the attempt itself.
func (c *Controller) Connect(ctx context.Context) error {
	done := make(chan error, 1)
	c.cmdQueue <- func() { done <- c.doConnect() }
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect enqueues a teardown.
func (c *Controller) Disconnect(ctx context.Context) error {
	done := make(chan error, 1)
	c.cmdQueue <- func() { done <- c.doDisconnect() }
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect tears down any live tunnel and connects again, run as one
// serialized queue entry so no other queued command runs between the
// two. A concurrent status read can still observe the intermediate
// states, Idle included, since each step publishes its own state.
func (c *Controller) Reconnect(ctx context.Context) error {
	done := make(chan error, 1)
	c.cmdQueue <- func() {
		if c.Status().State == StateConnected {
			if err := c.doDisconnect(); err != nil {
				done <- err
				return
			}
		}
		done <- c.doConnect()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doConnect runs the full discovery -> auth -> establish sequence
// described in §4.2-§4.5. It owns connectCtx/connectCancel for the
// duration of the attempt so Cancel() can interrupt it at any await
// point, including a pending challenge.
func (c *Controller) doConnect() error {
	connectCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.connectCtx = connectCtx
	c.connectCancel = cancel
	prevCarrier := c.carrier
	prevSSLTun := c.sslTun
	prevTunFile := c.tunFile
	c.setState(StateDiscovering)
	c.mu.Unlock()
	defer cancel()

	hadPriorTunnel := prevCarrier != nil || prevSSLTun != nil

	serverHost := hostOnly(c.profile.ServerName)
	gw, err := c.newGatewayClient(serverHost)
	if err != nil {
		c.failConnect(err, hadPriorTunnel)
		return err
	}

	opts, err := gw.DiscoverLoginOptions(connectCtx)
	if err != nil {
		c.failConnect(err, hadPriorTunnel)
		return err
	}

	c.mu.Lock()
	c.setState(StateAuthenticating)
	c.mu.Unlock()

	notifier := newControllerNotifier(c)
	authRes, err := gateway.Authenticate(connectCtx, gw, c.profile, notifier)
	if err != nil {
		c.failConnect(err, hadPriorTunnel)
		return err
	}

	c.mu.Lock()
	c.setState(StateEstablishing)
	c.mu.Unlock()

	peerAddr := opts.ServerIP
	if peerAddr == "" {
		peerAddr = serverHost
	}

	var err2 error
	if c.profile.TunnelType == profile.TunnelSSL {
		err2 = c.connectSSL(connectCtx, gw, peerAddr, opts, authRes)
	} else {
		err2 = c.connectIPSec(connectCtx, peerAddr, opts, authRes)
	}
	if err2 != nil {
		c.failConnect(err2, hadPriorTunnel)
		return err2
	}

	c.closePreviousTunnel(prevCarrier, prevSSLTun, prevTunFile)
	c.startSupervisors()

	c.mu.Lock()
	c.setState(StateConnected)
	c.mu.Unlock()
	c.notify(Notification{Kind: NotifyConnected, State: StateConnected})
	return nil
}

// failConnect reports a failed attempt. When an older tunnel was still
// up when the attempt started (a background ReconnectDelay retry),
// that tunnel was never touched by the failed attempt, so the
// controller demotes back to ReconnectDelay instead of Idle (§7:
// "never tears down the tunnel still in use").
func (c *Controller) failConnect(err error, hadPriorTunnel bool) {
	next := StateIdle
	if hadPriorTunnel {
		next = StateReconnectDelay
	}
	c.mu.Lock()
	c.setState(next)
	c.mu.Unlock()
	c.notify(Notification{Kind: NotifyError, State: next, Err: err.Error()})
}

// closePreviousTunnel tears down the tunnel a successful ReconnectDelay
// retry is replacing. Ordinary first-time connects pass nils here since
// doDisconnect already cleared these fields before doConnect runs.
func (c *Controller) closePreviousTunnel(carrier transport.Carrier, sslTun *ssltunnel.Tunnel, tunFile *os.File) {
	if carrier == nil && sslTun == nil && tunFile == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), profile.TeardownWindow)
	defer cancel()
	if carrier != nil {
		_ = carrier.Close(ctx)
	}
	if sslTun != nil {
		_ = sslTun.Close(ctx)
	}
	if tunFile != nil {
		tunFile.Close()
	}
}

// connectSSL drives the SSL-tunnel path (C6): no IKE/ESP at all, just
// the CCC tunnel-establish record and a TLS stream.
func (c *Controller) connectSSL(ctx context.Context, gw *gateway.Client, peerAddr string, opts *gateway.LoginOptions, authRes *gateway.AuthResult) error {
	tun, err := ssltunnel.Dial(ctx, ssltunnel.Dialer{
		ServerAddr:       peerAddr,
		ServerName:       hostOnly(c.profile.ServerName),
		SessionCookie:    authRes.SessionCookie,
		MTU:              c.profile.MTU,
		IgnoreServerCert: c.profile.IgnoreServerCert,
	}, gw, c.applicator)
	if err != nil {
		return err
	}

	f, err := openTUNHandle("ccvpn-ssl0")
	if err != nil {
		tun.Close(ctx)
		return err
	}

	mtu := c.profile.MTU
	if mtu <= 0 {
		mtu = profile.DefaultMTU
	}
	tun.StartShuttle(f, mtu)

	c.mu.Lock()
	c.sslTun = tun
	c.tunFile = f
	c.mu.Unlock()
	return nil
}

// connectIPSec drives the full IKE/ESP path (C4/C5): Phase 1 (+ XAuth
// when applicable), MODE_CFG, Phase 2, transport selection, and route/
// DNS application.
func (c *Controller) connectIPSec(ctx context.Context, peerAddr string, opts *gateway.LoginOptions, authRes *gateway.AuthResult) error {
	ex, err := dialUDPExchanger(peerAddr, 500)
	if err != nil {
		return err
	}
	defer ex.Close()

	usesXAuth := c.profile.Cert.Type == profile.CertNone
	authMethod := ikewire.AuthXAuthInitPSK
	if !usesXAuth {
		authMethod = ikewire.AuthRSASig
	}

	var identity *ikecrypto.ClientIdentity
	var verifier *ikecrypto.PinnedVerifier
	if !usesXAuth {
		var closeIdentity func()
		var err error
		identity, closeIdentity, err = loadClientIdentity(c.profile.Cert)
		if err != nil {
			return err
		}
		defer closeIdentity()

		caCerts, err := loadCACerts(c.profile.CACerts)
		if err != nil {
			return err
		}
		verifier, err = buildPinnedVerifier(caCerts, opts.InternalCAFingerprint)
		if err != nil {
			return err
		}
	}

	localIP, localPort := ex.LocalAddr()
	p1, err := ike.RunPhase1(ex, c.profile, authMethod, localIP, peerAddr, localPort, 500, identity, verifier)
	if err != nil {
		return err
	}
	if p1.PeerCertUnverified {
		c.warnf("Phase-1 peer certificate accepted without CA-chain verification (no matching ca-cert configured)")
	}
	if p1.PeerIDMismatch {
		c.warnf("Phase-1 peer ID payload did not match the connected gateway address")
	}

	notifier := newControllerNotifier(c)
	if usesXAuth {
		if err := ike.RunXAuth(ex, p1.InitiatorCky, p1.ResponderCky, c.profile, notifier); err != nil {
			return err
		}
	}

	assignment, err := ike.RunModeCfg(ex, p1.InitiatorCky, p1.ResponderCky, c.profile)
	if err != nil {
		return err
	}

	p2, err := ike.RunQuickMode(ex, p1, assignment.InnerIP, peerAddr, 1, uint32(c.profile.ESPLifetime.Seconds()))
	if err != nil {
		return err
	}

	now := time.Now()
	session := &ike.IkeSession{
		ID:           ike.NewSessionID(),
		InitiatorCky: p1.InitiatorCky,
		ResponderCky: p1.ResponderCky,
		Proposal: ike.Proposal{
			DHGroup: p1.Transform.DHGroup, EncAlg: p1.Transform.Enc, HashAlg: p1.Transform.Hash,
			KeyBits: p1.Transform.KeyBits, LifetimeS: p1.Transform.LifetimeS,
		},
		Skeyid:    ike.SkeyidFamily{Skeyid: p1.Keys.Skeyid, D: p1.Keys.D, A: p1.Keys.A, E: p1.Keys.E},
		Phase2:    *p2,
		ModeCfg:   *assignment,
		CreatedAt: now,
		IKERekeyAt: now.Add(time.Duration(float64(p1.Transform.LifetimeS) * profile.IKERekeyFraction * float64(time.Second))),
		PeerAddr:  peerAddr,
		LocalAddr: localIP,
		TCPTPort:  opts.TCPTPort,
		NATTPort:  opts.NATTPort,
		InternalCAFingerprint: opts.InternalCAFingerprint,
	}

	dialer := transport.Dialer{
		ServerAddr:     peerAddr,
		AdvertisedAddr: peerAddr,
		TCPTPort:       opts.TCPTPort,
		NATTPort:       opts.NATTPort,
		InnerIP:        assignment.InnerIP,
		Netmask:        assignment.Netmask,
		MTU:            assignment.MTU,
		SPIIn:          p2.In.SPI,
		SPIOut:         p2.Out.SPI,
		PortKnock:      c.profile.PortKnock,
		XFRMKeys: applicator.XFRMKeys{
			EncAlgName:  xfrmEncName(p2.EncAlg),
			EncKeyIn:    p2.In.EncKey,
			EncKeyOut:   p2.Out.EncKey,
			AuthAlgName: xfrmAuthName(p2.HashAlg),
			AuthKeyIn:   p2.In.AuthKey,
			AuthKeyOut:  p2.Out.AuthKey,
		},
	}

	carrier, err := transport.SelectTransport(ctx, dialer, c.profile, c.applicator)
	if err != nil {
		return err
	}

	if shuttler, ok := carrier.(transport.Shuttling); ok {
		codec, err := buildESPCodec(p2)
		if err != nil {
			carrier.Close(ctx)
			return err
		}
		devName := tunDeviceNameFor(carrier)
		f, err := openTUNHandle(devName)
		if err != nil {
			carrier.Close(ctx)
			return err
		}
		shuttler.StartShuttle(f, codec, assignment.MTU)
		c.mu.Lock()
		c.tunFile = f
		c.mu.Unlock()
	}

	if err := c.applyModeCfg(ctx, assignment, carrier); err != nil {
		carrier.Close(ctx)
		return err
	}

	if c.profile.IKEPersist {
		if err := ike.Save(c.sessionPath, session); err != nil {
			c.warnf("failed to persist IKE session: %v", err)
		}
	}

	c.mu.Lock()
	c.carrier = carrier
	c.session = session
	c.mu.Unlock()
	return nil
}

// applyModeCfg programs routes, DNS, and (when requested) the default
// route from a MODE_CFG assignment, via the applicator boundary (§6).
func (c *Controller) applyModeCfg(ctx context.Context, a *ike.ModeCfgAssignment, carrier transport.Carrier) error {
	dev := tunDeviceNameFor(carrier)
	if !c.profile.NoRouting {
		for _, route := range a.OfferedRoutes {
			if err := c.applicator.AddRoute(ctx, route, dev); err != nil {
				return err
			}
		}
		if c.profile.DefaultRoute {
			if err := c.applicator.SetDefaultRoute(ctx, dev); err != nil {
				return err
			}
		}
	}
	if !c.profile.NoDNS && len(a.DNSServers) > 0 {
		if err := c.applicator.SetDNS(ctx, a.DNSServers, a.SearchDomains, a.RoutingDomains); err != nil {
			return err
		}
	}
	if c.profile.DisableIPv6 {
		if err := c.applicator.DisableIPv6Globally(ctx, true); err != nil {
			return err
		}
	}
	return nil
}

// doDisconnect tears down whichever carrier is live, in the order
// §5 requires: delete the Phase-2 SAs first, plus the IKE SA unless
// IKEPersist keeps it for a later resume (best effort, the gateway may
// already be gone), then close the carrier, which unwinds routes/DNS/
// devices via applicator.AppliedSet.Unwind.
func (c *Controller) doDisconnect() error {
	c.mu.Lock()
	c.setState(StateDisconnecting)
	carrier := c.carrier
	sslTun := c.sslTun
	tunFile := c.tunFile
	session := c.session
	supervisorCancel := c.supervisorCancel
	c.supervisorCancel = nil
	c.mu.Unlock()

	if supervisorCancel != nil {
		supervisorCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), profile.TeardownWindow)
	defer cancel()

	var errs []error
	if session != nil {
		ex, err := dialUDPExchanger(session.PeerAddr, 500)
		if err == nil {
			if err := ike.SendDeletePhase2(ex, session.InitiatorCky, session.ResponderCky, &session.Phase2); err != nil {
				errs = append(errs, err)
			}
			if !c.profile.IKEPersist {
				if err := ike.SendDeletePhase1(ex, session.InitiatorCky, session.ResponderCky); err != nil {
					errs = append(errs, err)
				}
			}
			ex.Close()
		}
	}

	if carrier != nil {
		if err := carrier.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if sslTun != nil {
		if err := sslTun.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if tunFile != nil {
		tunFile.Close()
	}
	if !c.profile.IKEPersist {
		_ = ike.Delete(c.sessionPath)
	}

	c.mu.Lock()
	c.carrier = nil
	c.sslTun = nil
	c.tunFile = nil
	c.session = nil
	c.setState(StateIdle)
	c.mu.Unlock()
	c.notify(Notification{Kind: NotifyDisconnected, State: StateIdle})

	if len(errs) > 0 {
		return ccerr.Transp("disconnect_errors", "errors during teardown", errs[0])
	}
	return nil
}

// startSupervisors launches the background keepalive/rekey loops that
// keep a live tunnel healthy (§4.4 rekey scheduling, §4.5 keepalive).
// It owns supervisorCancel for the life of the connection, separate
// from connectCtx/connectCancel which only span the connect attempt
// itself.
func (c *Controller) startSupervisors() {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	prevCancel := c.supervisorCancel
	c.supervisorCancel = cancel
	sslTun := c.sslTun
	carrier := c.carrier
	session := c.session
	noKeepalive := c.profile.NoKeepalive
	c.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}

	if !noKeepalive {
		if sslTun != nil {
			go c.runSSLKeepaliveSupervisor(ctx, sslTun)
			return
		}
		if carrier != nil {
			go transport.KeepaliveLoop(ctx, carrier, func(from, to gobreaker.State) {
				c.onKeepaliveStateChange(ctx, from, to)
			})
		}
	}
	if session != nil {
		go c.runRekeySupervisor(ctx, session)
		go c.runLeaseRenewSupervisor(ctx, session, carrier)
	}
}

// runLeaseRenewSupervisor renews the MODE_CFG IP lease at
// profile.LeaseRenewFraction of its lifetime (§4.5 "IP-lease
// renewal"). When the gateway hands back a different inner IP, the
// carrier reprograms its routes in place (new route, swap default,
// remove old — transport.renewLeaseRoutes) rather than tearing the
// tunnel down.
func (c *Controller) runLeaseRenewSupervisor(ctx context.Context, session *ike.IkeSession, carrier transport.Carrier) {
	leaseTime := session.ModeCfg.LeaseTime
	if leaseTime <= 0 {
		leaseTime = profile.DefaultLeaseTime
	}
	since := session.CreatedAt

	for {
		renewIn := time.Duration(float64(leaseTime)*profile.LeaseRenewFraction) - time.Since(since)
		if renewIn < 0 {
			renewIn = 0
		}
		timer := time.NewTimer(renewIn)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		assignment, err := c.renewLease(session)
		if err != nil {
			c.demoteToReconnectDelay(ctx, ccerr.Transp("lease_renew_failed", "IP lease renewal failed", err))
			return
		}

		if assignment.InnerIP != "" && assignment.InnerIP != session.ModeCfg.InnerIP {
			if err := carrier.RenewLease(ctx, assignment.InnerIP); err != nil {
				c.demoteToReconnectDelay(ctx, ccerr.Transp("lease_apply_failed", "apply renewed IP lease", err))
				return
			}
		}

		c.mu.Lock()
		session.ModeCfg = *assignment
		c.mu.Unlock()

		if c.profile.IKEPersist {
			if err := ike.Save(c.sessionPath, session); err != nil {
				c.warnf("failed to persist session after lease renewal: %v", err)
			}
		}

		leaseTime = assignment.LeaseTime
		if leaseTime <= 0 {
			leaseTime = profile.DefaultLeaseTime
		}
		since = time.Now()
	}
}

// renewLease re-runs the MODE_CFG exchange against the live Phase-1 SA
// over a freshly-dialed control-channel socket to obtain the next IP
// lease.
func (c *Controller) renewLease(session *ike.IkeSession) (*ike.ModeCfgAssignment, error) {
	ex, err := dialUDPExchanger(session.PeerAddr, 500)
	if err != nil {
		return nil, err
	}
	defer ex.Close()
	return ike.RunModeCfg(ex, session.InitiatorCky, session.ResponderCky, c.profile)
}

// runSSLKeepaliveSupervisor is the SSL-tunnel path's equivalent of
// transport.KeepaliveLoop: ssltunnel.Tunnel doesn't implement the full
// transport.Carrier interface (no Type/RenewLease), so it gets its own
// plain ticker loop rather than the circuit-breaker-wrapped one IPSec
// carriers use.
func (c *Controller) runSSLKeepaliveSupervisor(ctx context.Context, tun *ssltunnel.Tunnel) {
	ticker := time.NewTicker(profile.KeepaliveInterval)
	defer ticker.Stop()
	var misses int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tun.SendKeepalive(); err != nil {
				misses++
				if misses >= 3 {
					c.demoteToReconnectDelay(ctx, ccerr.Transp("ssl_keepalive_failed", "SSL tunnel keepalive failed repeatedly", err))
					return
				}
				continue
			}
			misses = 0
		}
	}
}

// onKeepaliveStateChange demotes to ReconnectDelay when the keepalive
// circuit breaker trips open (§7: "rekey/keepalive failure demotes to
// ReconnectDelay, never tears down the tunnel still in use").
func (c *Controller) onKeepaliveStateChange(ctx context.Context, _, to gobreaker.State) {
	if to == gobreaker.StateOpen {
		c.demoteToReconnectDelay(ctx, ccerr.Transp("keepalive_breaker_open", "keepalive circuit breaker tripped open", nil))
	}
}

// runRekeySupervisor keeps rekeying the IKE/ESP SAs as their deadlines
// arrive, for as long as ctx lives. ike.RunRekeyLoop only drives a
// single rekey event before returning, so this wraps it in a loop.
func (c *Controller) runRekeySupervisor(ctx context.Context, session *ike.IkeSession) {
	for {
		decision := ike.RunRekeyLoop(ctx, session,
			func(rctx context.Context) error { return c.rekeyIKE(rctx, session) },
			func(rctx context.Context) error { return c.rekeyESP(rctx, session) },
		)
		switch decision {
		case ike.RekeyNone:
			return
		case ike.RekeyFailed:
			c.demoteToReconnectDelay(ctx, ccerr.Transp("rekey_failed", "IKE/ESP rekey failed", nil))
			return
		case ike.RekeyIKESucceeded, ike.RekeyESPSucceeded:
			if c.profile.IKEPersist {
				if err := ike.Save(c.sessionPath, session); err != nil {
					c.warnf("failed to persist rekeyed IKE session: %v", err)
				}
			}
		}
	}
}

// rekeyIKE dials a fresh control-channel socket for one Phase-1 rekey
// attempt; the exchanger connectIPSec used is already closed by the
// time the tunnel is established and running.
func (c *Controller) rekeyIKE(ctx context.Context, session *ike.IkeSession) error {
	ex, err := dialUDPExchanger(session.PeerAddr, 500)
	if err != nil {
		return err
	}
	defer ex.Close()

	localIP, localPort := ex.LocalAddr()
	usesXAuth := c.profile.Cert.Type == profile.CertNone
	authMethod := ikewire.AuthXAuthInitPSK
	if !usesXAuth {
		authMethod = ikewire.AuthRSASig
	}

	var identity *ikecrypto.ClientIdentity
	var verifier *ikecrypto.PinnedVerifier
	if !usesXAuth {
		var closeIdentity func()
		identity, closeIdentity, err = loadClientIdentity(c.profile.Cert)
		if err != nil {
			return err
		}
		defer closeIdentity()

		caCerts, err := loadCACerts(c.profile.CACerts)
		if err != nil {
			return err
		}
		verifier, err = buildPinnedVerifier(caCerts, session.InternalCAFingerprint)
		if err != nil {
			return err
		}
	}

	return ike.RekeyIKE(ctx, ex, session, c.profile, authMethod, localIP, session.PeerAddr, localPort, 500, identity, verifier)
}

// rekeyESP dials a fresh control-channel socket for one Phase-2 rekey
// attempt, reconstructing the Phase1Result RunQuickMode needs from the
// session's persisted SKEYID family.
func (c *Controller) rekeyESP(ctx context.Context, session *ike.IkeSession) error {
	ex, err := dialUDPExchanger(session.PeerAddr, 500)
	if err != nil {
		return err
	}
	defer ex.Close()

	p1 := phase1ResultFromSession(session)
	return ike.RekeyESP(ctx, ex, session, p1, c.profile, session.ModeCfg.InnerIP, session.PeerAddr, 1)
}

// phase1ResultFromSession rebuilds the subset of ike.Phase1Result that
// RekeyESP needs (cookies, negotiated transform, SKEYID family) out of
// a live IkeSession.
func phase1ResultFromSession(s *ike.IkeSession) *ike.Phase1Result {
	return &ike.Phase1Result{
		InitiatorCky: s.InitiatorCky,
		ResponderCky: s.ResponderCky,
		Transform: &ike.SelectedTransform{
			DHGroup: s.Proposal.DHGroup, Enc: s.Proposal.EncAlg, KeyBits: s.Proposal.KeyBits,
			Hash: s.Proposal.HashAlg, LifetimeS: s.Proposal.LifetimeS,
		},
		Keys: &ikecrypto.SkeyidMaterial{
			Skeyid: s.Skeyid.Skeyid, D: s.Skeyid.D, A: s.Skeyid.A, E: s.Skeyid.E,
		},
	}
}

// demoteToReconnectDelay moves a live, connected tunnel to
// StateReconnectDelay instead of tearing it down (§7): the tunnel
// itself is left running while a background exponential backoff,
// capped at profile.ReconnectBackoffCap, retries the full connect
// sequence.
// ctx is the supervisor context the failing keepalive/rekey loop was
// running under; it's cancelled by doDisconnect, which stops the
// background retry loop below the moment a user-initiated disconnect
// pre-empts the reconnect attempt.
func (c *Controller) demoteToReconnectDelay(ctx context.Context, cause error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.setState(StateReconnectDelay)
	c.mu.Unlock()
	c.warnf("demoting to ReconnectDelay: %v", cause)
	c.notify(Notification{Kind: NotifyError, State: StateReconnectDelay, Err: cause.Error()})

	go func() {
		b := backoff.NewExponentialBackOff()
		b.MaxInterval = profile.ReconnectBackoffCap
		b.MaxElapsedTime = 0
		_ = backoff.Retry(func() error {
			return c.Connect(ctx)
		}, backoff.WithContext(b, ctx))
	}()
}

// ResumeFromPersistedSession attempts a no-auth reconnect when a
// non-stale session is on disk, instead of starting cold. ccvpnd calls
// it once at startup when auto-connect is set; the IPC connect command
// goes through Connect and does not consult the persisted session.
func (c *Controller) ResumeFromPersistedSession(ctx context.Context) (bool, error) {
	session, err := ike.Load(c.sessionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if session.IsStale(time.Now()) {
		_ = ike.Delete(c.sessionPath)
		return false, nil
	}

	done := make(chan error, 1)
	c.cmdQueue <- func() { done <- c.doResume(session) }
	var resumeErr error
	select {
	case resumeErr = <-done:
	case <-ctx.Done():
		return true, ctx.Err()
	}
	if resumeErr == nil {
		return true, nil
	}
	c.warnf("no-auth resume failed, falling back to full connect: %v", resumeErr)
	return true, c.Connect(ctx)
}

// doResume implements §4.7's no-auth reconnect: replay a Phase-2
// rekey under the persisted Phase-1 SA and re-establish the tunnel
// from the saved MODE_CFG assignment, without any CCC authentication
// round trip or new IKE Phase-1 handshake. It only touches the peer
// once, for the Quick Mode replay; ResumeFromPersistedSession falls
// back to a full Connect if that fails (the gateway may already have
// dropped the Phase-1 SA the session was pinned to).
func (c *Controller) doResume(session *ike.IkeSession) error {
	connectCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.connectCtx = connectCtx
	c.connectCancel = cancel
	c.setState(StateEstablishing)
	c.mu.Unlock()
	defer cancel()

	ex, err := dialUDPExchanger(session.PeerAddr, 500)
	if err != nil {
		c.failConnect(err, false)
		return err
	}
	defer ex.Close()

	p1 := phase1ResultFromSession(session)
	p2, err := ike.RunQuickMode(ex, p1, session.ModeCfg.InnerIP, session.PeerAddr, 1, uint32(c.profile.ESPLifetime.Seconds()))
	if err != nil {
		c.failConnect(err, false)
		return err
	}
	session.Phase2 = *p2

	dialer := transport.Dialer{
		ServerAddr:     session.PeerAddr,
		AdvertisedAddr: session.PeerAddr,
		TCPTPort:       session.TCPTPort,
		NATTPort:       session.NATTPort,
		InnerIP:        session.ModeCfg.InnerIP,
		Netmask:        session.ModeCfg.Netmask,
		MTU:            session.ModeCfg.MTU,
		SPIIn:          p2.In.SPI,
		SPIOut:         p2.Out.SPI,
		PortKnock:      c.profile.PortKnock,
		XFRMKeys: applicator.XFRMKeys{
			EncAlgName:  xfrmEncName(p2.EncAlg),
			EncKeyIn:    p2.In.EncKey,
			EncKeyOut:   p2.Out.EncKey,
			AuthAlgName: xfrmAuthName(p2.HashAlg),
			AuthKeyIn:   p2.In.AuthKey,
			AuthKeyOut:  p2.Out.AuthKey,
		},
	}

	carrier, err := transport.SelectTransport(connectCtx, dialer, c.profile, c.applicator)
	if err != nil {
		c.failConnect(err, false)
		return err
	}

	if shuttler, ok := carrier.(transport.Shuttling); ok {
		codec, err := buildESPCodec(p2)
		if err != nil {
			carrier.Close(connectCtx)
			c.failConnect(err, false)
			return err
		}
		devName := tunDeviceNameFor(carrier)
		f, err := openTUNHandle(devName)
		if err != nil {
			carrier.Close(connectCtx)
			c.failConnect(err, false)
			return err
		}
		shuttler.StartShuttle(f, codec, session.ModeCfg.MTU)
		c.mu.Lock()
		c.tunFile = f
		c.mu.Unlock()
	}

	if err := c.applyModeCfg(connectCtx, &session.ModeCfg, carrier); err != nil {
		carrier.Close(connectCtx)
		c.failConnect(err, false)
		return err
	}

	if c.profile.IKEPersist {
		if err := ike.Save(c.sessionPath, session); err != nil {
			c.warnf("failed to persist resumed IKE session: %v", err)
		}
	}

	c.mu.Lock()
	c.carrier = carrier
	c.session = session
	c.setState(StateConnected)
	c.mu.Unlock()

	c.startSupervisors()
	c.notify(Notification{Kind: NotifyConnected, State: StateConnected})
	return nil
}

// SetProfile swaps in a freshly-reloaded profile (§4.7's reconfigure
// trigger). It only takes effect for the next connect attempt; a live
// tunnel keeps running under the profile it was established with.
func (c *Controller) SetProfile(p *profile.ConnectionProfile) {
	c.mu.Lock()
	c.profile = p
	c.mu.Unlock()
}

func tunDeviceNameFor(carrier transport.Carrier) string {
	switch carrier.Type() {
	case profile.TransportTCPT:
		return "ccvpn-tun0"
	case profile.TransportUDP:
		return "ccvpn-tun1"
	default:
		return "ccvpn-xfrm0"
	}
}

func hostOnly(serverName string) string {
	host, _, err := net.SplitHostPort(serverName)
	if err != nil {
		return serverName
	}
	return host
}

// xfrmEncName/xfrmAuthName translate the negotiated ikecrypto algorithm
// identifiers into the crypto-API names Linux's XFRM netlink API
// expects (§6, applicator.XFRMKeys.EncAlgName/AuthAlgName).
func xfrmEncName(alg ikecrypto.EncAlg) string {
	switch alg {
	case ikecrypto.Enc3DES:
		return "cbc(des3_ede)"
	case ikecrypto.EncAES:
		return "cbc(aes)"
	default:
		return "cbc(aes)"
	}
}

func xfrmAuthName(alg ikecrypto.HashAlg) string {
	switch alg {
	case ikecrypto.HashMD5:
		return "hmac(md5)"
	case ikecrypto.HashSHA1:
		return "hmac(sha1)"
	case ikecrypto.HashSHA384:
		return "hmac(sha384)"
	case ikecrypto.HashSHA512:
		return "hmac(sha512)"
	default:
		return "hmac(sha256)"
	}
}
