package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccvpn-oss/ccvpn/applicator"
	"github.com/ccvpn-oss/ccvpn/profile"
)

func TestCandidatesForAutodetectReturnsAllThree(t *testing.T) {
	cs := candidatesFor(profile.TransportAutodetect)
	require.Len(t, cs, 3)
	assert.Equal(t, profile.TransportXFRM, cs[0].transport)
	assert.Equal(t, profile.TransportTCPT, cs[1].transport)
	assert.Equal(t, profile.TransportUDP, cs[2].transport)
}

func TestCandidatesForNarrowsToOne(t *testing.T) {
	cs := candidatesFor(profile.TransportTCPT)
	require.Len(t, cs, 1)
	assert.Equal(t, profile.TransportTCPT, cs[0].transport)
}

func TestWithoutXFRMDropsOnlyXFRM(t *testing.T) {
	cs := withoutXFRM(candidatesFor(profile.TransportAutodetect))
	require.Len(t, cs, 2)
	for _, c := range cs {
		assert.NotEqual(t, profile.TransportXFRM, c.transport)
	}
}

func TestSelectTransportFirstProbeWins(t *testing.T) {
	calledOpen := false
	cs := []candidate{
		{
			transport: profile.TransportXFRM,
			probe:     func(ctx context.Context, d Dialer) error { return errors.New("unreachable") },
			open:      func(ctx context.Context, d Dialer, a applicator.Applicator) (Carrier, error) { return nil, nil },
		},
		{
			transport: profile.TransportTCPT,
			probe:     func(ctx context.Context, d Dialer) error { return nil },
			open: func(ctx context.Context, d Dialer, a applicator.Applicator) (Carrier, error) {
				calledOpen = true
				return &stubCarrier{typ: profile.TransportTCPT}, nil
			},
		},
	}

	carrier, err := selectFrom(context.Background(), cs)
	require.NoError(t, err)
	assert.True(t, calledOpen)
	assert.Equal(t, profile.TransportTCPT, carrier.Type())
}

func TestSelectTransportAllFailReturnsError(t *testing.T) {
	cs := []candidate{
		{
			transport: profile.TransportXFRM,
			probe:     func(ctx context.Context, d Dialer) error { return errors.New("no xfrm") },
		},
		{
			transport: profile.TransportTCPT,
			probe:     func(ctx context.Context, d Dialer) error { return errors.New("no tcpt") },
		},
	}
	_, err := selectFrom(context.Background(), cs)
	assert.Error(t, err)
}

// selectFrom is the candidate-loop body factored out of SelectTransport
// so these tests can exercise it with stub candidates, without needing
// a real Applicator or network.
func selectFrom(ctx context.Context, cs []candidate) (Carrier, error) {
	var lastErr error
	for _, c := range cs {
		if err := c.probe(ctx, Dialer{}); err != nil {
			lastErr = err
			continue
		}
		carrier, err := c.open(ctx, Dialer{}, &applicator.Mock{})
		if err != nil {
			lastErr = err
			continue
		}
		return carrier, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no candidates")
	}
	return nil, lastErr
}

type stubCarrier struct {
	typ profile.TransportType
}

func (s *stubCarrier) Type() profile.TransportType                       { return s.typ }
func (s *stubCarrier) InnerIP() string                                   { return "10.0.0.1" }
func (s *stubCarrier) SendKeepalive() error                              { return nil }
func (s *stubCarrier) RenewLease(ctx context.Context, newIP string) error { return nil }
func (s *stubCarrier) Close(ctx context.Context) error                  { return nil }
