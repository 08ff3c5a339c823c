package applicator

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// Mock is the testify/mock-based Applicator used to assert the
// quantified invariants in spec §8 ("observed via the applicator
// mock"): that a connect followed by a disconnect returns every
// tracked resource to its pre-connect snapshot.
type Mock struct {
	mock.Mock
}

func (m *Mock) AddRoute(ctx context.Context, cidr, dev string) error {
	args := m.Called(ctx, cidr, dev)
	return args.Error(0)
}

func (m *Mock) RemoveRoute(ctx context.Context, cidr string) error {
	args := m.Called(ctx, cidr)
	return args.Error(0)
}

func (m *Mock) SetDNS(ctx context.Context, servers, search, routingDomains []string) error {
	args := m.Called(ctx, servers, search, routingDomains)
	return args.Error(0)
}

func (m *Mock) ClearDNS(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *Mock) SetDefaultRoute(ctx context.Context, dev string) error {
	args := m.Called(ctx, dev)
	return args.Error(0)
}

func (m *Mock) DisableIPv6Globally(ctx context.Context, disable bool) error {
	args := m.Called(ctx, disable)
	return args.Error(0)
}

func (m *Mock) CreateTUN(ctx context.Context, name, ip string, mtu int) error {
	args := m.Called(ctx, name, ip, mtu)
	return args.Error(0)
}

func (m *Mock) CreateXFRM(ctx context.Context, name, peer string, spiIn, spiOut uint32, keys XFRMKeys) error {
	args := m.Called(ctx, name, peer, spiIn, spiOut, keys)
	return args.Error(0)
}

func (m *Mock) Destroy(ctx context.Context, name string) error {
	args := m.Called(ctx, name)
	return args.Error(0)
}
