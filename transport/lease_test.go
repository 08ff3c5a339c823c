package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ccvpn-oss/ccvpn/applicator"
)

func TestRenewLeaseRoutesNoopWhenUnchanged(t *testing.T) {
	a := &applicator.Mock{}
	err := renewLeaseRoutes(context.Background(), a, applicator.NewAppliedSet(), "10.0.0.1", "10.0.0.1", "tun0")
	require.NoError(t, err)
	a.AssertNotCalled(t, "AddRoute", mock.Anything, mock.Anything, mock.Anything)
}

func TestRenewLeaseRoutesAddsBeforeRemoving(t *testing.T) {
	a := &applicator.Mock{}
	var order []string
	a.On("AddRoute", mock.Anything, "10.0.0.2/32", "tun0").Run(func(args mock.Arguments) {
		order = append(order, "add")
	}).Return(nil)
	a.On("SetDefaultRoute", mock.Anything, "tun0").Run(func(args mock.Arguments) {
		order = append(order, "swap")
	}).Return(nil)
	a.On("RemoveRoute", mock.Anything, "10.0.0.1/32").Run(func(args mock.Arguments) {
		order = append(order, "remove")
	}).Return(nil)

	applied := applicator.NewAppliedSet()
	err := renewLeaseRoutes(context.Background(), a, applied, "10.0.0.1", "10.0.0.2", "tun0")
	require.NoError(t, err)
	require.Equal(t, []string{"add", "swap", "remove"}, order)
}

func TestRenewLeaseRoutesStopsOnAddFailure(t *testing.T) {
	a := &applicator.Mock{}
	a.On("AddRoute", mock.Anything, "10.0.0.2/32", "tun0").Return(assertErr)

	err := renewLeaseRoutes(context.Background(), a, applicator.NewAppliedSet(), "10.0.0.1", "10.0.0.2", "tun0")
	require.Error(t, err)
	a.AssertNotCalled(t, "SetDefaultRoute", mock.Anything, mock.Anything)
	a.AssertNotCalled(t, "RemoveRoute", mock.Anything, mock.Anything)
}

var assertErr = errRenewFailed{}

type errRenewFailed struct{}

func (errRenewFailed) Error() string { return "add route failed" }
