package applicator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestAppliedSetUnwindReverseOrder(t *testing.T) {
	m := &Mock{}
	ctx := context.Background()

	set := NewAppliedSet()
	set.TrackRoute("10.0.0.0/8")
	set.TrackRoute("192.168.100.0/24")
	set.TrackDNS()
	set.TrackDevice("xfrm0")

	var order []string
	m.On("Destroy", ctx, "xfrm0").Run(func(args mock.Arguments) { order = append(order, "destroy:xfrm0") }).Return(nil)
	m.On("ClearDNS", ctx).Run(func(args mock.Arguments) { order = append(order, "clear_dns") }).Return(nil)
	m.On("RemoveRoute", ctx, "192.168.100.0/24").Run(func(args mock.Arguments) { order = append(order, "remove:192.168.100.0/24") }).Return(nil)
	m.On("RemoveRoute", ctx, "10.0.0.0/8").Run(func(args mock.Arguments) { order = append(order, "remove:10.0.0.0/8") }).Return(nil)

	errs := set.Unwind(ctx, m)
	assert.Empty(t, errs)
	assert.Equal(t, []string{
		"destroy:xfrm0",
		"clear_dns",
		"remove:192.168.100.0/24",
		"remove:10.0.0.0/8",
	}, order)
	m.AssertExpectations(t)
}

func TestAppliedSetUnwindSwallowsErrors(t *testing.T) {
	m := &Mock{}
	ctx := context.Background()

	set := NewAppliedSet()
	set.TrackRoute("10.0.0.0/8")
	set.TrackDevice("xfrm0")

	m.On("Destroy", ctx, "xfrm0").Return(errors.New("device busy"))
	m.On("RemoveRoute", ctx, "10.0.0.0/8").Return(nil)

	errs := set.Unwind(ctx, m)
	assert.Len(t, errs, 1)
}

func TestAppliedSetUnwindTwiceIsNoop(t *testing.T) {
	m := &Mock{}
	ctx := context.Background()

	set := NewAppliedSet()
	set.TrackRoute("10.0.0.0/8")
	m.On("RemoveRoute", ctx, "10.0.0.0/8").Return(nil)

	_ = set.Unwind(ctx, m)
	errs := set.Unwind(ctx, m)
	assert.Empty(t, errs)
	m.AssertNumberOfCalls(t, "RemoveRoute", 1)
}
