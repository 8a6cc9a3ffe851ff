package client

import (
	"testing"

	"github.com/jathurchan/accesslock/testutil"
	"github.com/jathurchan/accesslock/types"
)

func TestResourceCheck_UseFlag(t *testing.T) {
	env := newLocalEnv(t)
	ctx := testContext(t)

	accessory, err := NewAccessoryCheck(env.handle(t, "p1"))
	testutil.RequireNoError(t, err)
	device, err := NewDeviceCheck(env.handle(t, "p2"))
	testutil.RequireNoError(t, err)

	testutil.AssertEqual(t, types.ClassAccessory, accessory.Class())
	testutil.AssertEqual(t, types.ClassDevice, device.Class())
	testutil.AssertEqual(t, types.LifecycleForeground, accessory.CurrentApplicationState())

	var ra, rd recorder
	testutil.RequireNoError(t, accessory.CheckUseFlag(ctx, ra.callback))
	testutil.RequireNoError(t, device.CheckUseFlag(ctx, rd.callback))

	// Classes are independent: both holders are granted.
	testutil.AssertEqual(t, []types.State{types.StateFree}, ra.snapshot())
	testutil.AssertEqual(t, []types.State{types.StateFree}, rd.snapshot())

	testutil.RequireNoError(t, accessory.UnregisterCheck(ctx))
	testutil.AssertTrue(t, env.status(t, types.ClassAccessory).Holder == nil)
	testutil.AssertEqual(t, types.ProcessID("p2"), env.status(t, types.ClassDevice).Holder.Owner)
}

func TestNewResourceCheck_Validation(t *testing.T) {
	_, err := NewResourceCheck(nil, types.ClassAccessory)
	testutil.AssertError(t, err)

	h := newTestHandle(t, &fakeBackend{}, testutil.NewMockClock(), "p1")
	_, err = NewResourceCheck(h, "")
	testutil.AssertErrorIs(t, err, types.ErrInvalidClass)

	c, err := NewResourceCheck(h, "usb-0")
	testutil.RequireNoError(t, err)
	testutil.AssertEqual(t, types.ResourceClass("usb-0"), c.Class())
}
