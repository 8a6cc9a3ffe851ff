package client

import (
	"context"
	"errors"

	"github.com/jathurchan/accesslock/types"
)

// ResourceCheck is the use-flag API of one resource class, as offered to
// applications for the accessory and the device.
type ResourceCheck struct {
	handle *Handle
	class  types.ResourceClass
}

// NewResourceCheck binds a Handle to one resource class.
func NewResourceCheck(handle *Handle, class types.ResourceClass) (*ResourceCheck, error) {
	if handle == nil {
		return nil, errors.New("client: handle must not be nil")
	}
	if err := class.Validate(); err != nil {
		return nil, err
	}
	return &ResourceCheck{handle: handle, class: class}, nil
}

// NewAccessoryCheck returns the check of the accessory class.
func NewAccessoryCheck(handle *Handle) (*ResourceCheck, error) {
	return NewResourceCheck(handle, types.ClassAccessory)
}

// NewDeviceCheck returns the check of the device class.
func NewDeviceCheck(handle *Handle) (*ResourceCheck, error) {
	return NewResourceCheck(handle, types.ClassDevice)
}

// Class returns the checked resource class.
func (c *ResourceCheck) Class() types.ResourceClass {
	return c.class
}

// CheckUseFlag requests the resource and reports its state to cb.
func (c *ResourceCheck) CheckUseFlag(ctx context.Context, cb Callback) error {
	return c.handle.RequestAccess(ctx, c.class, cb)
}

// UnregisterCheck releases the resource or withdraws the pending request.
func (c *ResourceCheck) UnregisterCheck(ctx context.Context) error {
	return c.handle.Release(ctx, c.class)
}

// CurrentApplicationState returns the lifecycle state of the process.
func (c *ResourceCheck) CurrentApplicationState() types.LifecycleState {
	return c.handle.CurrentApplicationState()
}
