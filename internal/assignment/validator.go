package assignment

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by a Directory for unknown devices or areas.
var ErrNotFound = errors.New("not found")

// Device is the part of a device record the rules look at.
type Device struct {
	ID        int64
	Code      string
	CompanyID *int64
}

// Area is the part of an area record the rules look at.
type Area struct {
	ID        int64
	Name      string
	CompanyID int64
}

// Directory looks up devices and areas.
type Directory interface {
	Device(ctx context.Context, id int64) (Device, error)
	Area(ctx context.Context, id int64) (Area, error)
}

// Policy decides whether a user may assign devices into an area.
type Policy interface {
	CanAssign(ctx context.Context, userID int64, area Area) (bool, error)
}

// Validator runs the assignment rules in a fixed order: company assigned,
// company match, then user permission. The first violation is returned.
type Validator struct {
	dir    Directory
	policy Policy
}

// NewValidator constructs a Validator.
func NewValidator(dir Directory, policy Policy) *Validator {
	return &Validator{dir: dir, policy: policy}
}

// Validate returns nil when userID may assign deviceID to areaID, an *Error
// for a rule violation, or a wrapped lookup error.
func (v *Validator) Validate(ctx context.Context, userID, deviceID, areaID int64) error {
	device, err := v.dir.Device(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("lookup device %d: %w", deviceID, err)
	}
	if device.CompanyID == nil {
		return ErrRequiresCompany()
	}

	area, err := v.dir.Area(ctx, areaID)
	if err != nil {
		return fmt.Errorf("lookup area %d: %w", areaID, err)
	}
	if *device.CompanyID != area.CompanyID {
		return ErrAreaMismatch(device.Code, area.Name)
	}

	ok, err := v.policy.CanAssign(ctx, userID, area)
	if err != nil {
		return fmt.Errorf("check permission for area %d: %w", areaID, err)
	}
	if !ok {
		return ErrUnauthorizedAreaAccess(area.Name)
	}
	return nil
}
