// Package assignment validates moving a device into an area.
package assignment

import (
	"errors"
	"fmt"
)

// Kind identifies one assignment rule.
type Kind int

const (
	KindNone Kind = iota
	RequiresCompany
	AreaMismatch
	UnauthorizedAreaAccess
)

func (k Kind) String() string {
	switch k {
	case RequiresCompany:
		return "requires_company"
	case AreaMismatch:
		return "area_mismatch"
	case UnauthorizedAreaAccess:
		return "unauthorized_area_access"
	default:
		return "none"
	}
}

// Error is a rule violation. Values are immutable once built.
type Error struct {
	kind       Kind
	deviceCode string
	areaName   string
}

// ErrRequiresCompany is returned for a device without a company.
func ErrRequiresCompany() *Error {
	return &Error{kind: RequiresCompany}
}

// ErrAreaMismatch is returned when device and area belong to different companies.
func ErrAreaMismatch(deviceCode, areaName string) *Error {
	return &Error{kind: AreaMismatch, deviceCode: deviceCode, areaName: areaName}
}

// ErrUnauthorizedAreaAccess is returned when the user may not assign into the area.
func ErrUnauthorizedAreaAccess(areaName string) *Error {
	return &Error{kind: UnauthorizedAreaAccess, areaName: areaName}
}

func (e *Error) Kind() Kind         { return e.kind }
func (e *Error) DeviceCode() string { return e.deviceCode }
func (e *Error) AreaName() string   { return e.areaName }

func (e *Error) Error() string {
	switch e.kind {
	case RequiresCompany:
		return "Device must be assigned to a company before assigning to an area."
	case AreaMismatch:
		return fmt.Sprintf("Device %s cannot be assigned to area %s - area belongs to a different company.", e.deviceCode, e.areaName)
	case UnauthorizedAreaAccess:
		return "You do not have access to assign devices to area: " + e.areaName
	default:
		return "device assignment rejected"
	}
}

// KindOf returns the rule err violates, or KindNone for other errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.kind
	}
	return KindNone
}

// Is reports whether err is a violation of kind.
func Is(err error, kind Kind) bool {
	return kind != KindNone && KindOf(err) == kind
}
