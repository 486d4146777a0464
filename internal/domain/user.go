package domain

import "github.com/google/uuid"

// User is the read-only projection used for promotion targeting.
type User struct {
	ID       uuid.UUID
	Roles    []string
	Segments []string
}

// HasRole reports whether the user holds any of roles.
func (u *User) HasRole(roles []string) bool {
	return intersects(u.Roles, roles)
}

// InSegment reports whether the user belongs to any of segments.
func (u *User) InSegment(segments []string) bool {
	return intersects(u.Segments, segments)
}

// ShippingMethod is the read-only pricing rule set for a delivery option.
type ShippingMethod struct {
	Code           string
	Name           string
	BasePriceMinor int64
	PerItemMinor   int64
	FreeOverMinor  int64
	Active         bool
}

func intersects(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
