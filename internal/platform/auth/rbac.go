package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Role is a staff role recognized by the hospital system.
type Role string

const (
	RoleAdmin         Role = "admin"
	RoleDoctor        Role = "doctor"
	RoleNurse         Role = "nurse"
	RoleReceptionist  Role = "receptionist"
	RoleBilling       Role = "billing"
	RolePharmacist    Role = "pharmacist"
	RoleLabTechnician Role = "lab_technician"
)

// Capability names a permission checked by route middleware.
type Capability string

const (
	CapBillingRead       Capability = "billing:read"
	CapBillingWrite      Capability = "billing:write"
	CapBillingAdmin      Capability = "billing:admin"
	CapClinicalRead      Capability = "clinical:read"
	CapAppointmentsWrite Capability = "appointments:write"
	CapPharmacyDispense  Capability = "pharmacy:dispense"
	CapLabComplete       Capability = "lab:complete"
	CapInpatientWrite    Capability = "inpatient:write"
)

var roleCapabilities = map[Role][]Capability{
	RoleAdmin: {
		CapBillingRead, CapBillingWrite, CapBillingAdmin, CapClinicalRead,
		CapAppointmentsWrite, CapPharmacyDispense, CapLabComplete, CapInpatientWrite,
	},
	RoleBilling:       {CapBillingRead, CapBillingWrite, CapClinicalRead},
	RoleDoctor:        {CapBillingRead, CapClinicalRead, CapAppointmentsWrite, CapInpatientWrite},
	RoleNurse:         {CapClinicalRead, CapAppointmentsWrite, CapInpatientWrite},
	RoleReceptionist:  {CapBillingRead, CapClinicalRead, CapAppointmentsWrite},
	RolePharmacist:    {CapClinicalRead, CapPharmacyDispense},
	RoleLabTechnician: {CapClinicalRead, CapLabComplete},
}

// ParseRole maps a claim value onto a known role. Matching ignores case and
// accepts the common aliases found in staff records.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin", "administrator":
		return RoleAdmin, true
	case "doctor", "physician":
		return RoleDoctor, true
	case "nurse":
		return RoleNurse, true
	case "receptionist", "front_desk":
		return RoleReceptionist, true
	case "billing", "cashier", "accountant":
		return RoleBilling, true
	case "pharmacist":
		return RolePharmacist, true
	case "lab_technician", "lab", "laboratory":
		return RoleLabTechnician, true
	}
	return "", false
}

// CapabilitiesFor returns the union of capabilities granted by roles.
func CapabilitiesFor(roles ...Role) map[Capability]bool {
	caps := make(map[Capability]bool)
	for _, r := range roles {
		for _, c := range roleCapabilities[r] {
			caps[c] = true
		}
	}
	return caps
}

// RequireCapability rejects requests whose principal lacks capability.
func RequireCapability(capability Capability) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := PrincipalFromContext(c.Request().Context())
			if p == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if !p.Can(capability) {
				return echo.NewHTTPError(http.StatusForbidden,
					fmt.Sprintf("required capability: %s", capability))
			}
			return next(c)
		}
	}
}
