package ldap

import (
	"errors"
	"fmt"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/dhawalhost/scimgate/internal/scim"
)

// classify maps a directory error onto the gateway's error taxonomy so the
// REST layer can translate it to a status code with errors.Is.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	// Errors classified earlier in the call chain keep their sentinel.
	if errors.Is(err, scim.ErrNotFound) || errors.Is(err, scim.ErrInvalidInput) ||
		errors.Is(err, scim.ErrConflict) || errors.Is(err, scim.ErrInfrastructure) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case goldap.IsErrorAnyOf(err, goldap.LDAPResultNoSuchObject):
		return scim.NotFoundf("%s: %v", op, err)
	case goldap.IsErrorAnyOf(err,
		goldap.LDAPResultEntryAlreadyExists,
		goldap.LDAPResultAttributeOrValueExists,
		goldap.LDAPResultConstraintViolation,
		goldap.LDAPResultObjectClassViolation,
		goldap.LDAPResultNotAllowedOnNonLeaf):
		return scim.Conflictf("%s: %v", op, err)
	case goldap.IsErrorAnyOf(err,
		goldap.LDAPResultInvalidAttributeSyntax,
		goldap.LDAPResultInvalidDNSyntax,
		goldap.LDAPResultFilterError,
		goldap.LDAPResultUndefinedAttributeType,
		goldap.LDAPResultProtocolError):
		return scim.InvalidInputf("%s: %v", op, err)
	case goldap.IsErrorAnyOf(err,
		goldap.LDAPResultBusy,
		goldap.LDAPResultUnavailable,
		goldap.LDAPResultUnwillingToPerform,
		goldap.LDAPResultTimeLimitExceeded,
		goldap.LDAPResultServerDown,
		goldap.ErrorNetwork):
		return scim.Infrastructuref("%s: %v", op, err)
	default:
		return scim.Infrastructuref("%s: %v", op, err)
	}
}

// isNoSuchObject reports whether err is the directory's not-found result.
func isNoSuchObject(err error) bool {
	return goldap.IsErrorAnyOf(err, goldap.LDAPResultNoSuchObject)
}
