package ldap

import (
	"errors"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"

	"github.com/dhawalhost/scimgate/internal/scim"
)

func TestClassifyResultCodes(t *testing.T) {
	cases := []struct {
		code uint16
		want error
	}{
		{goldap.LDAPResultNoSuchObject, scim.ErrNotFound},
		{goldap.LDAPResultEntryAlreadyExists, scim.ErrConflict},
		{goldap.LDAPResultProtocolError, scim.ErrInvalidInput},
		{goldap.LDAPResultBusy, scim.ErrInfrastructure},
	}
	for _, tc := range cases {
		err := classify("op", goldap.NewError(tc.code, errors.New("directory said no")))
		assert.ErrorIs(t, err, tc.want)
	}
}

// A sentinel attached before the directory round-trip must survive
// classification, not get rewrapped as an infrastructure failure.
func TestClassifyKeepsEarlierClassification(t *testing.T) {
	err := classify("search users", scim.InvalidInputf("cannot sort by %q", "favoriteColor"))
	assert.ErrorIs(t, err, scim.ErrInvalidInput)
	assert.NotErrorIs(t, err, scim.ErrInfrastructure)

	err = classify("get user", scim.NotFoundf("user %q", "missing"))
	assert.ErrorIs(t, err, scim.ErrNotFound)
}
