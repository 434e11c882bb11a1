package driver

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantIDPattern(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"acme-corp", true},
		{"tenant_123", true},
		{"ab1", true},
		{"a", false},
		{"ab", false},
		{"-leading-dash", false},
		{"Has-Upper-Case", false},
		{"has spaces", false},
		{"../traversal", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.valid, tenantIDPattern.MatchString(tt.id))
		})
	}
}

func TestValidateTenantID(t *testing.T) {
	d := &Driver{bridgePort: 7000}

	assert.NoError(t, d.validateTenantID("acme-corp"))
	assert.ErrorIs(t, d.validateTenantID("../etc"), ErrInvalidTenantID)
}

func TestBridgeWSURL(t *testing.T) {
	d := &Driver{bridgePort: 7000}
	assert.Equal(t, "ws://tenant_acme_runtime:7000", d.BridgeWSURL("acme"))
}

func TestListKnownTenantIDsFiltersInvalidDirNames(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"acme-corp", "tenant_b", "INVALID", ".hidden"} {
		assert.NoError(t, os.MkdirAll(root+"/"+name, 0o755))
	}

	d := &Driver{tenantRoot: root}
	ids, err := d.ListKnownTenantIDs()
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"acme-corp", "tenant_b"}, ids)
}

func TestListKnownTenantIDsMissingRootIsNotAnError(t *testing.T) {
	d := &Driver{tenantRoot: "/nonexistent/path/for/test"}
	ids, err := d.ListKnownTenantIDs()
	assert.NoError(t, err)
	assert.Empty(t, ids)
}
