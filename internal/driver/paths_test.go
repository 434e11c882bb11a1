package driver

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantPathsLayout(t *testing.T) {
	p := newTenantPaths("/data/tenants", "acme")

	assert.Equal(t, filepath.Join("/data/tenants", "acme"), p.dir())
	assert.Equal(t, filepath.Join("/data/tenants", "acme", "compose.yml"), p.composeFile())
	assert.Equal(t, filepath.Join("/data/tenants", "acme", "runtime.env"), p.envFile())
	assert.Equal(t, "nexus_tenant_acme_session", p.sessionVolume("acme"))
	assert.Equal(t, "nexus_tenant_acme_state", p.stateVolume("acme"))
}

func TestContainerNameConvention(t *testing.T) {
	assert.Equal(t, "tenant_acme_runtime", containerName("acme"))
}
