package driver

import "path/filepath"

// tenantPaths centralizes the on-disk layout under TenantRoot: one
// directory per tenant holding the materialized compose file and env-file.
// Only the worker process ever reads or writes these paths.
type tenantPaths struct {
	root string
}

func newTenantPaths(tenantRoot, tenantID string) tenantPaths {
	return tenantPaths{root: filepath.Join(tenantRoot, tenantID)}
}

func (p tenantPaths) dir() string {
	return p.root
}

func (p tenantPaths) composeFile() string {
	return filepath.Join(p.root, "compose.yml")
}

func (p tenantPaths) envFile() string {
	return filepath.Join(p.root, "runtime.env")
}

func (p tenantPaths) sessionVolume(tenantID string) string {
	return "nexus_tenant_" + tenantID + "_session"
}

func (p tenantPaths) stateVolume(tenantID string) string {
	return "nexus_tenant_" + tenantID + "_state"
}
