// Package driver wraps the host container engine (component C): it
// materializes per-tenant compose topologies from a template, writes
// env-files, and drives lifecycle operations via `docker compose`, with the
// Docker SDK used only for steady-state state queries and volume creation.
package driver

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
)

// newDockerClient builds the Docker SDK client used for state queries
// (ContainerList, VolumeInspect) and for creating named volumes
// (VolumeCreate) — never for container lifecycle mutation, which
// goes through `docker compose` so the compose file stays the single
// source of truth for a tenant's topology.
func newDockerClient(ctx context.Context, host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return cli, nil
}

// containerName is the naming convention the bridge ingress and the
// reconcile loop both depend on to find a tenant's running container.
func containerName(tenantID string) string {
	return fmt.Sprintf("tenant_%s_runtime", tenantID)
}
