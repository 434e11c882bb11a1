package driver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// tenantIDPattern mirrors original_source's RuntimeManager.TENANT_ID_RE —
// the driver refuses to touch any path built from a tenant_id that doesn't
// match it, since tenant_id feeds directly into filesystem and container
// names.
var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,63}$`)

// ErrInvalidTenantID is returned by any operation given a malformed tenant
// id, before it touches the filesystem or the engine.
var ErrInvalidTenantID = fmt.Errorf("invalid tenant id")

// Health is the observed steady-state of one tenant's runtime container,
// always derived from the engine, never from driver-local memory (spec.md
// §4.C "state is derived from the engine's reported state").
type Health struct {
	Exists  bool
	Running bool
	Status  string
}

// Driver wraps the host container engine (component C). One Driver per
// worker process; all tenant operations funnel through it.
type Driver struct {
	cli           *client.Client
	tenantRoot    string
	bridgePort    int
	tenantNetwork string
	defaultImage  string
	logger        *zap.Logger
}

// New constructs a Driver, including the daemon-reachability check.
func New(ctx context.Context, dockerHost, tenantRoot, tenantNetwork, defaultImage string, bridgePort int, logger *zap.Logger) (*Driver, error) {
	cli, err := newDockerClient(ctx, dockerHost)
	if err != nil {
		return nil, err
	}
	return &Driver{
		cli:           cli,
		tenantRoot:    tenantRoot,
		bridgePort:    bridgePort,
		tenantNetwork: tenantNetwork,
		defaultImage:  defaultImage,
		logger:        logger,
	}, nil
}

func (d *Driver) paths(tenantID string) tenantPaths {
	return newTenantPaths(d.tenantRoot, tenantID)
}

func (d *Driver) validateTenantID(tenantID string) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return ErrInvalidTenantID
	}
	return nil
}

// Provision creates the tenant's isolated storage (two named volumes),
// materializes its compose topology, writes the initial env-file from the
// active config revision, and brings the container up in pending-pairing
// mode. Idempotent: re-running it against an existing tenant just
// re-renders and re-applies, matching the engine's actual state rather
// than any cached expectation.
func (d *Driver) Provision(ctx context.Context, tenantID, image string, env map[string]string, bridgeSharedSecret string) error {
	if err := d.validateTenantID(tenantID); err != nil {
		return err
	}
	p := d.paths(tenantID)
	if err := os.MkdirAll(p.dir(), 0o755); err != nil {
		return fmt.Errorf("create tenant dir: %w", err)
	}

	if err := d.ensureVolume(ctx, p.sessionVolume(tenantID)); err != nil {
		return err
	}
	if err := d.ensureVolume(ctx, p.stateVolume(tenantID)); err != nil {
		return err
	}

	if image == "" {
		image = d.defaultImage
	}
	if err := d.writeCompose(tenantID, image, p); err != nil {
		return err
	}
	if err := d.writeEnv(env, bridgeSharedSecret, p); err != nil {
		return err
	}

	return d.composeUp(ctx, p)
}

func (d *Driver) ensureVolume(ctx context.Context, name string) error {
	_, err := d.cli.VolumeInspect(ctx, name)
	if err == nil {
		return nil
	}
	if _, createErr := d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); createErr != nil {
		return fmt.Errorf("create volume %s: %w", name, createErr)
	}
	return nil
}

func (d *Driver) writeCompose(tenantID, image string, p tenantPaths) error {
	rendered, err := renderCompose(composeVars{
		TenantID:      tenantID,
		NexusImage:    image,
		EnvFile:       p.envFile(),
		BridgePort:    d.bridgePort,
		TenantNetwork: d.tenantNetwork,
		SessionVolume: p.sessionVolume(tenantID),
		StateVolume:   p.stateVolume(tenantID),
	})
	if err != nil {
		return err
	}
	return writeFile(p.composeFile(), rendered)
}

func (d *Driver) writeEnv(env map[string]string, bridgeSharedSecret string, p tenantPaths) error {
	defaults, err := defaultRuntimeEnv(envDefaultsVars{BridgePort: d.bridgePort, BridgeSharedSecret: bridgeSharedSecret})
	if err != nil {
		return err
	}
	return writeFile(p.envFile(), renderEnvFile(defaults, env))
}

func (d *Driver) composeUp(ctx context.Context, p tenantPaths) error {
	return d.compose(ctx, p, "up", "-d")
}

func (d *Driver) composeStop(ctx context.Context, p tenantPaths) error {
	return d.compose(ctx, p, "stop")
}

func (d *Driver) composeRestart(ctx context.Context, p tenantPaths) error {
	return d.compose(ctx, p, "restart")
}

func (d *Driver) composeDown(ctx context.Context, p tenantPaths, removeVolumes bool) error {
	args := []string{"down"}
	if removeVolumes {
		args = append(args, "-v")
	}
	return d.compose(ctx, p, args...)
}

// compose shells out to the docker CLI's compose plugin. Lifecycle
// mutation goes through the compose file (not the SDK) so the materialized
// file stays the single source of truth for a tenant's topology, per
// SPEC_FULL.md §4.C.
func (d *Driver) compose(ctx context.Context, p tenantPaths, args ...string) error {
	full := append([]string{"compose", "-f", p.composeFile()}, args...)
	cmd := exec.CommandContext(ctx, "docker", full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker %s: %w: %s", strings.Join(full, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Start ensures the tenant's container runs with the given image (empty
// falls back to the tenant's last-used image, passed in by the caller from
// the tenant row).
func (d *Driver) Start(ctx context.Context, tenantID, image string) error {
	if err := d.validateTenantID(tenantID); err != nil {
		return err
	}
	p := d.paths(tenantID)
	if image != "" {
		if err := d.writeCompose(tenantID, image, p); err != nil {
			return err
		}
	}
	return d.composeUp(ctx, p)
}

// Stop transitions the tenant to paused: the container is stopped, volumes
// and the compose file are left untouched.
func (d *Driver) Stop(ctx context.Context, tenantID string) error {
	if err := d.validateTenantID(tenantID); err != nil {
		return err
	}
	return d.composeStop(ctx, d.paths(tenantID))
}

// Restart stops then starts, optionally onto a new image.
func (d *Driver) Restart(ctx context.Context, tenantID, image string) error {
	if err := d.validateTenantID(tenantID); err != nil {
		return err
	}
	p := d.paths(tenantID)
	if image != "" {
		if err := d.writeCompose(tenantID, image, p); err != nil {
			return err
		}
	}
	return d.composeRestart(ctx, p)
}

// ApplyConfig atomically rewrites the env-file from a newly active config
// revision and restarts the container if it is currently running — the
// new values only take effect after a restart since they're read by the
// runtime process at startup.
func (d *Driver) ApplyConfig(ctx context.Context, tenantID string, env map[string]string, bridgeSharedSecret string, running bool) error {
	if err := d.validateTenantID(tenantID); err != nil {
		return err
	}
	p := d.paths(tenantID)
	if err := d.writeEnv(env, bridgeSharedSecret, p); err != nil {
		return err
	}
	if running {
		return d.composeRestart(ctx, p)
	}
	return nil
}

// PairStart guarantees the next whatsapp.qr observed on the bridge channel
// is strictly newer than any prior one: it discards the session volume
// (forcing the bridge to forget any prior pairing) and restarts into
// pending-pairing mode. The worker records the event-id baseline before
// calling this (see workerapi); QR freshness then follows from the bus's
// strictly-increasing event ids.
func (d *Driver) PairStart(ctx context.Context, tenantID, image string) error {
	if err := d.validateTenantID(tenantID); err != nil {
		return err
	}
	p := d.paths(tenantID)
	if image != "" {
		if err := d.writeCompose(tenantID, image, p); err != nil {
			return err
		}
	}
	if err := d.clearSessionVolume(ctx, p.sessionVolume(tenantID)); err != nil {
		return err
	}
	return d.composeRestart(ctx, p)
}

// WhatsappDisconnect drops the tenant's current pairing by discarding its
// session volume and restarting, identical in mechanism to PairStart — the
// runtime has no separate "drop pairing" control signal in this topology.
func (d *Driver) WhatsappDisconnect(ctx context.Context, tenantID string) error {
	if err := d.validateTenantID(tenantID); err != nil {
		return err
	}
	p := d.paths(tenantID)
	if err := d.clearSessionVolume(ctx, p.sessionVolume(tenantID)); err != nil {
		return err
	}
	return d.composeRestart(ctx, p)
}

// clearSessionVolume empties a tenant's session volume without deleting
// it, via a short-lived helper container — mirrors original_source's
// clear_session_volume (docker run --rm -v vol:/session busybox rm -rf).
func (d *Driver) clearSessionVolume(ctx context.Context, volumeName string) error {
	cmd := exec.CommandContext(ctx, "docker", "run", "--rm",
		"-v", volumeName+":/session", "busybox", "sh", "-c", "rm -rf /session/* /session/.[!.]*")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("clear session volume %s: %w: %s", volumeName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Delete stops the container and removes it along with both named
// volumes and the tenant's on-disk directory. Terminal: the caller marks
// the tenant's desired state "deleted" only after this succeeds.
func (d *Driver) Delete(ctx context.Context, tenantID string) error {
	if err := d.validateTenantID(tenantID); err != nil {
		return err
	}
	p := d.paths(tenantID)
	if err := d.composeDown(ctx, p, true); err != nil {
		return err
	}
	if err := os.RemoveAll(p.dir()); err != nil {
		return fmt.Errorf("remove tenant dir: %w", err)
	}
	return nil
}

// Health reports the engine's own view of the tenant's container — never
// the driver's in-memory cache.
func (d *Driver) Health(ctx context.Context, tenantID string) (Health, error) {
	if err := d.validateTenantID(tenantID); err != nil {
		return Health{}, err
	}
	name := containerName(tenantID)
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return Health{}, fmt.Errorf("list container %s: %w", name, err)
	}
	if len(containers) == 0 {
		return Health{Exists: false}, nil
	}
	c := containers[0]
	return Health{
		Exists:  true,
		Running: c.State == "running",
		Status:  c.Status,
	}, nil
}

// ListKnownTenantIDs enumerates tenant directories on disk, used by the
// reconcile loop to discover tenants the engine or the store may have lost
// track of (orphan detection, spec.md §4.C).
func (d *Driver) ListKnownTenantIDs() ([]string, error) {
	entries, err := os.ReadDir(d.tenantRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tenant root: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && tenantIDPattern.MatchString(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// BridgeWSURL is the address the bridge monitor dials for tenantID's
// container, reachable over the shared tenant network by container name.
func (d *Driver) BridgeWSURL(tenantID string) string {
	return fmt.Sprintf("ws://%s:%d", containerName(tenantID), d.bridgePort)
}
