package driver

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"
)

//go:embed templates/tenant-compose.yml.tmpl templates/runtime.env.tmpl
var templateFiles embed.FS

var (
	composeTmpl = template.Must(template.ParseFS(templateFiles, "templates/tenant-compose.yml.tmpl"))
	envTmpl     = template.Must(template.ParseFS(templateFiles, "templates/runtime.env.tmpl"))
)

type composeVars struct {
	TenantID      string
	NexusImage    string
	EnvFile       string
	BridgePort    int
	TenantNetwork string
	SessionVolume string
	StateVolume   string
}

// renderCompose materializes the single compose topology template for one
// tenant, substituting the documented placeholder set (tenant id, image
// reference, env-file path, network) per spec.md §9 "compose topology is
// configuration, not code".
func renderCompose(vars composeVars) (string, error) {
	var buf bytes.Buffer
	if err := composeTmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render compose template: %w", err)
	}
	return buf.String(), nil
}

type envDefaultsVars struct {
	BridgePort         int
	BridgeSharedSecret string
}

// defaultRuntimeEnv renders the static defaults every tenant runtime needs
// regardless of its own config revision (bridge bind address, data dirs).
func defaultRuntimeEnv(vars envDefaultsVars) (map[string]string, error) {
	var buf bytes.Buffer
	if err := envTmpl.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("render env defaults template: %w", err)
	}
	out := make(map[string]string)
	for _, line := range strings.Split(buf.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out, nil
}

// renderEnvFile merges defaults with the tenant's active config revision
// (which wins on key collision) and serializes in a stable, sorted order so
// two renders of the same inputs produce byte-identical files.
func renderEnvFile(defaults, overrides map[string]string) string {
	merged := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.ReplaceAll(merged[k], "\n", "\\n"))
		b.WriteByte('\n')
	}
	return b.String()
}

// writeFile writes contents to path with 0600 permissions via a same-dir
// temp file and rename, so a concurrent reader (or a crash mid-write) never
// observes a partial env-file or compose file. The env-file carries the
// bridge shared secret and any sensitive config values, and is owned
// exclusively by the worker per spec.md §5.
func writeFile(path, contents string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(contents), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
