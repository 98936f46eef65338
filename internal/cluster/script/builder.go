// Package script produces the self-contained shell scripts that run each
// IDE inside a containerized batch job.
//
// A script crosses two quoting contexts: it is interpolated once into a
// command line sent over a remote shell, and it embeds config files and
// helper snippets that must survive that hop unchanged. The rule here is
// that every embedded asset is base64-encoded by the builder and decoded on
// the remote side; only variables that must expand on the compute node
// ($HOME, $IDE_PORT) remain as literal dollar names after outer escaping.
package script

import (
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/clusterdesk/clusterdesk/internal/session"
)

// workDir is the per-user scratch directory scripts write runtime files to,
// relative to the job's $HOME.
const workDir = ".clusterdesk"

// portScanWindow bounds the free-port scan on the compute node.
const portScanWindow = 100

// Params carries everything a script needs for one launch.
type Params struct {
	IDE  session.IDE
	User string
	CPUs int
	// Image is the container image path on the cluster's shared filesystem.
	Image string
	// LibraryRoot is the release's companion shared library tree.
	LibraryRoot string
	Release     string
	// GPU enables accelerator passthrough when non-empty.
	GPU string
	// Token is injected for IDEs whose binary accepts one.
	Token string
	// BasePath is the proxy prefix the IDE must serve under.
	BasePath string
	// InternalPath is the upstream base path when it differs from BasePath.
	InternalPath string
	// DefaultPort is where the free-port scan starts.
	DefaultPort int
	// SessionKeyFile is the per-session secure cookie key path for the R IDE.
	SessionKeyFile string
}

// validate rejects parameters that would smuggle shell metacharacters into
// the interpolated command line. Assets go through base64 and are exempt.
func (p *Params) validate() error {
	checks := map[string]string{
		"image":        p.Image,
		"library root": p.LibraryRoot,
		"token":        p.Token,
		"base path":    p.BasePath,
		"gpu":          p.GPU,
	}
	for name, v := range checks {
		if strings.ContainsAny(v, "'\"\\$`;&|<> \t\n") {
			return fmt.Errorf("%s %q contains shell metacharacters", name, v)
		}
	}
	if p.DefaultPort <= 0 || p.DefaultPort > 65535 {
		return fmt.Errorf("default port %d out of range", p.DefaultPort)
	}
	return nil
}

// Builder renders the three IDE script variants.
type Builder struct{}

// NewBuilder creates a script builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// PortFilePath returns the per-IDE port file path relative to the job's
// home, mirrored by the port resolver on the control-plane side.
func PortFilePath(ide session.IDE) string {
	return path.Join(workDir, string(ide)+".port")
}

// Build renders a single-line shell command suitable for the scheduler's
// wrap argument.
func (b *Builder) Build(p Params) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}

	var steps []string
	steps = append(steps, "mkdir -p $HOME/"+workDir)

	// The port finder is the first asset in every script: it localises the
	// port-collision problem to the compute node and publishes the winner
	// both as a file (for the control plane) and as IDE_PORT (for the rest
	// of the script).
	steps = append(steps, decodeAsset(b.portFinder(p.IDE, p.DefaultPort), workDir+"/portfind-"+string(p.IDE)+".sh"))
	steps = append(steps, ". $HOME/"+workDir+"/portfind-"+string(p.IDE)+".sh")

	var ideSteps []string
	var err error
	switch p.IDE {
	case session.IDECode:
		ideSteps, err = b.codeSteps(p)
	case session.IDERStudio:
		ideSteps, err = b.rstudioSteps(p)
	case session.IDEJupyter:
		ideSteps, err = b.jupyterSteps(p)
	default:
		err = fmt.Errorf("unknown ide %q", p.IDE)
	}
	if err != nil {
		return "", err
	}
	steps = append(steps, ideSteps...)

	return strings.Join(steps, " && "), nil
}

// portFinder emits the shell snippet that scans upward from the default
// port and exports the winner.
func (b *Builder) portFinder(ide session.IDE, defaultPort int) string {
	return fmt.Sprintf(`port=%d
end=$((port + %d))
while [ "$port" -lt "$end" ] && ss -ltn 2>/dev/null | grep -q ":$port "; do
  port=$((port + 1))
done
echo "$port" > "$HOME/%s"
export IDE_PORT="$port"
`, defaultPort, portScanWindow, PortFilePath(ide))
}

// decodeAsset emits the remote-side decode of a base64-framed asset.
func decodeAsset(content, relPath string) string {
	enc := base64.StdEncoding.EncodeToString([]byte(content))
	return fmt.Sprintf("echo %s | base64 -d > $HOME/%s", enc, relPath)
}

// containerCmd renders the container invocation shared by all variants.
func containerCmd(p Params, env map[string]string, extraBinds []string, command string) string {
	var parts []string
	parts = append(parts, "apptainer", "exec")
	if p.GPU != "" {
		parts = append(parts, "--nv")
	}

	binds := append([]string{"$HOME"}, extraBinds...)
	if p.LibraryRoot != "" {
		binds = append(binds, p.LibraryRoot)
	}
	parts = append(parts, "--bind", strings.Join(binds, ","))

	for _, kv := range sortedEnv(env) {
		parts = append(parts, "--env", kv)
	}

	parts = append(parts, p.Image, command)
	return strings.Join(parts, " ")
}

// threadEnv pins the numeric library thread pools to the cpu request.
func threadEnv(cpus int) map[string]string {
	n := fmt.Sprintf("%d", cpus)
	return map[string]string{
		"OMP_NUM_THREADS":      n,
		"MKL_NUM_THREADS":      n,
		"OPENBLAS_NUM_THREADS": n,
		"NUMEXPR_NUM_THREADS":  n,
	}
}

func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	// Deterministic order keeps scripts reproducible across launches.
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// codeSteps renders the editor IDE: token-authenticated, settings seeded
// from an embedded asset.
func (b *Builder) codeSteps(p Params) ([]string, error) {
	if p.Token == "" {
		return nil, fmt.Errorf("editor ide requires a session token")
	}

	settings := `{
  "workbench.startupEditor": "none",
  "extensions.autoUpdate": false,
  "telemetry.telemetryLevel": "off"
}
`
	env := threadEnv(p.CPUs)

	steps := []string{
		"mkdir -p $HOME/" + workDir + "/code/User",
		decodeAsset(settings, workDir+"/code/User/settings.json"),
		containerCmd(p, env, nil,
			"openvscode-server --host 0.0.0.0 --port $IDE_PORT"+
				" --connection-token "+p.Token+
				" --server-data-dir $HOME/"+workDir+"/code"),
	}
	return steps, nil
}

// rstudioSteps renders the R IDE: no login, iframe-hosted, per-session
// secure cookie key.
func (b *Builder) rstudioSteps(p Params) ([]string, error) {
	keyFile := p.SessionKeyFile
	if keyFile == "" {
		keyFile = path.Join(workDir, "rstudio", "secure-cookie-key")
	}

	rsession := fmt.Sprintf(`session-timeout-minutes=0
session-save-action-default=no
r-libs-user=%s
`, path.Join("$HOME", workDir, "rstudio", "libs"))

	env := threadEnv(p.CPUs)
	if p.LibraryRoot != "" {
		env["R_LIBS_SITE"] = path.Join(p.LibraryRoot, p.Release, "rlibs")
	}

	steps := []string{
		"mkdir -p $HOME/" + workDir + "/rstudio/libs",
		decodeAsset(rsession, workDir+"/rstudio/rsession.conf"),
		containerCmd(p, env, []string{"/tmp"},
			"rserver --www-port $IDE_PORT --www-address 0.0.0.0"+
				" --auth-none 1 --www-frame-origin any"+
				" --server-user $USER"+
				" --secure-cookie-key-file $HOME/"+keyFile+
				" --rsession-config-file $HOME/"+workDir+"/rstudio/rsession.conf"+
				" --server-data-dir $HOME/"+workDir+"/rstudio/run"),
	}
	return steps, nil
}

// jupyterSteps renders the notebook IDE: query-token auth, base_url pinned
// to the proxy's internal prefix.
func (b *Builder) jupyterSteps(p Params) ([]string, error) {
	if p.Token == "" {
		return nil, fmt.Errorf("notebook ide requires a session token")
	}

	basePath := p.InternalPath
	if basePath == "" {
		basePath = p.BasePath
	}

	env := threadEnv(p.CPUs)
	if p.LibraryRoot != "" {
		env["PYTHONPATH"] = path.Join(p.LibraryRoot, p.Release, "python")
	}
	env["JUPYTER_DATA_DIR"] = path.Join("$HOME", workDir, "jupyter")

	steps := []string{
		"mkdir -p $HOME/" + workDir + "/jupyter",
		containerCmd(p, env, nil,
			"jupyter lab --no-browser --ip 0.0.0.0 --port $IDE_PORT"+
				" --ServerApp.token="+p.Token+
				" --ServerApp.base_url="+basePath+
				" --ServerApp.allow_remote_access=True"),
	}
	return steps, nil
}
