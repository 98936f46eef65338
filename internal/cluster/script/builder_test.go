package script

import (
	"encoding/base64"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterdesk/clusterdesk/internal/session"
)

func codeParams() Params {
	return Params{
		IDE:         session.IDECode,
		User:        "alice",
		CPUs:        4,
		Image:       "/shared/images/2024.1/code.sif",
		LibraryRoot: "/shared/libs",
		Release:     "2024.1",
		Token:       "tok-abc123",
		BasePath:    "/code",
		DefaultPort: 8000,
	}
}

func TestBuild_SingleLine(t *testing.T) {
	b := NewBuilder()
	out, err := b.Build(codeParams())
	require.NoError(t, err)
	assert.NotContains(t, out, "\n", "wrap scripts must be a single line")
}

func TestBuild_NoRawSingleQuotes(t *testing.T) {
	b := NewBuilder()
	for _, ide := range session.AllIDEs() {
		p := codeParams()
		p.IDE = ide
		p.InternalPath = "/jupyter"
		out, err := b.Build(p)
		require.NoError(t, err, "ide %s", ide)
		assert.NotContains(t, out, "'",
			"single quotes would break the outer shell quoting for %s", ide)
	}
}

func TestBuild_PortFinderIsFirstAsset(t *testing.T) {
	b := NewBuilder()
	out, err := b.Build(codeParams())
	require.NoError(t, err)

	// The first decoded asset must be the port finder, and it must come
	// before the container exec.
	firstEcho := strings.Index(out, "echo ")
	apptainer := strings.Index(out, "apptainer exec")
	require.GreaterOrEqual(t, firstEcho, 0)
	require.Greater(t, apptainer, firstEcho)

	asset := decodeFirstAsset(t, out)
	assert.Contains(t, asset, "port=8000")
	assert.Contains(t, asset, "export IDE_PORT=")
	assert.Contains(t, asset, PortFilePath(session.IDECode))
	assert.Contains(t, asset, "port + 100", "scan window is bounded")
}

// decodeFirstAsset extracts and decodes the first base64 blob in a script.
func decodeFirstAsset(t *testing.T, script string) string {
	t.Helper()
	m := regexp.MustCompile(`echo ([A-Za-z0-9+/=]+) \| base64 -d`).FindStringSubmatch(script)
	require.NotNil(t, m, "no base64 asset found")
	raw, err := base64.StdEncoding.DecodeString(m[1])
	require.NoError(t, err)
	return string(raw)
}

func TestBuild_RemoteVariablesSurvive(t *testing.T) {
	b := NewBuilder()
	out, err := b.Build(codeParams())
	require.NoError(t, err)

	// $HOME and $IDE_PORT must reach the compute node as literals.
	assert.Contains(t, out, "$HOME/.clusterdesk")
	assert.Contains(t, out, "--port $IDE_PORT")
}

func TestBuild_Code_TokenAndSettings(t *testing.T) {
	b := NewBuilder()
	out, err := b.Build(codeParams())
	require.NoError(t, err)

	assert.Contains(t, out, "--connection-token tok-abc123")
	assert.Contains(t, out, "OMP_NUM_THREADS=4")
	assert.Contains(t, out, "MKL_NUM_THREADS=4")

	p := codeParams()
	p.Token = ""
	_, err = b.Build(p)
	assert.Error(t, err, "editor requires a token")
}

func TestBuild_RStudio(t *testing.T) {
	b := NewBuilder()
	p := codeParams()
	p.IDE = session.IDERStudio
	p.Token = ""
	p.BasePath = "/rstudio"
	p.DefaultPort = 8787
	p.SessionKeyFile = ".clusterdesk/rstudio/gemini-rstudio.key"

	out, err := b.Build(p)
	require.NoError(t, err)

	assert.Contains(t, out, "--auth-none 1")
	assert.Contains(t, out, "--www-frame-origin any")
	assert.Contains(t, out, "--secure-cookie-key-file $HOME/.clusterdesk/rstudio/gemini-rstudio.key")
	assert.Contains(t, out, "R_LIBS_SITE=/shared/libs/2024.1/rlibs")
}

func TestBuild_Jupyter(t *testing.T) {
	b := NewBuilder()
	p := codeParams()
	p.IDE = session.IDEJupyter
	p.BasePath = "/jupyter"
	p.InternalPath = "/jupyter"
	p.DefaultPort = 8888

	out, err := b.Build(p)
	require.NoError(t, err)

	assert.Contains(t, out, "--ServerApp.token=tok-abc123")
	assert.Contains(t, out, "--ServerApp.base_url=/jupyter")
	assert.Contains(t, out, "PYTHONPATH=/shared/libs/2024.1/python")
}

func TestBuild_GPUPassthrough(t *testing.T) {
	b := NewBuilder()
	p := codeParams()
	p.GPU = "a100"
	out, err := b.Build(p)
	require.NoError(t, err)
	assert.Contains(t, out, "apptainer exec --nv")
}

func TestBuild_RejectsShellMetacharacters(t *testing.T) {
	b := NewBuilder()
	bad := []Params{
		func() Params { p := codeParams(); p.Image = "/img/$(rm -rf)/x.sif"; return p }(),
		func() Params { p := codeParams(); p.Token = "a'b"; return p }(),
		func() Params { p := codeParams(); p.BasePath = "/code; rm"; return p }(),
		func() Params { p := codeParams(); p.DefaultPort = 0; return p }(),
	}
	for i, p := range bad {
		_, err := b.Build(p)
		assert.Error(t, err, "case %d", i)
	}
}
