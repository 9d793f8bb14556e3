package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recstore/internal/testutil"
)

const (
	alphaDigest = "8ed3f6ad685b959ead7022518e1af76cd816f8e8ec7ccdda1ed4018e8f2223f8"
	betaDigest  = "f44e64e75f3948e9f73f8dfa94721c4ce8cbb4f265c4790c702b2d41cfbf2753"
)

// cliHarness runs commands against one database with a deterministic clock.
type cliHarness struct {
	t      *testing.T
	dbPath string
	clock  *testutil.StepClock
}

func newHarness(t *testing.T) *cliHarness {
	t.Helper()
	return &cliHarness{
		t:      t,
		dbPath: filepath.Join(t.TempDir(), "cli.db"),
		clock:  testutil.NewStepClock(time.Time{}, time.Second),
	}
}

// run executes args and returns stdout and the command error.
func (h *cliHarness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()
	opts := &RootOptions{Clock: h.clock, Stdin: strings.NewReader(stdin)}
	cmd := newRootCommand(opts)

	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--db", h.dbPath}, args...))

	err := cmd.Execute()
	return stdout.String(), err
}

func (h *cliHarness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run("", args...)
	require.NoError(h.t, err, "output: %s", out)
	return out
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestPut_TextBatch(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("put", "--text", "alpha", "beta")
	golden(t).Assert(t, "put_text", []byte(out))
}

func TestPut_SkipsExisting(t *testing.T) {
	h := newHarness(t)
	h.mustRun("put", "--text", "alpha")

	out := h.mustRun("--format", "json", "put", "--text", "alpha", "beta")

	var resp struct {
		Status string
		Data   PutResult
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Saved)
	assert.Equal(t, 1, resp.Data.Skipped)
	require.Len(t, resp.Data.Records, 2)
	assert.Equal(t, alphaDigest, resp.Data.Records[0].Digest)
	assert.Equal(t, "2024-01-01T00:00:00.000000+00:00", resp.Data.Records[0].ClaimedAt, "existing records keep their claim time")
}

func TestPut_SingleExistingIsSkipped(t *testing.T) {
	h := newHarness(t)

	decode := func(out string) PutResult {
		var resp struct {
			Status string
			Data   PutResult
		}
		require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
		require.Equal(t, "ok", resp.Status)
		return resp.Data
	}

	first := decode(h.mustRun("--format", "json", "put", "--text", "alpha"))
	assert.Equal(t, 1, first.Saved)
	assert.Zero(t, first.Skipped)

	again := decode(h.mustRun("--format", "json", "put", "--text", "alpha"))
	assert.Zero(t, again.Saved)
	assert.Equal(t, 1, again.Skipped)
	require.Len(t, again.Records, 1)
	assert.Equal(t, alphaDigest, again.Records[0].Digest)
	assert.Equal(t, first.Records[0].ClaimedAt, again.Records[0].ClaimedAt)
}

func TestPut_StdinAndFiles(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("alpha", "put")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, alphaDigest))

	path := filepath.Join(t.TempDir(), "beta.txt")
	require.NoError(t, os.WriteFile(path, []byte("beta"), 0o600))
	out = h.mustRun("put", path)
	assert.True(t, strings.HasPrefix(out, betaDigest))
}

func TestPut_EmptyStdinIsValidationError(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("", "put")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [VALIDATION]")
}

func TestPut_Normalize(t *testing.T) {
	h := newHarness(t)
	decomposed := "e\u0301"

	plain := h.mustRun("put", "--text", decomposed)
	normalized := h.mustRun("put", "--text", "--normalize", decomposed)

	assert.NotEqual(t, plain[:64], normalized[:64])
	assert.Equal(t, "4a99557e4033c3539de2eb65472017cad5f9557f7a0625a09f1c3f6e2ba69c4c", normalized[:64], "NFC form is U+00E9")
}

func TestGet(t *testing.T) {
	h := newHarness(t)
	h.mustRun("put", "--text", "alpha", "beta")

	golden(t).Assert(t, "get_text", []byte(h.mustRun("get", alphaDigest)))

	raw := h.mustRun("get", "--raw", strings.ToUpper(betaDigest))
	assert.Equal(t, "beta", raw)
}

func TestGet_Errors(t *testing.T) {
	h := newHarness(t)
	h.mustRun("put", "--text", "alpha")

	out, err := h.run("", "get", betaDigest)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [NOT_FOUND]")

	out, err = h.run("", "get", "not-a-digest")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [VALIDATION]")

	out, err = h.run("", "get", alphaDigest, betaDigest)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, alphaDigest+"  2024-01-01T00:00:00.000000+00:00  5 bytes")
	assert.Contains(t, out, betaDigest+"  missing")
}

func TestList(t *testing.T) {
	h := newHarness(t)
	h.mustRun("put", "--text", "alpha", "beta", "gamma")

	golden(t).Assert(t, "list_json", []byte(h.mustRun("--format", "json", "list", "--page-size", "2")))
	golden(t).Assert(t, "list_text_page2", []byte(h.mustRun("list", "--page-size", "2", "--page", "2")))

	windowed := h.mustRun("list", "--start", "2024-01-01T00:00:01Z", "--end", "2024-01-01T00:00:01Z")
	assert.Contains(t, windowed, betaDigest)
	assert.NotContains(t, windowed, alphaDigest)
	assert.Contains(t, windowed, "page 1 of 1 (1 records)")
}

func TestList_BadArguments(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("", "list", "--start", "yesterday")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = h.run("", "list", "--page", "0")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = h.run("", "list", "--start", "2024-01-02T00:00:00Z", "--end", "2024-01-01T00:00:00Z")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	h.mustRun("put", "--text", "alpha", "beta")

	assert.Equal(t, "deleted 1 of 1\n", h.mustRun("delete", alphaDigest))
	assert.Equal(t, "deleted 0 of 1\n", h.mustRun("delete", alphaDigest), "a missing digest is not an error")
	assert.Equal(t, "deleted 1 of 2\n", h.mustRun("delete", alphaDigest, betaDigest))

	out := h.mustRun("list")
	assert.Equal(t, "page 1 of 0 (0 records)\n", out)
}

func TestConfigFile(t *testing.T) {
	h := newHarness(t)
	cfgPath := filepath.Join(t.TempDir(), "recstore.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("digest:\n  algorithm: md5\n"), 0o600))

	out := h.mustRun("--config", cfgPath, "put", "--text", "hello")
	assert.True(t, strings.HasPrefix(out, "5d41402abc4b2a76b9719d911017c592  "))

	_, err := h.run("", "--config", filepath.Join(t.TempDir(), "absent.yaml"), "list")
	assert.Error(t, err)
}

func TestMetricsAddr(t *testing.T) {
	h := newHarness(t)
	out := h.mustRun("--metrics-addr", "127.0.0.1:0", "put", "--text", "alpha")
	assert.True(t, strings.HasPrefix(out, alphaDigest))
}
