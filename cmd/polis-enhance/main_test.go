package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-enhance/pkg/domain"
	"github.com/polisai/polis-enhance/pkg/fingerprint"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFingerprintCmd(t *testing.T) {
	const text = "Release notes for the spring update.\n"
	path := writeTemp(t, t.TempDir(), "notes.md", text)

	out, err := run(t, "fingerprint", path, "-s", "clarity", "-s", "brevity", "-o", "tone=formal")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	want, err := fingerprint.Compute(text, domain.StrategyClarity, map[string]string{"tone": "formal"})
	require.NoError(t, err)
	assert.Equal(t, "clarity\t"+want.String(), lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "request\t"))

	again, err := run(t, "fingerprint", path, "-s", "clarity", "-s", "brevity", "-o", "tone=formal")
	require.NoError(t, err)
	assert.Equal(t, out, again)

	_, err = run(t, "fingerprint", path)
	assert.Error(t, err)
}

func TestEnhanceCmd_DryRun(t *testing.T) {
	path := writeTemp(t, t.TempDir(), "notes.md", "Release notes for the spring update.")

	out, err := run(t, "enhance", "--file", path, "-s", "clarity", "-s", "brevity", "--dry-run")
	require.NoError(t, err)

	var res domain.EnhancementResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, domain.ModeBasic, res.Mode)
	require.Len(t, res.Outcomes, 2)
	for _, o := range res.Outcomes {
		assert.Equal(t, domain.OutcomeSuccess, o.Status, o.Strategy)
		assert.Contains(t, o.Content, "spring update")
	}
	assert.False(t, res.CacheHit)
}

func TestEnhanceCmd_RequiresInputs(t *testing.T) {
	_, err := run(t, "enhance", "-s", "clarity", "--dry-run")
	assert.Error(t, err)

	path := writeTemp(t, t.TempDir(), "notes.md", "text")
	_, err = run(t, "enhance", "--file", path, "--dry-run")
	assert.Error(t, err)

	_, err = run(t, "enhance", "--file", path, "-s", "clarity", "--mode", "turbo", "--dry-run")
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestEnhanceCmd_AuditTrail(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "audit.db")
	cfgPath := writeTemp(t, dir, "enhance.yaml", `
mode: secure
audit:
  log: false
  sqlite_path: `+db+`
`)
	doc := writeTemp(t, dir, "feedback.md", "Send feedback to alice@example.com today.")

	out, err := run(t, "enhance", "-c", cfgPath, "--file", doc, "-s", "clarity", "--dry-run")
	require.NoError(t, err)
	var res domain.EnhancementResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Redacted)
	assert.NotContains(t, out, "alice@example.com")

	out, err = run(t, "audit", "-c", cfgPath, "--kind", string(domain.AuditSecurityRedaction))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	var event domain.AuditEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &event))
	assert.Equal(t, domain.AuditSecurityRedaction, event.Kind)
	assert.Equal(t, "cli", event.PrincipalID)
	assert.Equal(t, domain.ModeSecure, event.Mode)
}

func TestValidateConfigCmd(t *testing.T) {
	dir := t.TempDir()
	good := writeTemp(t, dir, "good.yaml", "mode: performance\nmodes: [secure]\n")
	out, err := run(t, "validate-config", "-c", good)
	require.NoError(t, err)
	assert.Contains(t, out, "default mode performance")
	assert.Contains(t, out, "secure")

	bad := writeTemp(t, dir, "bad.yaml", "profiles:\n  basic:\n    workers: -4\n")
	_, err = run(t, "validate-config", "-c", bad)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestValidateConfigCmd_CompilesPolicyDir(t *testing.T) {
	dir := t.TempDir()
	policies := filepath.Join(dir, "policies")
	require.NoError(t, os.Mkdir(policies, 0o750))
	writeTemp(t, policies, "authz.rego", `package custom.authz

decision := {"action": "allow"}
`)
	cfgPath := writeTemp(t, dir, "enhance.yaml", `
policy:
  enabled: true
  dir: `+policies+`
  entrypoint: custom/authz/decision
`)
	_, err := run(t, "validate-config", "-c", cfgPath)
	require.NoError(t, err)

	writeTemp(t, policies, "broken.rego", "package custom.authz\n\ndecision := {\n")
	_, err = run(t, "validate-config", "-c", cfgPath)
	assert.Error(t, err)
}

func TestLoadRegoModules(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "a.rego", "package a")
	writeTemp(t, dir, "a_test.rego", "package a_test")
	writeTemp(t, dir, "README.md", "docs")

	modules, err := loadRegoModules(dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.rego": "package a"}, modules)

	_, err = loadRegoModules(t.TempDir())
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestCertCmd(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "cert", "--output-dir", dir, "--valid-for", "24h")
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "cert.pem"))

	pair, err := tls.LoadX509KeyPair(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"))
	require.NoError(t, err)
	assert.NotEmpty(t, pair.Certificate)

	info, err := os.Stat(filepath.Join(dir, "key.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = run(t, "cert", "--output-dir", dir, "--valid-for", "0s")
	assert.Error(t, err)
}
