package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Dialect)
	assert.Equal(t, 8, cfg.Generation.HTMLGenerationMaxWorkers)
}

func TestPPTAndPicFallBackToOutline(t *testing.T) {
	cfg := Default()
	cfg.LLM.Outline = LLMConfig{APIType: "openai", APIKey: "k", APIURL: "http://x", Model: "m1"}
	cfg.LLM.PPT.Model = "m2"

	ppt := cfg.PPTLLM()
	assert.Equal(t, "m2", ppt.Model)
	assert.Equal(t, "k", ppt.APIKey)
	assert.Equal(t, "http://x", ppt.APIURL)

	assert.Equal(t, cfg.LLM.Outline, cfg.PicLLM())
}

func TestServiceEnvFileOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	yml := writeFile(t, dir, "config.yaml", "llm:\n  outline:\n    model: from-yaml\n    api_type: openai\n")
	env := writeFile(t, dir, ".env", "OUTLINE_MODEL=from-env\nPIC_NUM_LIMIT=3\n")

	s, err := NewService(yml, env)
	require.NoError(t, err)

	v, ok := s.Get("OUTLINE_MODEL")
	require.True(t, ok)
	assert.Equal(t, "from-env", v)
	assert.Equal(t, 3, s.Current().Search.PicNumLimit)

	_, ok = s.Get("NOPE")
	assert.False(t, ok)
}

func TestServiceUpdatePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	s, err := NewService("", env)
	require.NoError(t, err)

	require.NoError(t, s.Update(map[string]string{"ppt_model": "gpt-x", "HTML_GENERATION_MAX_WORKERS": "2"}))
	assert.Equal(t, "gpt-x", s.Current().LLM.PPT.Model)
	assert.Equal(t, 2, s.Current().Generation.HTMLGenerationMaxWorkers)

	saved, err := godotenv.Read(env)
	require.NoError(t, err)
	assert.Equal(t, "gpt-x", saved["PPT_MODEL"])

	require.NoError(t, s.Reload())
	assert.Equal(t, "gpt-x", s.Current().LLM.PPT.Model)
}

func TestServiceUpdateRejectsInvalid(t *testing.T) {
	s := NewStatic(Default())

	err := s.Update(map[string]string{"UNKNOWN_KEY": "1"})
	assert.Error(t, err)

	err = s.Update(map[string]string{"PPT_MODEL": "ok", "PIC_NUM_LIMIT": "zero"})
	assert.Error(t, err)
	assert.Empty(t, s.Current().LLM.PPT.Model, "partial updates must not apply")
}

func TestMaskedHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.LLM.Outline.APIKey = "sk-1234567890"
	m := NewStatic(cfg).Masked()
	assert.Equal(t, "sk-123...", m["OUTLINE_API_KEY"])
	assert.Equal(t, "openai", m["OUTLINE_API_TYPE"])
}

func TestConverterCommandNotOverridable(t *testing.T) {
	dir := t.TempDir()
	yml := writeFile(t, dir, "config.yaml", "export:\n  pptx_command: convert {pdf} {pptx}\n")
	env := writeFile(t, dir, ".env", "PPTX_COMMAND=touch /tmp/from-env-file\n")
	s, err := NewService(yml, env)
	require.NoError(t, err)
	assert.Equal(t, "convert {pdf} {pptx}", s.Current().Export.PPTXCommand, "env file must not set the converter command")

	err = s.Update(map[string]string{"PPTX_COMMAND": "touch /tmp/x"})
	require.Error(t, err)
	err = s.Update(map[string]string{"pptx_command": "touch /tmp/x", "PPT_MODEL": "m"})
	require.Error(t, err)
	assert.Equal(t, "convert {pdf} {pptx}", s.Current().Export.PPTXCommand)
	assert.Empty(t, s.Current().LLM.PPT.Model)

	_, ok := s.Get("PPTX_COMMAND")
	assert.False(t, ok)
	assert.NotContains(t, s.Keys(), "PPTX_COMMAND")
	assert.NotContains(t, s.Masked(), "PPTX_COMMAND")

	t.Setenv("PPTX_COMMAND", "soffice {pdf}")
	require.NoError(t, s.Reload())
	assert.Equal(t, "soffice {pdf}", s.Current().Export.PPTXCommand)
}
