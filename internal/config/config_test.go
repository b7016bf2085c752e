package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	cfg := NewConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, 1, cfg.Version)

	assert.Equal(t, 4, cfg.Directories.NumWatcherWorkers)
	assert.Equal(t, 4, cfg.Directories.NumEmbeddingWorkers)
	assert.Equal(t, 50, cfg.Directories.BatchSize)
	assert.False(t, cfg.Directories.Recursive)

	assert.Equal(t, 48, cfg.Index.M)
	assert.Equal(t, 200, cfg.Index.EfConstruction)
	assert.Equal(t, 64, cfg.Index.EfSearch)

	assert.Equal(t, 1800, cfg.Reconciler.IntervalSeconds)

	assert.Equal(t, 20, cfg.Retrieval.NumImagesToRetrieve)
	assert.Equal(t, 1, cfg.Retrieval.NumImagesToGenerate)
	assert.Equal(t, "medium", cfg.Retrieval.ImageSizeLabel)
	assert.Equal(t, 1, cfg.Retrieval.NumEnginesToUse)
	assert.True(t, cfg.Retrieval.UseFallback)

	assert.Equal(t, 0.05, cfg.Feedback.DefaultEta)
	assert.Equal(t, 1e-4, cfg.Feedback.WeightFloorEpsilon)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Logging.FilePath)
	assert.NotEmpty(t, cfg.DataDir)

	require.Len(t, cfg.Embedders, 2)
	assert.Equal(t, "clip", cfg.Embedders[0].Name)
	assert.Equal(t, "resnet", cfg.Embedders[1].Name)
}

func TestValidate_RejectsNoConfiguredEmbedders(t *testing.T) {
	cfg := NewConfig()
	cfg.Embedders = nil
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsDuplicateEmbedderNames(t *testing.T) {
	cfg := NewConfig()
	cfg.Embedders = []EmbedderConfig{{Name: "clip"}, {Name: "clip"}}
	assert.Error(t, cfg.Validate())
}

func TestLoad_NoConfigFile_ReturnsDefaults(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 20, cfg.Retrieval.NumImagesToRetrieve)
}

func TestLoad_YamlFile_OverridesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configContent := `
version: 1
retrieval:
  num_images_to_retrieve: 40
  num_engines_to_use: 3
feedback:
  default_eta: 0.1
`
	err := os.WriteFile(filepath.Join(tmpDir, ".needle.yaml"), []byte(configContent), 0o644)
	require.NoError(t, err)

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Retrieval.NumImagesToRetrieve)
	assert.Equal(t, 3, cfg.Retrieval.NumEnginesToUse)
	assert.Equal(t, 0.1, cfg.Feedback.DefaultEta)
}

func TestLoad_YmlExtension_IsRecognized(t *testing.T) {
	tmpDir := t.TempDir()
	configContent := `
version: 1
directories:
  recursive_indexing: true
`
	err := os.WriteFile(filepath.Join(tmpDir, ".needle.yml"), []byte(configContent), 0o644)
	require.NoError(t, err)

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.True(t, cfg.Directories.Recursive)
}

func TestLoad_YamlPreferredOverYml(t *testing.T) {
	tmpDir := t.TempDir()
	yamlContent := `
version: 1
logging:
  log_level: debug
`
	ymlContent := `
version: 1
logging:
  log_level: warn
`
	err := os.WriteFile(filepath.Join(tmpDir, ".needle.yaml"), []byte(yamlContent), 0o644)
	require.NoError(t, err)
	err = os.WriteFile(filepath.Join(tmpDir, ".needle.yml"), []byte(ymlContent), 0o644)
	require.NoError(t, err)

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_InvalidYaml_ReturnsError(t *testing.T) {
	tmpDir := t.TempDir()
	invalidContent := `
version: 1
retrieval:
  num_images_to_retrieve: [invalid yaml syntax
`
	err := os.WriteFile(filepath.Join(tmpDir, ".needle.yaml"), []byte(invalidContent), 0o644)
	require.NoError(t, err)

	cfg, err := Load(tmpDir)

	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "parse")
}

func TestFindProjectRoot_GitDirectory_ReturnsGitRoot(t *testing.T) {
	tmpDir := t.TempDir()
	gitDir := filepath.Join(tmpDir, ".git")
	nestedDir := filepath.Join(tmpDir, "src", "internal")
	require.NoError(t, os.Mkdir(gitDir, 0o755))
	require.NoError(t, os.MkdirAll(nestedDir, 0o755))

	root, err := FindProjectRoot(nestedDir)

	require.NoError(t, err)
	assert.Equal(t, tmpDir, root)
}

func TestFindProjectRoot_ConfigFile_ReturnsConfigLocation(t *testing.T) {
	tmpDir := t.TempDir()
	nestedDir := filepath.Join(tmpDir, "src", "internal")
	require.NoError(t, os.MkdirAll(nestedDir, 0o755))
	err := os.WriteFile(filepath.Join(tmpDir, ".needle.yaml"), []byte("version: 1"), 0o644)
	require.NoError(t, err)

	root, err := FindProjectRoot(nestedDir)

	require.NoError(t, err)
	assert.Equal(t, tmpDir, root)
}

func TestFindProjectRoot_NoMarkers_ReturnsCurrentDir(t *testing.T) {
	tmpDir := t.TempDir()

	root, err := FindProjectRoot(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, tmpDir, root)
}

func TestLoad_EnvVarOverridesNumEnginesToUse(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("NEEDLE_NUM_ENGINES_TO_USE", "5")

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Retrieval.NumEnginesToUse)
}

func TestLoad_EnvVarOverridesLogLevel(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("NEEDLE_LOG_LEVEL", "debug")

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvVarOverridesDataDir(t *testing.T) {
	tmpDir := t.TempDir()
	customDataDir := filepath.Join(t.TempDir(), "custom-data")
	t.Setenv("NEEDLE_DATA_DIR", customDataDir)

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, customDataDir, cfg.DataDir)
}

func TestLoad_EnvVarOverridesYaml(t *testing.T) {
	tmpDir := t.TempDir()
	configContent := `
version: 1
retrieval:
  num_images_to_retrieve: 15
`
	err := os.WriteFile(filepath.Join(tmpDir, ".needle.yaml"), []byte(configContent), 0o644)
	require.NoError(t, err)
	t.Setenv("NEEDLE_NUM_IMAGES_TO_RETRIEVE", "99")

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, 99, cfg.Retrieval.NumImagesToRetrieve)
}

func TestLoad_EnvVarEmptyString_DoesNotOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("NEEDLE_LOG_LEVEL", "")

	cfg, err := Load(tmpDir)

	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestGetUserConfigPath_DefaultsToXDGLocation(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")

	path := GetUserConfigPath()

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	expected := filepath.Join(home, ".config", "needle", "config.yaml")
	assert.Equal(t, expected, path)
}

func TestGetUserConfigPath_RespectsXDGConfigHome(t *testing.T) {
	customConfig := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", customConfig)

	path := GetUserConfigPath()

	expected := filepath.Join(customConfig, "needle", "config.yaml")
	assert.Equal(t, expected, path)
}

func TestGetUserConfigDir_ReturnsParentOfConfigPath(t *testing.T) {
	dir := GetUserConfigDir()
	path := GetUserConfigPath()

	assert.Equal(t, filepath.Dir(path), dir)
}

func TestUserConfigExists_ReturnsFalseWhenMissing(t *testing.T) {
	emptyDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", emptyDir)

	exists := UserConfigExists()

	assert.False(t, exists)
}

func TestUserConfigExists_ReturnsTrueWhenPresent(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)
	needleDir := filepath.Join(configDir, "needle")
	require.NoError(t, os.MkdirAll(needleDir, 0o755))
	configPath := filepath.Join(needleDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("version: 1"), 0o644))

	exists := UserConfigExists()

	assert.True(t, exists)
}

func TestLoad_UserConfigOverridesDefaults(t *testing.T) {
	configDir := t.TempDir()
	projectDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)

	needleDir := filepath.Join(configDir, "needle")
	require.NoError(t, os.MkdirAll(needleDir, 0o755))
	userConfig := `
version: 1
generator:
  endpoint: http://custom-host:9000/generate
`
	require.NoError(t, os.WriteFile(filepath.Join(needleDir, "config.yaml"), []byte(userConfig), 0o644))

	cfg, err := Load(projectDir)

	require.NoError(t, err)
	assert.Equal(t, "http://custom-host:9000/generate", cfg.Generator.Endpoint)
}

func TestLoad_ProjectConfigOverridesUserConfig(t *testing.T) {
	configDir := t.TempDir()
	projectDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)

	needleDir := filepath.Join(configDir, "needle")
	require.NoError(t, os.MkdirAll(needleDir, 0o755))
	userConfig := `
version: 1
retrieval:
  num_engines_to_use: 2
  image_size_label: small
`
	require.NoError(t, os.WriteFile(filepath.Join(needleDir, "config.yaml"), []byte(userConfig), 0o644))

	projectConfig := `
version: 1
retrieval:
  image_size_label: large
`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, ".needle.yaml"), []byte(projectConfig), 0o644))

	cfg, err := Load(projectDir)

	require.NoError(t, err)
	assert.Equal(t, "large", cfg.Retrieval.ImageSizeLabel)
	assert.Equal(t, 2, cfg.Retrieval.NumEnginesToUse)
}

func TestLoad_EnvVarOverridesUserAndProjectConfig(t *testing.T) {
	configDir := t.TempDir()
	projectDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configDir)
	t.Setenv("NEEDLE_NUM_IMAGES_TO_RETRIEVE", "7")

	needleDir := filepath.Join(configDir, "needle")
	require.NoError(t, os.MkdirAll(needleDir, 0o755))
	userConfig := `
version: 1
retrieval:
  num_images_to_retrieve: 30
`
	require.NoError(t, os.WriteFile(filepath.Join(needleDir, "config.yaml"), []byte(userConfig), 0o644))

	projectConfig := `
version: 1
retrieval:
  num_images_to_retrieve: 50
`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, ".needle.yaml"), []byte(projectConfig), 0o644))

	cfg, err := Load(projectDir)

	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Retrieval.NumImagesToRetrieve)
}

func TestValidate_RejectsZeroWatcherWorkers(t *testing.T) {
	cfg := NewConfig()
	cfg.Directories.NumWatcherWorkers = 0

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "num_watcher_workers")
}

func TestValidate_RejectsEtaOutOfRange(t *testing.T) {
	cfg := NewConfig()
	cfg.Feedback.DefaultEta = 1.5

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_eta")
}

func TestValidate_RejectsInvalidLogLevel(t *testing.T) {
	cfg := NewConfig()
	cfg.Logging.Level = "verbose"

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestWriteYAML_RoundTrips(t *testing.T) {
	cfg := NewConfig()
	cfg.Retrieval.NumImagesToRetrieve = 42

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.WriteYAML(path))

	loaded := NewConfig()
	require.NoError(t, loaded.loadYAML(path))
	assert.Equal(t, 42, loaded.Retrieval.NumImagesToRetrieve)
}
