// Package config handles on-disk configuration for the analysis pipeline.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the batch pipeline's persistent configuration.
type Config struct {
	// LibraryPaths is a list of directories containing music files
	LibraryPaths []string `json:"libraryPaths"`

	// DataDir is where to store data files (feature store, cache, etc.)
	DataDir string `json:"dataDir"`

	// Core holds the numerical-pipeline defaults (CQT, GMM, category
	// learning): the single default table spec.md §9 asks for, since the
	// source defaults several of these inconsistently between call sites.
	Core CoreConfig `json:"core"`
}

// CQTConfig mirrors cqt.Params (spec.md §4.1).
type CQTConfig struct {
	FMin          float64 `json:"fMin"`
	FMax          float64 `json:"fMax"`
	BinsPerOctave int     `json:"binsPerOctave"`
	Q             float64 `json:"q"`
	Threshold     float64 `json:"threshold"`
	AtomHopFactor float64 `json:"atomHopFactor"`
}

// GMMConfig mirrors gmm.TrainOptions plus the per-feature model sizes
// spec.md §4.4/§4.5 leave as tunables.
type GMMConfig struct {
	MaxIterations        int     `json:"maxIterations"`
	ConvergenceThreshold float64 `json:"convergenceThreshold"`
	InitVariance         float64 `json:"initVariance"`
	MinVariance          float64 `json:"minVariance"`
	TimbreModelSize      int     `json:"timbreModelSize"`
	TimbreDimension      int     `json:"timbreDimension"`
	ChromaModelSize      int     `json:"chromaModelSize"`
}

// CategoryConfig mirrors category.Defaults (spec.md §4.8, §9).
type CategoryConfig struct {
	TimbreSamplesPerGMM int `json:"timbreSamplesPerGmm"`
	TimbreModelSize     int `json:"timbreModelSize"`
	ChromaSamplesPerGMM int `json:"chromaSamplesPerGmm"`
	ChromaModelSize     int `json:"chromaModelSize"`
	KLSamples           int `json:"klSamples"`
}

// CoreConfig groups every numerical-pipeline default in one place.
type CoreConfig struct {
	SampleRate int            `json:"sampleRate"`
	CQT        CQTConfig      `json:"cqt"`
	GMM        GMMConfig      `json:"gmm"`
	Category   CategoryConfig `json:"category"`
}

// DefaultCoreConfig returns the fixed default table for the numerical
// pipeline, resolving spec.md §9's "several category-learning parameters
// ... defaulted inconsistently between call sites" open question.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		SampleRate: 22050,
		CQT: CQTConfig{
			FMin:          80,
			FMax:          4000,
			BinsPerOctave: 12,
			Q:             1.0,
			Threshold:     0.0005,
			AtomHopFactor: 0.25,
		},
		GMM: GMMConfig{
			MaxIterations:        10,
			ConvergenceThreshold: 1e-6,
			InitVariance:         1.0,
			MinVariance:          1e-6,
			TimbreModelSize:      10,
			TimbreDimension:      12,
			ChromaModelSize:      10,
		},
		Category: CategoryConfig{
			TimbreSamplesPerGMM: 10000,
			TimbreModelSize:     50,
			ChromaSamplesPerGMM: 5000,
			ChromaModelSize:     8,
			KLSamples:           500,
		},
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LibraryPaths: []string{},
		Core:         DefaultCoreConfig(),
	}
}

// Manager handles loading and saving configuration.
type Manager struct {
	configDir  string
	configPath string
	config     *Config
}

// NewManager creates a new configuration manager.
func NewManager(configDir string) *Manager {
	return &Manager{
		configDir:  configDir,
		configPath: filepath.Join(configDir, "config.json"),
		config:     DefaultConfig(),
	}
}

// Load reads the configuration from disk, writing out the default
// configuration if none exists yet.
func (m *Manager) Load() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		m.config = DefaultConfig()
		return m.Save()
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	m.config = config
	return nil
}

// Save writes the configuration to disk.
func (m *Manager) Save() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	return m.config
}

// GetPath returns the config file path.
func (m *Manager) GetPath() string {
	return m.configPath
}

// Update replaces the configuration and saves it.
func (m *Manager) Update(config *Config) error {
	m.config = config
	return m.Save()
}

// SetLibraryPaths updates the library paths.
func (m *Manager) SetLibraryPaths(paths []string) error {
	m.config.LibraryPaths = paths
	return m.Save()
}

// AddLibraryPath adds a library path.
func (m *Manager) AddLibraryPath(path string) error {
	for _, p := range m.config.LibraryPaths {
		if p == path {
			return nil // Already exists
		}
	}

	m.config.LibraryPaths = append(m.config.LibraryPaths, path)
	return m.Save()
}

// RemoveLibraryPath removes a library path.
func (m *Manager) RemoveLibraryPath(path string) error {
	paths := make([]string, 0, len(m.config.LibraryPaths))
	for _, p := range m.config.LibraryPaths {
		if p != path {
			paths = append(paths, p)
		}
	}
	m.config.LibraryPaths = paths
	return m.Save()
}
