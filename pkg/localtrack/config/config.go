/*
Copyright 2023 The Localtrack Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the localtrack YAML configuration and applies
// environment overrides. The file layout matches config.yml at the
// repository root; every override listed in the README is honored here so
// the control plane and the daemon read identical settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/localtrack/localtrack/pkg/localtrack/constants"
)

// DefaultConfigFile is looked up relative to the working directory when
// LOCALTRACK_CONFIG is unset.
const DefaultConfigFile = "config.yml"

// Minio holds the object-store layout. The endpoint and credentials come
// from the environment, never from the file.
type Minio struct {
	RootBucket  string `yaml:"root_bucket"`
	ModelPrefix string `yaml:"model_prefix"`
	VideoPrefix string `yaml:"video_prefix"`
	TrackPrefix string `yaml:"track_prefix"`
}

// Defaults carries values substituted for omitted request fields.
type Defaults struct {
	Args     string `yaml:"args"`
	VideoURL string `yaml:"video_url"`
}

// DockerMonitor configures the scheduler cadence and worker image.
type DockerMonitor struct {
	CheckEverySecs int    `yaml:"check_every"`
	Container      string `yaml:"strongsort_container"`
	ContainerARM64 string `yaml:"strongsort_container_arm64"`
	TrackConfig    string `yaml:"strongsort_track_config"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
}

// ModelsMonitor configures the local-model sync cadence and source dir.
type ModelsMonitor struct {
	CheckEverySecs int    `yaml:"check_every"`
	Path           string `yaml:"path"`
}

// HTTPMonitor configures the optional generic HTTP health monitor.
type HTTPMonitor struct {
	CheckEverySecs int    `yaml:"check_every"`
	Method         string `yaml:"method"`
	URL            string `yaml:"url"`
	TimeoutSecs    int    `yaml:"timeout"`
}

// Monitors groups the daemon monitor sections.
type Monitors struct {
	Docker DockerMonitor `yaml:"docker"`
	Models ModelsMonitor `yaml:"models"`
	HTTP   *HTTPMonitor  `yaml:"http,omitempty"`
}

// Database locates the sqlite job store directory.
type Database struct {
	Path string `yaml:"path"`
}

// Mail configures the optional SMTP relay for completion email.
type Mail struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	From string `yaml:"from"`
}

// Log configures logrus level and format.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Server configures the control-plane listen address.
type Server struct {
	Address string `yaml:"address"`
}

// Config is the parsed configuration shared by both processes.
type Config struct {
	Minio    Minio    `yaml:"minio"`
	Defaults Defaults `yaml:"defaults"`
	Monitors Monitors `yaml:"monitors"`
	Database Database `yaml:"database"`
	Mail     Mail     `yaml:"mail"`
	Log      Log      `yaml:"log"`
	Server   Server   `yaml:"server"`

	// Populated from the environment, not the file.
	Endpoint         string
	ExternalEndpoint string
	AccessKey        string
	SecretKey        string
	Region           string
	NotifyURL        string
	TempDir          string
	Mode             string
	NumGPUs          int
}

// Load reads path (or the LOCALTRACK_CONFIG / default location when path
// is empty), decodes it strictly, and applies environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(constants.EnvConfig)
	}
	if path == "" {
		path = DefaultConfigFile
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config %s: %w", path, err)
	}
	defer f.Close()

	cfg := &Config{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(constants.EnvRootBucket); v != "" {
		c.Minio.RootBucket = v
	}
	if v := os.Getenv(constants.EnvTrackPrefix); v != "" {
		c.Minio.TrackPrefix = v
	}
	if v := os.Getenv(constants.EnvModelPrefix); v != "" {
		c.Minio.ModelPrefix = v
	}
	if v := os.Getenv(constants.EnvModelDir); v != "" {
		c.Monitors.Models.Path = v
	}
	if v := os.Getenv(constants.EnvDatabaseDir); v != "" {
		c.Database.Path = v
	}
	c.Endpoint = os.Getenv(constants.EnvMinioEndpoint)
	c.ExternalEndpoint = os.Getenv(constants.EnvMinioExternal)
	if c.ExternalEndpoint == "" {
		c.ExternalEndpoint = c.Endpoint
	}
	c.AccessKey = os.Getenv(constants.EnvMinioAccessKey)
	c.SecretKey = os.Getenv(constants.EnvMinioSecretKey)
	c.Region = os.Getenv(constants.EnvAWSRegion)
	c.NotifyURL = os.Getenv(constants.EnvNotifyURL)
	c.TempDir = os.Getenv(constants.EnvTempDir)
	c.Mode = os.Getenv(constants.EnvMode)
	if v := os.Getenv(constants.EnvNumGPUs); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.NumGPUs = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = constants.DefaultAWSRegion
	}
	if c.Mode == "" {
		c.Mode = "dev"
	}
	if c.TempDir == "" {
		c.TempDir = filepath.Join(os.TempDir(), "localtrack")
	}
	if c.Database.Path == "" {
		if home, err := homedir.Dir(); err == nil {
			c.Database.Path = filepath.Join(home, ".localtrack", "sqlite_data")
		} else {
			c.Database.Path = "data"
		}
	}
	if c.Defaults.Args == "" {
		c.Defaults.Args = constants.DefaultTrackArgs
	}
	if c.Monitors.Docker.CheckEverySecs <= 0 {
		c.Monitors.Docker.CheckEverySecs = 15
	}
	if c.Monitors.Docker.MaxConcurrent <= 0 {
		c.Monitors.Docker.MaxConcurrent = 1
	}
	if c.Monitors.Models.CheckEverySecs <= 0 {
		c.Monitors.Models.CheckEverySecs = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8000"
	}
	if c.Mail.Port == 0 {
		c.Mail.Port = 465
	}
}

func (c *Config) validate() error {
	if c.Minio.RootBucket == "" {
		return fmt.Errorf("minio.root_bucket is required")
	}
	if c.Minio.ModelPrefix == "" {
		return fmt.Errorf("minio.model_prefix is required")
	}
	if c.Minio.TrackPrefix == "" {
		return fmt.Errorf("minio.track_prefix is required")
	}
	if c.Mode != "dev" && c.Mode != "prod" {
		return fmt.Errorf("MODE must be dev or prod, got %q", c.Mode)
	}
	return nil
}

// Engine returns the worker image reference for the host architecture.
func (c *Config) Engine() string {
	if runtime.GOARCH == "arm64" && c.Monitors.Docker.ContainerARM64 != "" {
		return c.Monitors.Docker.ContainerARM64
	}
	return c.Monitors.Docker.Container
}

// DatabaseFile returns the full path of the sqlite store.
func (c *Config) DatabaseFile() string {
	return filepath.Join(c.Database.Path, constants.DatabaseFile)
}
