// Package config provides configuration loading for the repartition
// pipeline.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/shardmill/repart-core/pkg/tables"
)

// Config holds one pipeline run's settings.
type Config struct {
	// Local workspace
	StateDir string
	DataDir  string
	WorkDir  string
	AuditDir string

	// Disk budget for downloaded shards, in bytes.
	QuotaBytes int64

	// Concurrent download workers.
	PullWorkers int

	// State backend: "file" (default) or "postgres".
	StateBackend string
	PostgresDSN  string

	// Remote hub
	HubEndpointURL  string
	HubAccessKeyID  string
	HubSecretKey    string
	HubRegion       string
	HubBucket       string
	SourceRepo      string
	TargetRepoOwner string

	// Engine service
	EngineURL   string
	EngineToken string

	// Optional YAML file overriding the table->repo catalog.
	TablesFile string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		StateDir:        getEnv("REPART_STATE_DIR", "state"),
		DataDir:         getEnv("REPART_DATA_DIR", "data"),
		WorkDir:         getEnv("REPART_WORK_DIR", "results"),
		AuditDir:        getEnv("REPART_AUDIT_DIR", "audit"),
		QuotaBytes:      getEnvInt64("REPART_QUOTA_BYTES", 300<<30),
		PullWorkers:     getEnvInt("REPART_PULL_WORKERS", 4),
		StateBackend:    getEnv("REPART_STATE_BACKEND", "file"),
		PostgresDSN:     getEnv("REPART_POSTGRES_DSN", ""),
		HubEndpointURL:  getEnv("REPART_HUB_URL", ""),
		HubAccessKeyID:  getEnv("REPART_HUB_ACCESS_KEY", ""),
		HubSecretKey:    getEnv("REPART_HUB_SECRET_KEY", ""),
		HubRegion:       getEnv("REPART_HUB_REGION", ""),
		HubBucket:       getEnv("REPART_HUB_BUCKET", "datasets"),
		SourceRepo:      getEnv("REPART_SOURCE_REPO", "philippesaade/wikidata"),
		TargetRepoOwner: getEnv("REPART_TARGET_OWNER", "shardmill"),
		EngineURL:       getEnv("REPART_ENGINE_URL", ""),
		EngineToken:     getEnv("REPART_ENGINE_TOKEN", ""),
		TablesFile:      getEnv("REPART_TABLES_FILE", ""),
	}
}

// Catalog resolves the table->target-repo mapping, from the YAML
// catalog file when configured, otherwise derived from the target
// owner as <owner>/wikidata-<table>.
func (c *Config) Catalog() (*tables.Catalog, error) {
	if c.TablesFile != "" {
		return loadCatalogFile(c.TablesFile)
	}
	targets := make(map[tables.Table]string, len(tables.All()))
	for _, t := range tables.All() {
		targets[t] = fmt.Sprintf("%s/wikidata-%s", c.TargetRepoOwner, t)
	}
	return tables.NewCatalog(targets)
}

type catalogFile struct {
	Tables []struct {
		Name   string `yaml:"name"`
		Target string `yaml:"target"`
	} `yaml:"tables"`
}

func loadCatalogFile(path string) (*tables.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read tables file: %w", err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("config: parse tables file: %w", err)
	}
	targets := make(map[tables.Table]string, len(cf.Tables))
	for _, entry := range cf.Tables {
		t, err := tables.Parse(entry.Name)
		if err != nil {
			return nil, fmt.Errorf("config: tables file: %w", err)
		}
		targets[t] = entry.Target
	}
	return tables.NewCatalog(targets)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}
