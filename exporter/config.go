/*
 * Project configuration
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StorageConfig chooses where pending blob content lives.
type StorageConfig struct {
	Backend      string   `yaml:"backend"` // dir, s3 or memory
	TempDir      string   `yaml:"temp-dir"`
	CacheEntries int      `yaml:"cache-entries"`
	S3           S3Config `yaml:"s3"`
}

// Config is a conversion project: where the history comes from and how
// it maps onto git.
type Config struct {
	Ledger            string        `yaml:"ledger"`
	Branches          []BranchRule  `yaml:"branches"`
	Ignore            []string      `yaml:"ignore"`
	VsScc             bool          `yaml:"vs-scc"`
	VsSolution        bool          `yaml:"vs-solution"`
	Rewrites          []RewriteRule `yaml:"rewrites"`
	IdentityMap       string        `yaml:"identity-map"`
	DefaultDomain     string        `yaml:"default-domain"`
	DefaultEmail      string        `yaml:"default-email"`
	Timezone          string        `yaml:"timezone"`
	CommentEncoding   string        `yaml:"comment-encoding"`
	Storage           StorageConfig `yaml:"storage"`
	PrefetchWorkers   int           `yaml:"prefetch-workers"`
	PrefetchQueue     int           `yaml:"prefetch-queue"`
	MergeHeuristic    string        `yaml:"merge-heuristic"`
	MaxMergeParents   int           `yaml:"max-merge-parents"`
	SnapshotRetention changesetID   `yaml:"snapshot-retention"`
	OversizeWarning   int64         `yaml:"oversize-warning"`

	source string // file the configuration was read from
}

const defaultOversize = 10 * 1024 * 1024

func defaultConfig() *Config {
	return &Config{
		VsScc:           true,
		VsSolution:      true,
		Storage:         StorageConfig{Backend: "dir", CacheEntries: 64},
		PrefetchWorkers: 4,
		PrefetchQueue:   16,
		MergeHeuristic:  "exact",
		OversizeWarning: defaultOversize,
	}
}

// loadConfig reads a project file. A .env file in the working directory
// or beside the project file is loaded first, so TFSEXPORT_* variables
// can carry credentials that should not live in the project.
func loadConfig(path string) (*Config, error) {
	_ = godotenv.Load()
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	cfg := defaultConfig()
	dec := yaml.NewDecoder(fp)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	cfg.source = path
	cfg.applyEnv()
	cfg.expandPaths()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return cfg, nil
}

// applyEnv lets the environment override deployment details.
func (cfg *Config) applyEnv() {
	override := func(target *string, name string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*target = v
		}
	}
	override(&cfg.Ledger, "TFSEXPORT_LEDGER")
	override(&cfg.IdentityMap, "TFSEXPORT_IDENTITY_MAP")
	override(&cfg.Storage.TempDir, "TFSEXPORT_TEMP_DIR")
	override(&cfg.Storage.S3.Endpoint, "TFSEXPORT_S3_ENDPOINT")
	override(&cfg.Storage.S3.Region, "TFSEXPORT_S3_REGION")
	override(&cfg.Storage.S3.AccessKey, "TFSEXPORT_S3_ACCESS_KEY")
	override(&cfg.Storage.S3.SecretKey, "TFSEXPORT_S3_SECRET_KEY")
	override(&cfg.Storage.S3.Bucket, "TFSEXPORT_S3_BUCKET")
}

// expandPaths expands variables in file names and makes relative ones
// relative to the project file.
func (cfg *Config) expandPaths() {
	dir := ""
	if cfg.source != "" {
		dir = filepath.Dir(cfg.source)
	}
	fix := func(p *string) {
		if *p == "" {
			return
		}
		*p = os.ExpandEnv(*p)
		if !filepath.IsAbs(*p) && dir != "" {
			*p = filepath.Join(dir, *p)
		}
	}
	fix(&cfg.Ledger)
	fix(&cfg.IdentityMap)
	fix(&cfg.Storage.TempDir)
}

func (cfg *Config) validate() error {
	if len(cfg.Branches) == 0 {
		return errors.New("no branches configured")
	}
	switch cfg.Storage.Backend {
	case "", "dir", "s3", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if _, err := newMergeStrategy(cfg.MergeHeuristic); err != nil {
		return err
	}
	if cfg.MaxMergeParents < 0 || cfg.SnapshotRetention < 0 || cfg.PrefetchWorkers < 0 || cfg.PrefetchQueue < 0 {
		return errors.New("limits must not be negative")
	}
	if cfg.Timezone != "" {
		if _, err := locationFromZone(cfg.Timezone); err != nil {
			return err
		}
	}
	return nil
}

func (cfg *Config) classifier() (BranchClassifier, error) {
	return newRuleClassifier(cfg.Branches)
}

func (cfg *Config) pathFilter() (PathFilter, error) {
	return newIgnoreFilter(cfg.Ignore, cfg.VsScc)
}

func (cfg *Config) rewriteChain() (rewriteChain, error) {
	chain := make(rewriteChain, 0)
	if cfg.VsSolution {
		chain = append(chain, vsSolutionRewriter{})
	}
	for _, rule := range cfg.Rewrites {
		rw, err := newCommandRewriter(rule)
		if err != nil {
			return nil, err
		}
		chain = append(chain, rw)
	}
	return chain, nil
}

func (cfg *Config) identityResolver() (*identityResolver, error) {
	var lookup IdentityLookup
	if cfg.IdentityMap != "" {
		cm, err := loadContribMap(cfg.IdentityMap)
		if err != nil {
			return nil, err
		}
		lookup = cm
	}
	var zone *time.Location
	if cfg.Timezone != "" {
		loc, err := locationFromZone(cfg.Timezone)
		if err != nil {
			return nil, err
		}
		zone = loc
	}
	return newIdentityResolver(lookup, cfg.DefaultDomain, cfg.DefaultEmail, zone), nil
}

// spillStore opens the configured spill backend behind its read cache.
// tempDir, when set, overrides the configured directory.
func (cfg *Config) spillStore(ctx context.Context, tempDir string) (SpillStore, error) {
	var backend SpillStore
	var err error
	switch cfg.Storage.Backend {
	case "memory":
		backend = newMemStore()
	case "s3":
		backend, err = newS3Store(ctx, cfg.Storage.S3)
	default:
		if tempDir == "" {
			tempDir = cfg.Storage.TempDir
		}
		backend, err = newDirStore(tempDir)
	}
	if err != nil {
		return nil, err
	}
	return newCachedStore(backend, cfg.Storage.CacheEntries)
}

func (cfg *Config) openLedger() (Ledger, error) {
	if cfg.Ledger == "" {
		return nil, errors.New("no ledger configured")
	}
	return newJSONLedger(cfg.Ledger)
}
