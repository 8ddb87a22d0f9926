// Package config holds the node configuration. Values come from an
// optional JSON file merged over defaults, then environment overrides
// (PICNODE_*) parsed with caarlos0/env.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Port the HTTP server listens on.
	Port int `json:"port" env:"PORT"`

	// StorageRoot is the directory exposed over HTTP. Relative paths are
	// resolved against the working directory at startup.
	StorageRoot string `json:"storageRoot" env:"STORAGE_ROOT"`

	// CacheRoot stores derived thumbnails, kept outside StorageRoot so
	// cache entries never show up in listings. Default: data/.cache/thumbnail.
	CacheRoot string `json:"cacheRoot" env:"CACHE_ROOT"`

	// StagingDir holds in-flight upload temp files. Default: data/.tmp.
	StagingDir string `json:"stagingDir" env:"STAGING_DIR"`

	Auth Auth `json:"auth"`

	// IPWhitelist is an ordered list of literal IPs or CIDR blocks.
	// Empty list disables the whitelist.
	IPWhitelist []string `json:"ipWhitelist" env:"IP_WHITELIST" envSeparator:","`

	// IPHeader names the proxy header carrying the client IP; only
	// consulted when TrustProxy is set.
	IPHeader   string `json:"ipHeader" env:"IP_HEADER"`
	TrustProxy bool   `json:"trustProxy" env:"TRUST_PROXY"`

	Limits Limits `json:"limits"`
	DB     DB     `json:"db"`

	LogLevel  string `json:"logLevel" env:"LOG_LEVEL"`
	LogFormat string `json:"logFormat" env:"LOG_FORMAT"`

	// WebDAV enables the /dav/ mount over the storage root.
	WebDAV bool `json:"webdav" env:"WEBDAV"`
}

type Auth struct {
	Enabled  bool   `json:"enabled" env:"AUTH_ENABLED"`
	Password string `json:"password" env:"PASSWORD"`
	// PasswordBcrypt, when set, takes precedence over Password. Generate
	// with: picnode passwd -p <password>
	PasswordBcrypt string `json:"passwordBcrypt" env:"PASSWORD_BCRYPT"`
}

type Limits struct {
	UploadBase64Bytes int64 `json:"uploadBase64Bytes" env:"UPLOAD_BASE64_BYTES"`
	UploadFileBytes   int64 `json:"uploadFileBytes" env:"UPLOAD_FILE_BYTES"`
	UploadFields      int   `json:"uploadFields" env:"UPLOAD_FIELDS"`
}

// DB selects the visibility store backend: memory, sqlite, postgres,
// redis or mongo.
type DB struct {
	Type     string   `json:"type" env:"DB_TYPE"`
	SQLite   SQLite   `json:"sqlite"`
	Postgres Postgres `json:"postgres"`
	Redis    Redis    `json:"redis"`
	Mongo    Mongo    `json:"mongo"`
}

type SQLite struct {
	File string `json:"file" env:"SQLITE_FILE"`
}

type Postgres struct {
	URL string `json:"url" env:"POSTGRES_URL"`
}

type Redis struct {
	URL string `json:"url" env:"REDIS_URL"`
	Key string `json:"key" env:"REDIS_KEY"`
}

type Mongo struct {
	URI      string `json:"uri" env:"MONGO_URI"`
	Database string `json:"database" env:"MONGO_DATABASE"`
}

// Default returns the built-in configuration, matching a bare node that
// serves ./uploads with a local sqlite store.
func Default() Config {
	return Config{
		Port:        5409,
		StorageRoot: "uploads",
		Auth:        Auth{Enabled: true},
		Limits: Limits{
			UploadBase64Bytes: 20 << 20,
			UploadFileBytes:   100 << 20,
			UploadFields:      50,
		},
		DB: DB{
			Type:   "sqlite",
			SQLite: SQLite{File: "data/sqlite.db"},
			Redis:  Redis{Key: "picnode:public_paths"},
			Mongo:  Mongo{Database: "picnode"},
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load merges the JSON file at path (if non-empty) over defaults, then
// applies PICNODE_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "PICNODE_"}); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}
	cfg.Auth.Password = strings.TrimSpace(cfg.Auth.Password)
	return cfg, nil
}
