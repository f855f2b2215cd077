// Package envconfig reads runtime configuration from environment variables.
//
//   - Scratch: root of the weights and metrics tree (DCVAE_SCRATCH, then SCRATCH)
//   - LogLevel: logrus level (DCVAE_DEBUG)
//   - Replicas: data-parallel replicas for metric evaluation (DCVAE_REPLICAS)
//   - DB: metrics store path (DCVAE_DB)
//   - Host: listen address for the HTTP service (DCVAE_HOST)
//   - AllowedOrigins: extra CORS origins for the HTTP service (DCVAE_ORIGINS)
package envconfig

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Scratch returns the scratch root. Weights live under
// <scratch>/MLP/<model>/weights.
// Configurable via DCVAE_SCRATCH, falling back to SCRATCH
// Default: the system temp directory
func Scratch() string {
	if s := Var("DCVAE_SCRATCH"); s != "" {
		return s
	}
	if s := Var("SCRATCH"); s != "" {
		return s
	}
	return os.TempDir()
}

// LogLevel returns the log level
// Configurable via DCVAE_DEBUG
// Values: 0/false = info (default), 1/true = debug, 2 = trace
func LogLevel() logrus.Level {
	level := logrus.InfoLevel
	if s := Var("DCVAE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = logrus.DebugLevel
		} else if i, _ := strconv.ParseInt(s, 10, 64); i > 1 {
			level = logrus.TraceLevel
		}
	}
	return level
}

// Replicas is the number of data-parallel replicas used for metric evaluation
// Configurable via DCVAE_REPLICAS
// Default: 1
var Replicas = Uint("DCVAE_REPLICAS", 1)

// DB returns the path of the metrics store
// Configurable via DCVAE_DB
// Default: <scratch>/MLP/metrics.db
func DB() string {
	if s := Var("DCVAE_DB"); s != "" {
		return s
	}
	return filepath.Join(Scratch(), "MLP", "metrics.db")
}

// Host returns the listen address of the HTTP service
// Configurable via DCVAE_HOST
// Default: 127.0.0.1:8080
func Host() string {
	if s := Var("DCVAE_HOST"); s != "" {
		if !strings.Contains(s, ":") {
			return s + ":8080"
		}
		return s
	}
	return "127.0.0.1:8080"
}

// AllowedOrigins returns the origins the HTTP service accepts
// Configurable via DCVAE_ORIGINS (comma separated), in addition to localhost
func AllowedOrigins() (origins []string) {
	if s := Var("DCVAE_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}
	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}
	return origins
}

// Uint returns a reader for an unsigned integer variable with a default
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				logrus.WithFields(logrus.Fields{"key": key, "value": s, "default": defaultValue}).Warn("invalid environment variable, using default")
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar describes one configuration variable
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap lists every variable with its effective value
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DCVAE_SCRATCH":  {"DCVAE_SCRATCH", Scratch(), "Root of the weights tree (falls back to SCRATCH)"},
		"DCVAE_DEBUG":    {"DCVAE_DEBUG", LogLevel(), "Show additional debug information (e.g. DCVAE_DEBUG=1)"},
		"DCVAE_REPLICAS": {"DCVAE_REPLICAS", Replicas(), "Data-parallel replicas for metric evaluation"},
		"DCVAE_DB":       {"DCVAE_DB", DB(), "Path of the SQLite metrics store"},
		"DCVAE_HOST":     {"DCVAE_HOST", Host(), "Listen address of the HTTP service"},
		"DCVAE_ORIGINS":  {"DCVAE_ORIGINS", AllowedOrigins(), "Additional allowed CORS origins (comma separated)"},
	}
}

// Values returns every effective value as a string
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of surrounding quotes and spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
