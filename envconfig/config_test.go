package envconfig

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestScratch(t *testing.T) {
	t.Setenv("DCVAE_SCRATCH", "")
	t.Setenv("SCRATCH", "/data/scratch")
	assert.Equal(t, "/data/scratch", Scratch())

	t.Setenv("DCVAE_SCRATCH", "'/fast/scratch'")
	assert.Equal(t, "/fast/scratch", Scratch())
}

func TestLogLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"":      logrus.InfoLevel,
		"false": logrus.InfoLevel,
		"0":     logrus.InfoLevel,
		"1":     logrus.DebugLevel,
		"true":  logrus.DebugLevel,
		"2":     logrus.TraceLevel,
	}
	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("DCVAE_DEBUG", value)
			assert.Equal(t, want, LogLevel())
		})
	}
}

func TestReplicas(t *testing.T) {
	t.Setenv("DCVAE_REPLICAS", "")
	assert.Equal(t, uint(1), Replicas())
	t.Setenv("DCVAE_REPLICAS", "4")
	assert.Equal(t, uint(4), Replicas())
	t.Setenv("DCVAE_REPLICAS", "four")
	assert.Equal(t, uint(1), Replicas())
}

func TestDBAndHost(t *testing.T) {
	t.Setenv("DCVAE_SCRATCH", "/s")
	t.Setenv("DCVAE_DB", "")
	assert.Equal(t, filepath.Join("/s", "MLP", "metrics.db"), DB())

	t.Setenv("DCVAE_HOST", "")
	assert.Equal(t, "127.0.0.1:8080", Host())
	t.Setenv("DCVAE_HOST", "0.0.0.0")
	assert.Equal(t, "0.0.0.0:8080", Host())
	t.Setenv("DCVAE_HOST", ":9000")
	assert.Equal(t, ":9000", Host())
}

func TestValues(t *testing.T) {
	t.Setenv("DCVAE_REPLICAS", "3")
	assert.Equal(t, "3", Values()["DCVAE_REPLICAS"])
}

func TestAllowedOrigins(t *testing.T) {
	t.Setenv("DCVAE_ORIGINS", "")
	origins := AllowedOrigins()
	assert.Contains(t, origins, "http://localhost:*")
	assert.NotContains(t, origins, "https://example.com")

	t.Setenv("DCVAE_ORIGINS", "https://example.com,https://maps.example.com")
	origins = AllowedOrigins()
	assert.Equal(t, []string{"https://example.com", "https://maps.example.com"}, origins[:2])
	assert.Contains(t, origins, "https://127.0.0.1")
}
