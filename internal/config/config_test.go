package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtensions(t *testing.T) {
	cfg := Config{AllowedExtensions: "PNG, jpg ,jpeg,,gif"}
	assert.Equal(t, []string{"png", "jpg", "jpeg", "gif"}, cfg.Extensions())
}

func TestValidate(t *testing.T) {
	base := Config{
		DBSSLMode:             "disable",
		CatalogTimeoutSeconds: 10,
		MaxUploadBytes:        1024,
	}
	assert.NoError(t, validate(&base))

	bad := base
	bad.DBSSLMode = "maybe"
	assert.Error(t, validate(&bad))

	bad = base
	bad.CatalogTimeoutSeconds = 0
	assert.Error(t, validate(&bad))

	bad = base
	bad.MaxUploadBytes = -1
	assert.Error(t, validate(&bad))
}
