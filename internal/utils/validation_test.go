package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidName(t *testing.T) {
	for _, name := range []string{"blog", "my-site", "api_v2", "site.old"} {
		assert.True(t, IsValidName(name), name)
	}
	for _, name := range []string{"", ".", "..", "a/b", "with space", "-lead"} {
		assert.False(t, IsValidName(name), name)
	}
}

func TestIsValidDomain(t *testing.T) {
	assert.True(t, IsValidDomain("example.com"))
	assert.True(t, IsValidDomain("api.staging.example.com"))
	assert.True(t, IsValidDomain("localhost"))
	assert.False(t, IsValidDomain("-bad.com"))
	assert.False(t, IsValidDomain("exa mple.com"))
	assert.False(t, IsValidDomain("example..com"))
	assert.False(t, IsValidDomain(""))
}

func TestIsValidPort(t *testing.T) {
	assert.True(t, IsValidPort(8080))
	assert.False(t, IsValidPort(0))
	assert.False(t, IsValidPort(70000))
}

func TestIsAbsolutePath(t *testing.T) {
	assert.True(t, IsAbsolutePath("/usr/local/bin/app"))
	assert.False(t, IsAbsolutePath("bin/app"))
}

func TestIsValidAddress(t *testing.T) {
	assert.True(t, IsValidAddress("0x8eB0f73A356d2083aaEceE9794719f14b0898671"))
	assert.False(t, IsValidAddress("8eB0f73A356d2083aaEceE9794719f14b0898671"))
	assert.False(t, IsValidAddress("0x8eB0f73A356d2083aaEceE9794719f14b089867"))
	assert.False(t, IsValidAddress("0xZZB0f73A356d2083aaEceE9794719f14b0898671"))
}

func TestIsValidIP(t *testing.T) {
	assert.True(t, IsValidIP("127.0.0.1"))
	assert.True(t, IsValidIP("::1"))
	assert.False(t, IsValidIP("example.com"))
	assert.False(t, IsValidIP(""))
}
