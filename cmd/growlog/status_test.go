package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey(""))
	assert.Equal(t, "****", maskKey("ab"))
	assert.Equal(t, "abcd...", maskKey("abcd"))
	assert.Equal(t, "shor...", maskKey("shorttoken12"))
	assert.Equal(t, "glt-0123...wxyz", maskKey("glt-0123456789abcdwxyz"))
}

func TestValueOrDefault(t *testing.T) {
	assert.Equal(t, "(not set)", valueOrDefault("", "(not set)"))
	assert.Equal(t, "v", valueOrDefault("v", "(not set)"))
}
