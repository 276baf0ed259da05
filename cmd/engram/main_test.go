package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keepstack/engram/pkg/types"
)

func TestParseMetadata(t *testing.T) {
	md, err := parseMetadata("")
	require.NoError(t, err)
	assert.Nil(t, md)

	md, err = parseMetadata("src=weather, lang=fr")
	require.NoError(t, err)
	assert.Equal(t, types.Metadata{"src": "weather", "lang": "fr"}, md)

	_, err = parseMetadata("noequals")
	assert.Error(t, err)

	_, err = parseMetadata("=value")
	assert.Error(t, err)
}

func TestDays(t *testing.T) {
	assert.Equal(t, 7*24*time.Hour, days(7))
}
