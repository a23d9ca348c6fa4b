package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	p, err := parseParams([]string{
		"command=open",
		"valve=2",
		"force=true",
		`schedule={"start":"06:00","minutes":30}`,
		"note=not json",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"command", "valve", "force", "schedule", "note"}, p.Keys())
	assert.Equal(t, map[string]any{
		"command":  "open",
		"valve":    2.0,
		"force":    true,
		"schedule": map[string]any{"start": "06:00", "minutes": 30.0},
		"note":     "not json",
	}, p.ToMap())
}

func TestParseParamsRejectsBarePair(t *testing.T) {
	_, err := parseParams([]string{"valve"})
	assert.ErrorContains(t, err, "want key=value")

	p, err := parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, p)
}
