package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWeights(t *testing.T) {
	w, err := parseWeights(" a=1, b=2.5 ")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 1, "b": 2.5}, w)

	w, err = parseWeights("")
	require.NoError(t, err)
	assert.Nil(t, w)

	_, err = parseWeights("a")
	assert.Error(t, err)
	_, err = parseWeights("a=x")
	assert.Error(t, err)
}

func TestCostCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"cost", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--model", "gpt-4o-mini",
		"--input-tokens", "1000000", "--output-tokens", "1000000", "--image"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "text  $0.750000")
	assert.Contains(t, out.String(), "total $0.810000")
}

func TestInitWritesConfig(t *testing.T) {
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "replybot.yaml")
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"init", "--config", path})
	require.NoError(t, rootCmd.Execute())
	assert.FileExists(t, path)
	assert.Contains(t, out.String(), "Config written to:")
}
