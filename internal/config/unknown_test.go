package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownSection_Suggestion(t *testing.T) {
	path := writeTestConfig(t, "[servce]\nbase_url = \"https://x.example\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config section")
	assert.Contains(t, err.Error(), `did you mean "service"`)
}

func TestLoad_UnknownKey_InSection(t *testing.T) {
	path := writeTestConfig(t, "[progress]\npoll_intervall = \"2s\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
	assert.Contains(t, err.Error(), "[progress]")
	assert.Contains(t, err.Error(), `"poll_interval"`)
}

func TestLoad_UnknownKey_NoSuggestion(t *testing.T) {
	path := writeTestConfig(t, "[auth]\ncompletely_unrelated_key = true\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestLoad_UnknownSection_ReportedOnce(t *testing.T) {
	path := writeTestConfig(t, "[bogus_section_name]\na = 1\nb = 2\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, `unknown config section "bogus_section_name"`, err.Error())
}

func TestLoad_APIKeyInFileRejected(t *testing.T) {
	path := writeTestConfig(t, "[service]\napi_key = \"secret\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "api_key" in [service]`)
}

func TestClosestMatch(t *testing.T) {
	known := []string{"listen", "allowed_origins"}

	assert.Equal(t, "listen", closestMatch("LISTEN", known))
	assert.Equal(t, "listen", closestMatch("lisen", known))
	assert.Empty(t, closestMatch("something_else", known))
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"kitten", "sitting", 3},
		{"mode", "node", 1},
		{"flaw", "lawn", 2},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, levenshtein(tt.a, tt.b))
		})
	}
}
