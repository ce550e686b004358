package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplateVariablesPositional(t *testing.T) {
	vars := TemplateVariables{
		GuestName: "Ada",
		EventName: "Ada & Sam",
		Venue:     "Harbour Hall",
		Extra:     map[string]string{"table": "7"},
	}

	out, err := vars.Positional([]string{TemplateKeyGuestName, "table", TemplateKeyVenue})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"1": "Ada", "2": "7", "3": "Harbour Hall"}, out)
}

func TestTemplateVariablesPositionalMissingKey(t *testing.T) {
	vars := TemplateVariables{GuestName: "Ada"}

	_, err := vars.Positional([]string{TemplateKeyGuestName, TemplateKeyRSVPLink})
	require.Error(t, err)
	require.Contains(t, err.Error(), TemplateKeyRSVPLink)
}

func TestTemplateVariablesLookupPrefersKnownFields(t *testing.T) {
	vars := TemplateVariables{
		GuestName: "Ada",
		Extra:     map[string]string{TemplateKeyGuestName: "ignored"},
	}

	value, ok := vars.Lookup(TemplateKeyGuestName)
	require.True(t, ok)
	require.Equal(t, "Ada", value)

	_, ok = vars.Lookup("unknown")
	require.False(t, ok)
}
