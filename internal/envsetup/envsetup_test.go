package envsetup

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVenueCredentialsRequiresKeyAndSecret(t *testing.T) {
	os.Unsetenv("TESTVENUE_API_KEY")
	os.Unsetenv("TESTVENUE_API_SECRET")
	_, err := VenueCredentials("TESTVENUE", "https://example.com")
	assert.Error(t, err)
}

func TestVenueCredentialsFallsBackToDefaultBaseURL(t *testing.T) {
	t.Setenv("TESTVENUE_API_KEY", "k")
	t.Setenv("TESTVENUE_API_SECRET", "s")
	os.Unsetenv("TESTVENUE_BASE_URL")
	creds, err := VenueCredentials("TESTVENUE", "https://default.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://default.example.com", creds.BaseURL)
}

func TestVenueCredentialsUsesOverrideBaseURL(t *testing.T) {
	t.Setenv("TESTVENUE_API_KEY", "k")
	t.Setenv("TESTVENUE_API_SECRET", "s")
	t.Setenv("TESTVENUE_BASE_URL", "https://override.example.com")
	creds, err := VenueCredentials("TESTVENUE", "https://default.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://override.example.com", creds.BaseURL)
}
