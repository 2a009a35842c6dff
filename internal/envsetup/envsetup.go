// Package envsetup loads a .env file (if present) and resolves venue
// credentials from the process environment. The core never inspects
// credential contents beyond non-emptiness.
package envsetup

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/sawpanic/fundingrotor/internal/venue"
)

// LoadDotEnv loads a .env file from the current directory if one exists.
// A missing .env file is not an error — only real environment variables
// are required in a deployed container.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	return godotenv.Load()
}

// VenueCredentials resolves a venue's API key/secret/base-URL from three
// environment variables named `<prefix>_API_KEY`, `<prefix>_API_SECRET`,
// `<prefix>_BASE_URL`. An empty key or secret is a fatal configuration
// error; the base URL falls back to defaultBaseURL when unset.
func VenueCredentials(prefix, defaultBaseURL string) (venue.Credentials, error) {
	key := os.Getenv(prefix + "_API_KEY")
	secret := os.Getenv(prefix + "_API_SECRET")
	if key == "" || secret == "" {
		return venue.Credentials{}, fmt.Errorf("envsetup: %s_API_KEY and %s_API_SECRET must both be set", prefix, prefix)
	}
	baseURL := os.Getenv(prefix + "_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return venue.Credentials{APIKey: key, APISecret: secret, BaseURL: baseURL}, nil
}
