package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCredentialJSONVariants(t *testing.T) {
	t.Run("modern field names", func(t *testing.T) {
		cred, err := parseCredentialJSON([]byte(`{
			"client_id": "id.apps.googleusercontent.com",
			"client_secret": "secret",
			"refresh_token": "1//refresh",
			"access_token": "ya29.token",
			"expiry": "2030-01-02T15:04:05Z",
			"project_id": "my-project"
		}`))
		require.NoError(t, err)
		require.Equal(t, "my-project", cred.ProjectID)
		require.Equal(t, "ya29.token", cred.AccessToken)
		require.Equal(t, StatusActive, cred.Status)
		require.Equal(t, 2030, cred.TokenExpiry.Year())
	})

	t.Run("legacy token and expiry_date", func(t *testing.T) {
		cred, err := parseCredentialJSON([]byte(`{
			"client_id": "id",
			"client_secret": "secret",
			"refresh_token": "1//refresh",
			"token": "ya29.legacy",
			"expiry_date": 1893456000000
		}`))
		require.NoError(t, err)
		require.Equal(t, "ya29.legacy", cred.AccessToken)
		require.Equal(t, time.UnixMilli(1893456000000), cred.TokenExpiry)
	})

	t.Run("naive expiry is UTC", func(t *testing.T) {
		cred, err := parseCredentialJSON([]byte(`{
			"client_id": "id",
			"client_secret": "secret",
			"refresh_token": "1//refresh",
			"expiry": "2030-06-01T10:00:00.123456"
		}`))
		require.NoError(t, err)
		require.Equal(t, time.UTC, cred.TokenExpiry.Location())
		require.Equal(t, 10, cred.TokenExpiry.Hour())
	})

	t.Run("missing client fields", func(t *testing.T) {
		_, err := parseCredentialJSON([]byte(`{"refresh_token": "r"}`))
		require.Error(t, err)
	})

	t.Run("no token material", func(t *testing.T) {
		_, err := parseCredentialJSON([]byte(`{"client_id": "id", "client_secret": "s"}`))
		require.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := parseCredentialJSON([]byte(`garbage`))
		require.Error(t, err)
	})
}

func TestMarshalCredentialRoundTrip(t *testing.T) {
	in := &Credential{
		ProjectID:    "proj",
		ClientID:     "id",
		ClientSecret: "secret",
		RefreshToken: "1//refresh",
		AccessToken:  "ya29.x",
		TokenExpiry:  time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := marshalCredential(in)
	require.NoError(t, err)

	out, err := parseCredentialJSON(data)
	require.NoError(t, err)
	require.Equal(t, in.ProjectID, out.ProjectID)
	require.Equal(t, in.RefreshToken, out.RefreshToken)
	require.Equal(t, in.AccessToken, out.AccessToken)
	require.True(t, in.TokenExpiry.Equal(out.TokenExpiry))
}

func TestTokenValidMargin(t *testing.T) {
	cred := &Credential{AccessToken: "ya29.x", TokenExpiry: time.Now().Add(10 * time.Minute)}
	require.True(t, cred.TokenValid(5*time.Minute))
	require.False(t, cred.TokenValid(15*time.Minute))
	require.False(t, (&Credential{TokenExpiry: time.Now().Add(time.Hour)}).TokenValid(0))
	require.False(t, (&Credential{AccessToken: "ya29.x"}).TokenValid(0))
}
