package credential

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// credentialJSON is the on-disk shape produced by the gemini-cli OAuth
// flow. Both the modern access_token/expiry names and the older
// token/expiry_date variants occur in the wild.
type credentialJSON struct {
	ClientID     string      `json:"client_id"`
	ClientSecret string      `json:"client_secret"`
	RefreshToken string      `json:"refresh_token"`
	AccessToken  string      `json:"access_token"`
	Token        string      `json:"token"`
	Expiry       string      `json:"expiry"`
	ExpiryDate   json.Number `json:"expiry_date"`
	ProjectID    string      `json:"project_id"`
	Type         string      `json:"type"`
}

// parseCredentialJSON validates and converts one credential record. A
// record without client_id or without any token material is malformed.
func parseCredentialJSON(raw []byte) (*Credential, error) {
	var in credentialJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("invalid credential JSON: %w", err)
	}
	if in.ClientID == "" || in.ClientSecret == "" {
		return nil, fmt.Errorf("credential missing client_id/client_secret")
	}
	access := in.AccessToken
	if access == "" {
		access = in.Token
	}
	if in.RefreshToken == "" && access == "" {
		return nil, fmt.Errorf("credential has neither refresh_token nor access token")
	}

	cred := &Credential{
		ProjectID:    in.ProjectID,
		ClientID:     in.ClientID,
		ClientSecret: in.ClientSecret,
		RefreshToken: in.RefreshToken,
		AccessToken:  access,
		Status:       StatusActive,
	}
	if in.Expiry != "" {
		if t, err := parseExpiry(in.Expiry); err == nil {
			cred.TokenExpiry = t
		}
	} else if in.ExpiryDate != "" {
		if ms, err := in.ExpiryDate.Int64(); err == nil {
			cred.TokenExpiry = time.UnixMilli(ms)
		}
	}
	return cred, nil
}

// parseExpiry accepts RFC3339 with or without zone; a naive timestamp is
// taken as UTC, matching what the CLI writes.
func parseExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized expiry format %q", s)
}

// marshalCredential renders a credential back to the file format, used
// when persisting refreshed tokens and OAuth-flow results.
func marshalCredential(c *Credential) ([]byte, error) {
	out := map[string]interface{}{
		"type":          "authorized_user",
		"client_id":     c.ClientID,
		"client_secret": c.ClientSecret,
		"refresh_token": c.RefreshToken,
	}
	if c.AccessToken != "" {
		out["access_token"] = c.AccessToken
	}
	if !c.TokenExpiry.IsZero() {
		out["expiry"] = c.TokenExpiry.UTC().Format(time.RFC3339)
	}
	if c.ProjectID != "" {
		out["project_id"] = c.ProjectID
	}
	return json.MarshalIndent(out, "", "  ")
}
