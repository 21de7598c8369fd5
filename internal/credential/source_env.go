package credential

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// EnvPrefix marks environment variables carrying credential JSON, raw or
// base64-encoded: GCLI_CREDS_1, GCLI_CREDS_WORK, ...
const EnvPrefix = "GCLI_CREDS_"

// EnvSource reads credentials from environment variables. It is
// read-only; deleting an env credential only removes it from the pool.
type EnvSource struct{}

func NewEnvSource() *EnvSource { return &EnvSource{} }

func (s *EnvSource) Name() string { return "env" }

func (s *EnvSource) Load(ctx context.Context) ([]*Credential, error) {
	var creds []*Credential
	for _, kv := range os.Environ() {
		if ctx.Err() != nil {
			return creds, ctx.Err()
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, value := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, EnvPrefix) || value == "" {
			continue
		}
		cred, err := parseEnvCredential(value)
		if err != nil {
			log.WithError(err).WithField("var", key).Warn("skipping malformed env credential")
			continue
		}
		cred.ID = envCredentialID(key, cred.ProjectID)
		cred.Source = "env:" + key
		creds = append(creds, cred)
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].ID < creds[j].ID })
	return creds, nil
}

func parseEnvCredential(value string) (*Credential, error) {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") {
		return parseCredentialJSON([]byte(trimmed))
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("env credential is neither JSON nor base64: %w", err)
	}
	return parseCredentialJSON(decoded)
}

func envCredentialID(envKey, projectID string) string {
	if projectID != "" {
		return "env-" + projectID + ".json"
	}
	suffix := strings.ToLower(strings.TrimPrefix(envKey, EnvPrefix))
	return "env-" + suffix + ".json"
}
