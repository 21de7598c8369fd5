package credential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Source yields credentials from one backing location. Load skips
// malformed entries instead of failing the whole batch.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]*Credential, error)
}

// FileSource reads every *.json in a directory. Sidecar state files
// (*.state.json) are not credentials and are skipped.
type FileSource struct {
	Dir string
}

func NewFileSource(dir string) *FileSource { return &FileSource{Dir: dir} }

func (s *FileSource) Name() string { return "file:" + s.Dir }

func (s *FileSource) Load(ctx context.Context) ([]*Credential, error) {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials dir: %w", err)
	}

	var creds []*Credential
	for _, entry := range entries {
		if ctx.Err() != nil {
			return creds, ctx.Err()
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".state.json") {
			continue
		}
		path := filepath.Join(s.Dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).WithField("file", name).Warn("skipping unreadable credential file")
			continue
		}
		cred, err := parseCredentialJSON(raw)
		if err != nil {
			log.WithError(err).WithField("file", name).Warn("skipping malformed credential file")
			continue
		}
		cred.ID = name
		cred.Source = path
		creds = append(creds, cred)
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].ID < creds[j].ID })
	return creds, nil
}

// Save writes a credential file (0600: it holds secrets) and returns its
// pool ID. Used by the OAuth flow and the token writeback.
func (s *FileSource) Save(cred *Credential, filename string) (string, error) {
	if filename == "" {
		if cred.ProjectID != "" {
			filename = cred.ProjectID + ".json"
		} else {
			filename = cred.ID
		}
	}
	if !strings.HasSuffix(filename, ".json") {
		filename += ".json"
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", err
	}
	data, err := marshalCredential(cred)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.Dir, filename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return filename, nil
}

// Delete removes the backing file of a file-sourced credential.
func (s *FileSource) Delete(id string) error {
	path := filepath.Join(s.Dir, filepath.Base(id))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
