package credential

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// StateStore persists the restart-surviving slice of each credential.
// Implemented by the storage backends.
type StateStore interface {
	SaveCredentialState(ctx context.Context, id string, st State) error
	LoadCredentialStates(ctx context.Context) (map[string]State, error)
	DeleteCredentialState(ctx context.Context, id string) error
}

// StoreOptions configures a Store.
type StoreOptions struct {
	Sources          []Source
	States           StateStore
	CallsPerRotation int
	AutoBan          AutoBanPolicy
	// FileDir, when set, lets the store write OAuth-minted credentials
	// and delete file-backed ones.
	FileDir string
}

// Store composes the credential sources, the rotation pool and state
// persistence. It is the only writer of credential status.
type Store struct {
	pool    *Pool
	sources []Source
	states  StateStore
	fileDir string
}

// NewStore loads all sources and builds the pool. Load never fails on
// individual malformed entries; a source-level error (unreadable dir) is
// logged and that source contributes nothing.
func NewStore(ctx context.Context, opts StoreOptions) *Store {
	s := &Store{
		sources: opts.Sources,
		states:  opts.States,
		fileDir: opts.FileDir,
	}
	creds := s.loadAll(ctx)
	s.pool = NewPool(creds, opts.CallsPerRotation, opts.AutoBan)
	s.restoreStates(ctx)
	s.pool.OnStateChange(s.persistStateAsync)
	log.WithFields(log.Fields{"total": s.pool.Len(), "active": s.pool.ActiveCount()}).
		Info("credential pool loaded")
	return s
}

// Pool exposes the rotation scheduler.
func (s *Store) Pool() *Pool { return s.pool }

// Reload re-reads every source and reconciles the pool: new credentials
// join at the end, vanished ones leave, surviving ones keep their status
// and counters.
func (s *Store) Reload(ctx context.Context) {
	loaded := s.loadAll(ctx)
	seen := make(map[string]bool, len(loaded))
	for _, cred := range loaded {
		seen[cred.ID] = true
		if _, ok := s.pool.Get(cred.ID); !ok {
			s.pool.Add(cred)
			if st, ok := s.loadState(ctx, cred.ID); ok {
				s.pool.ApplyState(cred.ID, st)
			}
			log.WithField("credential", cred.ID).Info("credential added")
		}
	}
	for _, sum := range s.pool.Snapshot() {
		if !seen[sum.ID] {
			_ = s.pool.Remove(sum.ID)
			log.WithField("credential", sum.ID).Info("credential removed (source gone)")
		}
	}
}

// Disable, Enable and Delete are the management mutations. Delete also
// removes the backing file and the persisted state.
func (s *Store) Disable(ctx context.Context, id, reason string) error {
	return s.pool.Disable(id, reason)
}

func (s *Store) Enable(ctx context.Context, id string) error {
	return s.pool.Enable(id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	cred, ok := s.pool.Get(id)
	if !ok {
		return s.pool.Remove(id) // returns not-found error
	}
	if err := s.pool.Remove(id); err != nil {
		return err
	}
	if s.fileDir != "" && !strings.HasPrefix(cred.Source, "env:") {
		if err := NewFileSource(s.fileDir).Delete(id); err != nil {
			log.WithError(err).WithField("credential", id).Warn("credential file not removed")
		}
	}
	if s.states != nil {
		if err := s.states.DeleteCredentialState(ctx, id); err != nil {
			log.WithError(err).WithField("credential", id).Warn("credential state not removed")
		}
	}
	return nil
}

// SaveNew persists a credential minted by the OAuth flow and adds it to
// the pool.
func (s *Store) SaveNew(cred *Credential) error {
	fs := NewFileSource(s.fileDir)
	filename, err := fs.Save(cred, "")
	if err != nil {
		return err
	}
	cred.ID = filename
	cred.Source = s.fileDir + "/" + filename
	cred.Status = StatusActive
	s.pool.Add(cred)
	log.WithField("credential", cred.ID).Info("credential minted by OAuth flow")
	return nil
}

// ImportEnv pulls GCLI_CREDS_* credentials into the pool on demand.
func (s *Store) ImportEnv(ctx context.Context) int {
	creds, err := NewEnvSource().Load(ctx)
	if err != nil {
		log.WithError(err).Warn("env credential import failed")
		return 0
	}
	added := 0
	for _, cred := range creds {
		if _, ok := s.pool.Get(cred.ID); !ok {
			s.pool.Add(cred)
			added++
		}
	}
	return added
}

// Snapshot is the management view.
func (s *Store) Snapshot() []Summary { return s.pool.Snapshot() }

func (s *Store) loadAll(ctx context.Context) []*Credential {
	var out []*Credential
	ids := make(map[string]bool)
	for _, src := range s.sources {
		creds, err := src.Load(ctx)
		if err != nil {
			log.WithError(err).WithField("source", src.Name()).Warn("credential source failed, continuing without it")
		}
		for _, cred := range creds {
			if ids[cred.ID] {
				log.WithField("credential", cred.ID).Warn("duplicate credential id, keeping the first")
				continue
			}
			ids[cred.ID] = true
			out = append(out, cred)
		}
	}
	return out
}

func (s *Store) restoreStates(ctx context.Context) {
	if s.states == nil {
		return
	}
	states, err := s.states.LoadCredentialStates(ctx)
	if err != nil {
		log.WithError(err).Warn("credential states not restored")
		return
	}
	for id, st := range states {
		s.pool.ApplyState(id, st)
	}
}

func (s *Store) loadState(ctx context.Context, id string) (State, bool) {
	if s.states == nil {
		return State{}, false
	}
	states, err := s.states.LoadCredentialStates(ctx)
	if err != nil {
		return State{}, false
	}
	st, ok := states[id]
	return st, ok
}

func (s *Store) persistStateAsync(id string, st State) {
	if s.states == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.states.SaveCredentialState(ctx, id, st); err != nil {
			log.WithError(err).WithField("credential", id).Warn("credential state not persisted")
		}
	}()
}
