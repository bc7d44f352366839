package uploader

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/opencatalog/s3store/pkg/storage"
)

// ACLStateStore remembers the last ACL synchronized for each entity so
// that repeated no-op privacy notifications short-circuit without touching
// the object store. State optionally persists to a JSON file across
// process restarts.
type ACLStateStore struct {
	mu     sync.Mutex
	path   string
	states map[string]storage.ACL
}

// NewACLStateStore loads recorded state from path, when a path is given
// and the file exists. An empty path keeps the state in memory only.
func NewACLStateStore(path string) (*ACLStateStore, error) {
	s := &ACLStateStore{
		path:   path,
		states: make(map[string]storage.ACL),
	}
	if path == "" {
		return s, nil
	}

	dat, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read ACL state file")
	}
	if err := json.Unmarshal(dat, &s.states); err != nil {
		return nil, errors.Wrap(err, "Failed to parse ACL state file")
	}
	return s, nil
}

// Last returns the most recently recorded ACL for the entity.
func (s *ACLStateStore) Last(entityID string) (storage.ACL, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acl, ok := s.states[entityID]
	return acl, ok
}

// Record stores the ACL just synchronized for the entity.
func (s *ACLStateStore) Record(entityID string, acl storage.ACL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[entityID] = acl

	if s.path == "" {
		return nil
	}
	dat, err := json.Marshal(s.states)
	if err != nil {
		return errors.Wrap(err, "Failed to encode ACL state")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, dat, 0644); err != nil {
		return errors.Wrap(err, "Failed to write ACL state file")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "Failed to replace ACL state file")
}
