package credstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an ephemeral Store used by tests and by CI runs where the
// credential map arrives through an environment variable instead of a file.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]Credentials
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: map[string]Credentials{}}
}

// NewMemoryStoreFromJSON seeds a MemoryStore from the JSON credential-map
// format used by the file store (subject -> record). This is the path for
// credentials injected via a CI secret.
func NewMemoryStoreFromJSON(data []byte) (*MemoryStore, error) {
	if err := validateCredentialsPayload(data); err != nil {
		return nil, fmt.Errorf("credentials payload: %w", err)
	}
	var all map[string]Credentials
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("credentials payload: %w", err)
	}
	s := NewMemoryStore()
	for subject, creds := range all {
		creds.Subject = subject
		s.creds[subject] = creds
	}
	return s, nil
}

func (s *MemoryStore) Get(subject string) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, ok := s.creds[subject]
	if !ok {
		return Credentials{}, fmt.Errorf("%w: %s", ErrNotFound, subject)
	}
	return creds, nil
}

func (s *MemoryStore) Put(creds Credentials) error {
	if strings.TrimSpace(creds.Subject) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[creds.Subject] = creds
	return nil
}

func (s *MemoryStore) Subjects() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subjects := make([]string, 0, len(s.creds))
	for subject := range s.creds {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	return subjects, nil
}
