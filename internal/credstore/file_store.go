package credstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// credentialsFileSchema rejects structurally broken credential files before
// any record is handed to a caller. Timestamps stay plain strings here so the
// schema does not fight encoding/json's time format.
const credentialsFileSchema = `{
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"required": ["access_token", "refresh_token"],
		"properties": {
			"access_token": {"type": "string", "minLength": 1},
			"refresh_token": {"type": "string", "minLength": 1},
			"token_type": {"type": "string"},
			"scope": {"type": "string"},
			"expires_at": {"type": "string"},
			"last_refreshed": {"type": "string"}
		}
	}
}`

var (
	schemaOnce       sync.Once
	compiledSchema   *jsonschema.Schema
	schemaCompileErr error
)

func credentialsSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(credentialsFileSchema))
		if err != nil {
			schemaCompileErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("credentials-file.json", doc); err != nil {
			schemaCompileErr = err
			return
		}
		compiledSchema, schemaCompileErr = compiler.Compile("credentials-file.json")
	})
	return compiledSchema, schemaCompileErr
}

// FileStore keeps the credential map in a single JSON file, rewritten in full
// on every Put via a temp-file rename so a crash mid-write never truncates it.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{path: path}
	// Surface unreadable or malformed files at construction, not mid-sync.
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(subject string) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return Credentials{}, err
	}
	creds, ok := all[subject]
	if !ok {
		return Credentials{}, fmt.Errorf("%w: %s", ErrNotFound, subject)
	}
	creds.Subject = subject
	return creds, nil
}

func (s *FileStore) Put(creds Credentials) error {
	if strings.TrimSpace(creds.Subject) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return err
	}
	all[creds.Subject] = creds
	return s.save(all)
}

func (s *FileStore) Subjects() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	subjects := make([]string, 0, len(all))
	for subject := range all {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	return subjects, nil
}

func (s *FileStore) load() (map[string]Credentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Credentials{}, nil
		}
		return nil, err
	}
	if err := validateCredentialsPayload(data); err != nil {
		return nil, fmt.Errorf("credentials file %s: %w", s.path, err)
	}
	var all map[string]Credentials
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("credentials file %s: %w", s.path, err)
	}
	if all == nil {
		all = map[string]Credentials{}
	}
	return all, nil
}

func (s *FileStore) save(all map[string]Credentials) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(s.path, data, 0o600)
}

func validateCredentialsPayload(data []byte) error {
	schema, err := credentialsSchema()
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
