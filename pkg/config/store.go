/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/closednet/closednet/pkg/crypto"
)

// Store owns a config file on disk. All writes go through it.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store for the config at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the path of the config file.
func (s *Store) Path() string { return s.path }

// Exists reports whether the config file exists.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the config. Every call returns a new value. A missing file
// returns an error wrapping fs.ErrNotExist.
func (s *Store) Load() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c := New()
	if err := c.Unmarshal(bytes.NewReader(data), FormatFor(s.path)); err != nil {
		return nil, fmt.Errorf("load %s: %w", s.path, err)
	}
	return c, nil
}

// Save writes the config atomically.
func (s *Store) Save(c *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, err := s.lock()
	if err != nil {
		return err
	}
	defer lock.Unlock()
	return s.save(c)
}

// Create writes c only if no config exists yet.
func (s *Store) Create(c *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, err := s.lock()
	if err != nil {
		return err
	}
	defer lock.Unlock()
	if _, err := os.Stat(s.path); err == nil {
		return fmt.Errorf("config %s: %w", s.path, fs.ErrExist)
	}
	return s.save(c)
}

// Update loads the config from disk, applies fn and saves the result while
// holding the file lock. Nothing is written if fn returns an error.
func (s *Store) Update(fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, err := s.lock()
	if err != nil {
		return err
	}
	defer lock.Unlock()
	c, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}
	return s.save(c)
}

// AddRosterEntry pins a member. The key must parse.
func (s *Store) AddRosterEntry(name, publicKey string) error {
	if name == "" {
		return errors.New("member name must not be empty")
	}
	if _, err := crypto.ParseAnyPublicKey([]byte(publicKey)); err != nil {
		return fmt.Errorf("public key for %s: %w", name, err)
	}
	return s.Update(func(c *Config) error {
		for _, entry := range c.Roster {
			if entry.Name == name {
				return fmt.Errorf("%w: %s", ErrMemberExists, name)
			}
		}
		c.Roster = append(c.Roster, RosterEntry{Name: name, PublicKey: publicKey})
		return nil
	})
}

// RemoveRosterEntry unpins a member.
func (s *Store) RemoveRosterEntry(name string) error {
	return s.Update(func(c *Config) error {
		for i, entry := range c.Roster {
			if entry.Name == name {
				c.Roster = append(c.Roster[:i], c.Roster[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrMemberNotFound, name)
	})
}

// SetRecordID stores the directory record id of this member's announcement.
func (s *Store) SetRecordID(id string) error {
	return s.Update(func(c *Config) error {
		c.Directory.RecordID = id
		return nil
	})
}

func (s *Store) lock() (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	return lockFile(s.path + ".lock")
}

func (s *Store) save(c *Config) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := c.Marshal(tmp, FormatFor(s.path)); err != nil {
		tmp.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
