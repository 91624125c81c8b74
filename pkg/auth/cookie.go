// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"sync"
	"time"

	"github.com/absmach/wampd/pkg/errors"
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

// Cookie is the authentication outcome remembered for a tracking cookie.
type Cookie struct {
	ID           string         `cbor:"1,keyasint"`
	Created      time.Time      `cbor:"2,keyasint"`
	Realm        string         `cbor:"3,keyasint"`
	AuthID       string         `cbor:"4,keyasint"`
	AuthRole     string         `cbor:"5,keyasint"`
	AuthMethod   string         `cbor:"6,keyasint"`
	AuthProvider string         `cbor:"7,keyasint"`
	AuthExtra    map[string]any `cbor:"8,keyasint,omitempty"`
}

// CookieStore keeps cookie associations. Get returns errors.ErrNotFound for
// a cookie that was never authenticated.
type CookieStore interface {
	Get(id string) (Cookie, error)
	Set(c Cookie) error
	Delete(id string) error
}

// MemoryCookieStore is a CookieStore that lives as long as the process.
type MemoryCookieStore struct {
	mu      sync.RWMutex
	cookies map[string]Cookie
}

// NewMemoryCookieStore returns an empty MemoryCookieStore.
func NewMemoryCookieStore() *MemoryCookieStore {
	return &MemoryCookieStore{cookies: make(map[string]Cookie)}
}

func (s *MemoryCookieStore) Get(id string) (Cookie, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cookies[id]
	if !ok {
		return Cookie{}, errors.ErrNotFound
	}
	return c, nil
}

func (s *MemoryCookieStore) Set(c Cookie) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies[c.ID] = c
	return nil
}

func (s *MemoryCookieStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cookies, id)
	return nil
}

var cookieBucket = []byte("cookies")

// BoltCookieStore persists cookies in a bbolt file, CBOR encoded.
type BoltCookieStore struct {
	db *bolt.DB
}

// OpenBoltCookieStore opens or creates the cookie database at path.
func OpenBoltCookieStore(path string) (*BoltCookieStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open cookie store")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cookieBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create cookie bucket")
	}
	return &BoltCookieStore{db: db}, nil
}

func (s *BoltCookieStore) Get(id string) (Cookie, error) {
	var c Cookie
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cookieBucket).Get([]byte(id))
		if v == nil {
			return errors.ErrNotFound
		}
		return cbor.Unmarshal(v, &c)
	})
	return c, err
}

func (s *BoltCookieStore) Set(c Cookie) error {
	v, err := cbor.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cookieBucket).Put([]byte(c.ID), v)
	})
}

func (s *BoltCookieStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cookieBucket).Delete([]byte(id))
	})
}

// Close closes the database file.
func (s *BoltCookieStore) Close() error {
	return s.db.Close()
}
