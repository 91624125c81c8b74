// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"fmt"
	"log/slog"

	"github.com/absmach/wampd/pkg/errors"
	"github.com/dgraph-io/badger"
)

const sessionKeyPrefix = "mqtt/session/"

// BadgerStore persists sessions in a badger database as JSON documents.
type BadgerStore struct {
	db *badger.DB
}

var _ SessionStore = (*BadgerStore)(nil)

// OpenBadgerStore opens (or creates) a store in dir.
func OpenBadgerStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = badgerLogger{logger.With(slog.String("component", "session_store"))}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func sessionKey(clientID string) []byte {
	return []byte(sessionKeyPrefix + clientID)
}

func (b *BadgerStore) Get(clientID string) (*Session, error) {
	s := &Session{}
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(clientID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, s)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.init()
	return s, nil
}

func (b *BadgerStore) Save(s *Session) error {
	val, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(s.ClientID), val)
	})
}

func (b *BadgerStore) Delete(clientID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(clientID))
	})
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(fmt.Sprintf(format, args...))
}
