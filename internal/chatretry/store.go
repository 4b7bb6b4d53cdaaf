// SPDX-License-Identifier: Apache-2.0

package chatretry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adiadia/brokerage-agent/internal/kv"
)

const defaultTTL = 24 * time.Hour

// Store keeps one State per user and chat session.
type Store struct {
	kv  kv.Store
	ttl time.Duration
}

func NewStore(store kv.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{kv: store, ttl: ttl}
}

func stateKey(userID, sessionID string) string {
	return "chat:retry:" + userID + ":" + sessionID
}

// Load returns the zero State for sessions with nothing recorded.
func (s *Store) Load(ctx context.Context, userID, sessionID string) (State, error) {
	var st State
	err := kv.GetJSON(ctx, s.kv, stateKey(userID, sessionID), &st)
	if errors.Is(err, kv.ErrNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load chat retry state: %w", err)
	}
	return st, nil
}

func (s *Store) Save(ctx context.Context, userID, sessionID string, st State) error {
	key := stateKey(userID, sessionID)
	if st == (State{}) {
		if err := s.kv.Del(ctx, key); err != nil {
			return fmt.Errorf("clear chat retry state: %w", err)
		}
		return nil
	}
	if err := kv.SetJSON(ctx, s.kv, key, st, s.ttl); err != nil {
		return fmt.Errorf("save chat retry state: %w", err)
	}
	return nil
}

// Update loads the session state, applies fn and saves the result.
func (s *Store) Update(ctx context.Context, userID, sessionID string, fn func(*State)) (State, error) {
	st, err := s.Load(ctx, userID, sessionID)
	if err != nil {
		return State{}, err
	}
	fn(&st)
	if err := s.Save(ctx, userID, sessionID, st); err != nil {
		return State{}, err
	}
	return st, nil
}
