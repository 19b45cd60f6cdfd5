// Package history persists the conversation as one serialized list of turns under a single
// key. Storage problems are logged and swallowed: a broken disk must never stop a question
// from being asked, and unreadable data loads as an empty conversation.
package history

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

const DefaultKey = "llm-council:conversation"

// ErrNotFound is returned by a Backend when the key has never been written or was deleted.
var ErrNotFound = errors.New("history: key not found")

// Backend is a plain key/value store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Store struct {
	backend   Backend
	key       string
	logger    zerolog.Logger
	onFailure func(op string, err error)
}

type StoreOption func(*Store)

func WithKey(key string) StoreOption {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger.With().Str("component", "history").Logger()
	}
}

// WithFailureHook is called once per swallowed error, with op one of load, decode, save,
// encode or clear.
func WithFailureHook(fn func(op string, err error)) StoreOption {
	return func(s *Store) {
		s.onFailure = fn
	}
}

func NewStore(backend Backend, opts ...StoreOption) *Store {
	s := &Store{
		backend: backend,
		key:     DefaultKey,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Key() string {
	return s.key
}

func (s *Store) Load(ctx context.Context) []Turn {
	raw, err := s.backend.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return []Turn{}
	}
	if err != nil {
		s.fail("load", err)
		return []Turn{}
	}
	turns, err := Decode(raw)
	if err != nil {
		s.fail("decode", err)
		return []Turn{}
	}
	s.logger.Debug().Int("turns", len(turns)).Msg("history loaded")
	return Clone(turns)
}

func (s *Store) Save(ctx context.Context, turns []Turn) {
	raw, err := Encode(turns)
	if err != nil {
		s.fail("encode", err)
		return
	}
	if err := s.backend.Put(ctx, s.key, raw); err != nil {
		s.fail("save", err)
		return
	}
	s.logger.Debug().Int("turns", len(turns)).Msg("history saved")
}

func (s *Store) Clear(ctx context.Context) {
	if err := s.backend.Delete(ctx, s.key); err != nil && !errors.Is(err, ErrNotFound) {
		s.fail("clear", err)
		return
	}
	s.logger.Info().Msg("history cleared")
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) fail(op string, err error) {
	s.logger.Warn().Err(err).Str("op", op).Str("key", s.key).Msg("history storage failure ignored")
	if s.onFailure != nil {
		s.onFailure(op, err)
	}
}
