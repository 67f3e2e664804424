// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package progress

import (
	"fmt"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/biliclaw/biliclaw/internal/logging"
)

// Key prefixes partition the single Badger keyspace.
const (
	prefixVideo    = "video:"
	prefixComment  = "comment:"
	prefixAccount  = "account:"
	prefixPending  = "pending:"
	prefixProgress = "progress:"
)

// BadgerStore persists resume state in a Badger key-value store. Emitted-id
// sets are mirrored in memory at open so membership checks stay off the
// read path of the hot loop.
type BadgerStore struct {
	db *badger.DB

	mu       sync.Mutex
	videos   map[string]struct{}
	comments map[string]struct{}
	accounts map[string]struct{}
	pending  map[string]struct{}
	progress map[string]*VideoProgress
}

// NewBadgerStore opens or creates the store at path. An empty path opens an
// in-memory store, used by tests.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	s := &BadgerStore{
		db:       db,
		videos:   make(map[string]struct{}),
		comments: make(map[string]struct{}),
		accounts: make(map[string]struct{}),
		pending:  make(map[string]struct{}),
		progress: make(map[string]*VideoProgress),
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.Info().
		Str("path", path).
		Int("videos", len(s.videos)).
		Int("comments", len(s.comments)).
		Int("accounts", len(s.accounts)).
		Int("pending", len(s.pending)).
		Int("progress", len(s.progress)).
		Msg("resume state loaded")
	return s, nil
}

func (s *BadgerStore) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			switch {
			case len(key) > len(prefixVideo) && key[:len(prefixVideo)] == prefixVideo:
				s.videos[key[len(prefixVideo):]] = struct{}{}
			case len(key) > len(prefixComment) && key[:len(prefixComment)] == prefixComment:
				s.comments[key[len(prefixComment):]] = struct{}{}
			case len(key) > len(prefixAccount) && key[:len(prefixAccount)] == prefixAccount:
				s.accounts[key[len(prefixAccount):]] = struct{}{}
			case len(key) > len(prefixPending) && key[:len(prefixPending)] == prefixPending:
				s.pending[key[len(prefixPending):]] = struct{}{}
			case len(key) > len(prefixProgress) && key[:len(prefixProgress)] == prefixProgress:
				var p VideoProgress
				err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &p)
				})
				if err != nil {
					return fmt.Errorf("decode progress entry %s: %w", key, err)
				}
				s.progress[key[len(prefixProgress):]] = &p
			}
		}
		return nil
	})
}

func (s *BadgerStore) setKey(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *BadgerStore) Progress(bvid string) (VideoProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.progress[bvid]; ok {
		return *p, true
	}
	return VideoProgress{}, false
}

func (s *BadgerStore) SetProgress(bvid, cursor string, aid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.progress[bvid]; ok {
		if p.Done {
			return nil
		}
		if aid == 0 {
			aid = p.Aid
		}
	}
	p := &VideoProgress{Cursor: cursor, Aid: aid}
	s.progress[bvid] = p
	return s.writeProgressLocked(bvid, p)
}

func (s *BadgerStore) MarkDone(bvid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.progress[bvid]
	if !ok {
		p = &VideoProgress{}
		s.progress[bvid] = p
	}
	p.Done = true
	p.Cursor = ""
	return s.writeProgressLocked(bvid, p)
}

func (s *BadgerStore) writeProgressLocked(bvid string, p *VideoProgress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	return s.setKey(prefixProgress+bvid, raw)
}

func (s *BadgerStore) AllProgress() map[string]VideoProgress {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]VideoProgress, len(s.progress))
	for k, v := range s.progress {
		out[k] = *v
	}
	return out
}

func (s *BadgerStore) MarkVideoEmitted(bvid string) error {
	return s.mark(s.videos, prefixVideo, bvid)
}

func (s *BadgerStore) MarkCommentEmitted(rpid string) error {
	return s.mark(s.comments, prefixComment, rpid)
}

func (s *BadgerStore) MarkAccountEmitted(mid string) error {
	return s.mark(s.accounts, prefixAccount, mid)
}

func (s *BadgerStore) mark(set map[string]struct{}, prefix, id string) error {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := set[id]; ok {
		return nil
	}
	set[id] = struct{}{}
	return s.setKey(prefix+id, nil)
}

func (s *BadgerStore) VideoEmitted(bvid string) bool   { return s.has(s.videos, bvid) }
func (s *BadgerStore) CommentEmitted(rpid string) bool { return s.has(s.comments, rpid) }
func (s *BadgerStore) AccountEmitted(mid string) bool  { return s.has(s.accounts, mid) }

func (s *BadgerStore) has(set map[string]struct{}, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := set[id]
	return ok
}

func (s *BadgerStore) AppendPendingMid(mid string) error {
	if mid == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[mid]; ok {
		return nil
	}
	s.pending[mid] = struct{}{}
	return s.setKey(prefixPending+mid, nil)
}

func (s *BadgerStore) PendingMids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.pending))
	for mid := range s.pending {
		out = append(out, mid)
	}
	sort.Strings(out)
	return out
}

func (s *BadgerStore) RewritePendingMids(mids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.pending
	s.pending = make(map[string]struct{}, len(mids))

	return s.db.Update(func(txn *badger.Txn) error {
		for mid := range old {
			if err := txn.Delete([]byte(prefixPending + mid)); err != nil {
				return err
			}
		}
		for _, mid := range mids {
			if mid == "" {
				continue
			}
			if _, dup := s.pending[mid]; dup {
				continue
			}
			s.pending[mid] = struct{}{}
			if err := txn.Set([]byte(prefixPending+mid), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
