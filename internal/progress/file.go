// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package progress

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/renameio/v2"

	"github.com/biliclaw/biliclaw/internal/logging"
)

// Default on-disk layout, relative to the working directory.
const (
	DefaultDir = "sent_records"

	sentVideosFile   = "sent_videos.txt"
	sentCommentsFile = "sent_comments.txt"
	sentAccountsFile = "sent_accounts.txt"
	pendingMidsFile  = "pending_mids.txt"
	progressFile     = "video_comment_progress.json"
)

// FileStore keeps emitted-id sets in memory, appending new ids to the
// newline-delimited ledger files, and rewrites the progress JSON atomically
// on every update. The in-memory state is the source of truth; a failed
// disk write is logged and repaired by the next successful one.
type FileStore struct {
	dir string

	mu       sync.Mutex
	videos   map[string]struct{}
	comments map[string]struct{}
	accounts map[string]struct{}
	pending  map[string]struct{}
	progress map[string]*VideoProgress
}

// NewFileStore opens (and creates if needed) the ledger directory and loads
// all state into memory.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}

	s := &FileStore{
		dir:      dir,
		progress: make(map[string]*VideoProgress),
	}

	var err error
	if s.videos, err = loadIDFile(filepath.Join(dir, sentVideosFile)); err != nil {
		return nil, err
	}
	if s.comments, err = loadIDFile(filepath.Join(dir, sentCommentsFile)); err != nil {
		return nil, err
	}
	if s.accounts, err = loadIDFile(filepath.Join(dir, sentAccountsFile)); err != nil {
		return nil, err
	}
	if s.pending, err = loadIDFile(filepath.Join(dir, pendingMidsFile)); err != nil {
		return nil, err
	}
	if err = s.loadProgress(); err != nil {
		return nil, err
	}

	logging.Info().
		Str("dir", dir).
		Int("videos", len(s.videos)).
		Int("comments", len(s.comments)).
		Int("accounts", len(s.accounts)).
		Int("pending", len(s.pending)).
		Int("progress", len(s.progress)).
		Msg("resume state loaded")
	return s, nil
}

func loadIDFile(path string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return ids, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			ids[line] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	return ids, nil
}

func (s *FileStore) loadProgress() error {
	raw, err := os.ReadFile(filepath.Join(s.dir, progressFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read progress file: %w", err)
	}
	if err := json.Unmarshal(raw, &s.progress); err != nil {
		return fmt.Errorf("parse progress file: %w", err)
	}
	return nil
}

// appendID appends one id line to a ledger file.
func (s *FileStore) appendID(name, id string) error {
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.WriteString(id + "\n"); err != nil {
		return fmt.Errorf("append to ledger %s: %w", name, err)
	}
	return nil
}

// saveProgressLocked atomically rewrites the progress JSON.
func (s *FileStore) saveProgressLocked() error {
	raw, err := json.MarshalIndent(s.progress, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(s.dir, progressFile), raw, 0o644); err != nil {
		return fmt.Errorf("write progress file: %w", err)
	}
	return nil
}

func (s *FileStore) Progress(bvid string) (VideoProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.progress[bvid]; ok {
		return *p, true
	}
	return VideoProgress{}, false
}

// SetProgress stores a new cursor for a video. Writes against a video
// already marked done are ignored.
func (s *FileStore) SetProgress(bvid, cursor string, aid int64) error {
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
	s.progress[bvid] = &VideoProgress{Cursor: cursor, Aid: aid}
	return s.saveProgressLocked()
}

// MarkDone freezes a video's entry. The cursor is cleared; the walk is
// complete and will not resume.
func (s *FileStore) MarkDone(bvid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.progress[bvid]
	if !ok {
		p = &VideoProgress{}
		s.progress[bvid] = p
	}
	p.Done = true
	p.Cursor = ""
	return s.saveProgressLocked()
}

func (s *FileStore) AllProgress() map[string]VideoProgress {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]VideoProgress, len(s.progress))
	for k, v := range s.progress {
		out[k] = *v
	}
	return out
}

func (s *FileStore) MarkVideoEmitted(bvid string) error {
	return s.mark(s.videos, sentVideosFile, bvid)
}

func (s *FileStore) MarkCommentEmitted(rpid string) error {
	return s.mark(s.comments, sentCommentsFile, rpid)
}

func (s *FileStore) MarkAccountEmitted(mid string) error {
	return s.mark(s.accounts, sentAccountsFile, mid)
}

func (s *FileStore) mark(set map[string]struct{}, file, id string) error {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := set[id]; ok {
		return nil
	}
	set[id] = struct{}{}
	return s.appendID(file, id)
}

func (s *FileStore) VideoEmitted(bvid string) bool   { return s.has(s.videos, bvid) }
func (s *FileStore) CommentEmitted(rpid string) bool { return s.has(s.comments, rpid) }
func (s *FileStore) AccountEmitted(mid string) bool  { return s.has(s.accounts, mid) }

func (s *FileStore) has(set map[string]struct{}, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := set[id]
	return ok
}

func (s *FileStore) AppendPendingMid(mid string) error {
	if mid == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[mid]; ok {
		return nil
	}
	s.pending[mid] = struct{}{}
	return s.appendID(pendingMidsFile, mid)
}

func (s *FileStore) PendingMids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.pending))
	for mid := range s.pending {
		out = append(out, mid)
	}
	sort.Strings(out)
	return out
}

// RewritePendingMids replaces the pending ledger with exactly mids. An
// empty set removes the file.
func (s *FileStore) RewritePendingMids(mids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = make(map[string]struct{}, len(mids))
	path := filepath.Join(s.dir, pendingMidsFile)

	if len(mids) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove pending ledger: %w", err)
		}
		return nil
	}

	var b strings.Builder
	for _, mid := range mids {
		if _, dup := s.pending[mid]; dup || mid == "" {
			continue
		}
		s.pending[mid] = struct{}{}
		b.WriteString(mid)
		b.WriteByte('\n')
	}
	if err := renameio.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("rewrite pending ledger: %w", err)
	}
	return nil
}

// Close flushes nothing; every mutation is persisted as it happens.
func (s *FileStore) Close() error { return nil }
