// Package live tracks content digests of live HLS segments so playback
// clients can verify mutable segment content against the public
// segments-sha256.json manifest.
package live

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// SegmentStore maps, per live session, segment filenames to lowercase
// hex sha256 digests. Sessions are fully independent: operations on
// different sessions never contend, operations within a session are
// serialized by the session lock. The store is purely in memory, its
// loss only degrades integrity checking for in-flight viewers.
type SegmentStore struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	mu      sync.Mutex
	digests map[string]string
}

func NewSegmentStore(logger *slog.Logger) *SegmentStore {
	return &SegmentStore{
		logger:   logger,
		sessions: map[string]*session{},
	}
}

func (s *SegmentStore) session(sessionID string, create bool) *session {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok || !create {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[sessionID]; ok {
		return sess
	}
	sess = &session{digests: map[string]string{}}
	s.sessions[sessionID] = sess
	return sess
}

// AddSegment digests the segment file and records it under the
// session, creating the session map on first use.
func (s *SegmentStore) AddSegment(sessionID, segmentPath string) error {
	digest, err := sha256File(segmentPath)
	if err != nil {
		return fmt.Errorf("failed to digest segment %q: %w", segmentPath, err)
	}

	sess := s.session(sessionID, true)
	sess.mu.Lock()
	sess.digests[filepath.Base(segmentPath)] = digest
	sess.mu.Unlock()

	s.logger.Debug("added segment digest",
		"session", sessionID, "segment", filepath.Base(segmentPath))
	return nil
}

// RemoveSegment drops the segment's digest. An unknown session or
// segment is benign: rotation can evict a segment before this call
// lands.
func (s *SegmentStore) RemoveSegment(sessionID, segmentPath string) {
	name := filepath.Base(segmentPath)

	sess := s.session(sessionID, false)
	if sess == nil {
		s.logger.Warn("unknown live session, skipping segment removal",
			"session", sessionID, "segment", name)
		return
	}

	sess.mu.Lock()
	_, known := sess.digests[name]
	delete(sess.digests, name)
	sess.mu.Unlock()

	if !known {
		s.logger.Warn("unknown segment, skipping removal",
			"session", sessionID, "segment", name)
	}
}

// Manifest returns a snapshot of the session's digests, or nil when
// the session is unknown. The map is a copy, safe to serve while the
// session keeps mutating.
func (s *SegmentStore) Manifest(sessionID string) map[string]string {
	sess := s.session(sessionID, false)
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make(map[string]string, len(sess.digests))
	for name, digest := range sess.digests {
		out[name] = digest
	}
	return out
}

// Cleanup drops the whole session map when the live session ends.
func (s *SegmentStore) Cleanup(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
