// Package state holds the engine-facing on-disk state: the offset store the
// engine uses to record its position, and the schema history the engine
// replays DDL from. Engines receive only the file paths through their
// properties; these types own the formats.
package state

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/sluiceio/sluice/encoding"
	"github.com/sluiceio/sluice/telemetry"
)

// checksumSize is the xxhash64 footer appended to the offset payload.
const checksumSize = 8

// FileOffsetStore persists the engine's offset map to a single file.
// Writes are staged in memory and flushed on an interval; Commit returns a
// future settled by the next flush so engines can await durability at
// barrier points without blocking the event path.
type FileOffsetStore struct {
	path     string
	interval time.Duration

	mu      sync.Mutex
	offsets map[string]string
	dirty   bool
	pending []*future.Promise[error]

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

// OpenFileOffsetStore loads (or initializes) the offset file at path.
// Call Start to begin background flushing.
func OpenFileOffsetStore(path string, flushInterval time.Duration) (*FileOffsetStore, error) {
	s := &FileOffsetStore{
		path:     path,
		interval: flushInterval,
		offsets:  make(map[string]string),
		stopCh:   make(chan struct{}),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *FileOffsetStore) load() error {
	offsets, err := ReadOffsetFile(s.path)
	if err != nil {
		return err
	}

	s.offsets = offsets
	telemetry.OffsetKeys.Set(float64(len(s.offsets)))
	log.Info().Str("path", s.path).Int("keys", len(s.offsets)).Msg("Loaded offset store")
	return nil
}

// ReadOffsetFile decodes the offset map at path without taking ownership
// of the file. A missing or empty file reads as an empty map; flushes
// replace the file atomically, so concurrent reads see a complete copy.
func ReadOffsetFile(path string) (map[string]string, error) {
	offsets := make(map[string]string)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return offsets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read offset file: %w", err)
	}
	if len(data) == 0 {
		return offsets, nil
	}
	if len(data) < checksumSize {
		return nil, fmt.Errorf("offset file %s is truncated", path)
	}

	payload := data[:len(data)-checksumSize]
	stored := binary.BigEndian.Uint64(data[len(data)-checksumSize:])
	if sum := xxhash.Sum64(payload); sum != stored {
		return nil, fmt.Errorf("offset file %s is corrupt: checksum mismatch", path)
	}

	if err := encoding.Unmarshal(payload, &offsets); err != nil {
		return nil, fmt.Errorf("failed to decode offset file: %w", err)
	}

	return offsets, nil
}

// Start begins the background flush loop.
func (s *FileOffsetStore) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop flushes any staged offsets and stops the flush loop.
func (s *FileOffsetStore) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)
	s.wg.Wait()

	return s.tryFlush()
}

// Path returns the offset file location, as handed to engine properties.
func (s *FileOffsetStore) Path() string {
	return s.path
}

// Get returns the stored value for an offset key.
func (s *FileOffsetStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.offsets[key]
	return v, ok
}

// Set stages an offset value for the next flush.
func (s *FileOffsetStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[key] = value
	s.dirty = true
}

// Snapshot returns a copy of the current offset map.
func (s *FileOffsetStore) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.offsets))
	for k, v := range s.offsets {
		out[k] = v
	}
	return out
}

// Len returns the number of stored offset keys.
func (s *FileOffsetStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offsets)
}

// Commit returns a future settled by the flush that persists everything
// staged before the call. After Stop the flush happens inline.
func (s *FileOffsetStore) Commit() *future.Future[error] {
	p := future.NewPromise[error]()

	if s.stopped.Load() {
		p.Set(nil, s.tryFlush())
		return p.Future()
	}

	s.mu.Lock()
	s.pending = append(s.pending, p)
	s.mu.Unlock()

	return p.Future()
}

func (s *FileOffsetStore) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.tryFlush(); err != nil {
				log.Error().Err(err).Str("path", s.path).Msg("Offset flush failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// tryFlush writes staged offsets if anything changed and settles pending
// commit futures with the outcome.
func (s *FileOffsetStore) tryFlush() error {
	s.mu.Lock()
	if !s.dirty && len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}

	snapshot := make(map[string]string, len(s.offsets))
	for k, v := range s.offsets {
		snapshot[k] = v
	}
	waiting := s.pending
	s.pending = nil
	s.dirty = false
	s.mu.Unlock()

	start := time.Now()
	err := s.write(snapshot)
	telemetry.OffsetFlushSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.OffsetFlushesTotal.With("failed").Inc()
		// Staged state was not persisted; keep it marked for the next cycle
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	} else {
		telemetry.OffsetFlushesTotal.With("success").Inc()
		telemetry.OffsetKeys.Set(float64(len(snapshot)))
	}

	for _, p := range waiting {
		p.Set(nil, err)
	}
	return err
}

// write persists the offset map atomically: payload + checksum into a temp
// file, then rename over the live file.
func (s *FileOffsetStore) write(offsets map[string]string) error {
	payload, err := encoding.Marshal(offsets)
	if err != nil {
		return fmt.Errorf("failed to encode offsets: %w", err)
	}

	buf := make([]byte, len(payload)+checksumSize)
	copy(buf, payload)
	binary.BigEndian.PutUint64(buf[len(payload):], xxhash.Sum64(payload))

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".offsets-*")
	if err != nil {
		return fmt.Errorf("failed to create temp offset file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write offset file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close offset file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace offset file: %w", err)
	}

	return nil
}
