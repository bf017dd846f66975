package growlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// ============================================================================
// BlobStore
// ============================================================================

// BlobStore is the durable store collaborator behind the request cache and
// the offline queue. Implementations must be safe for concurrent use.
type BlobStore interface {
	// Read returns the value for key, or (nil, nil) when absent.
	Read(key string) ([]byte, error)
	Write(key string, value []byte) error
	Delete(key string) error

	// AppendQueueEntry appends value at the tail of the named queue.
	AppendQueueEntry(queue string, value []byte) error
	// ListQueueEntries returns the queue contents in insertion order.
	ListQueueEntries(queue string) ([][]byte, error)
	// RemoveQueueEntry removes the entry at index (insertion order).
	RemoveQueueEntry(queue string, index int) error
	// ReplaceQueueEntry overwrites the entry at index in place.
	ReplaceQueueEntry(queue string, index int, value []byte) error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory BlobStore. It is the default
// store and the one unit tests use; entries do not survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	kv     map[string][]byte
	queues map[string][][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:     make(map[string][]byte),
		queues: make(map[string][][]byte),
	}
}

func (s *MemoryStore) Read(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Write(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.kv[key] = v
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *MemoryStore) AppendQueueEntry(queue string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.queues[queue] = append(s.queues[queue], v)
	return nil
}

func (s *MemoryStore) ListQueueEntries(queue string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.queues[queue]
	out := make([][]byte, len(entries))
	for i, e := range entries {
		c := make([]byte, len(e))
		copy(c, e)
		out[i] = c
	}
	return out, nil
}

func (s *MemoryStore) RemoveQueueEntry(queue string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.queues[queue]
	if index < 0 || index >= len(entries) {
		return errors.Errorf("queue %q: index %d out of range", queue, index)
	}
	s.queues[queue] = append(entries[:index], entries[index+1:]...)
	return nil
}

func (s *MemoryStore) ReplaceQueueEntry(queue string, index int, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.queues[queue]
	if index < 0 || index >= len(entries) {
		return errors.Errorf("queue %q: index %d out of range", queue, index)
	}
	v := make([]byte, len(value))
	copy(v, value)
	entries[index] = v
	return nil
}

// ============================================================================
// FileStore
// ============================================================================

// FileStore is a BlobStore backed by JSON files under a directory. Keys live
// in kv.json, each queue in <name>.queue.json. Queue order survives process
// restarts.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore opens (or creates) a file-backed store at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "cannot determine home directory")
		}
		dir = filepath.Join(home, ".growlog", "store")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "cannot create store directory")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) kvPath() string { return filepath.Join(s.dir, "kv.json") }

func (s *FileStore) queuePath(queue string) string {
	return filepath.Join(s.dir, queue+".queue.json")
}

func (s *FileStore) loadKV() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.kvPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, errors.Wrap(err, "read kv file")
	}
	kv := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &kv); err != nil {
		return nil, errors.Wrap(err, "parse kv file")
	}
	return kv, nil
}

func (s *FileStore) saveKV(kv map[string]json.RawMessage) error {
	data, err := json.Marshal(kv)
	if err != nil {
		return errors.Wrap(err, "marshal kv file")
	}
	return errors.Wrap(os.WriteFile(s.kvPath(), data, 0o600), "write kv file")
}

func (s *FileStore) loadQueue(queue string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(s.queuePath(queue))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read queue %q", queue)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrapf(err, "parse queue %q", queue)
	}
	return entries, nil
}

func (s *FileStore) saveQueue(queue string, entries []json.RawMessage) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrapf(err, "marshal queue %q", queue)
	}
	return errors.Wrapf(os.WriteFile(s.queuePath(queue), data, 0o600), "write queue %q", queue)
}

func (s *FileStore) Read(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv, err := s.loadKV()
	if err != nil {
		return nil, err
	}
	v, ok := kv[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (s *FileStore) Write(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv, err := s.loadKV()
	if err != nil {
		return err
	}
	kv[key] = json.RawMessage(value)
	return s.saveKV(kv)
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kv, err := s.loadKV()
	if err != nil {
		return err
	}
	delete(kv, key)
	return s.saveKV(kv)
}

func (s *FileStore) AppendQueueEntry(queue string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadQueue(queue)
	if err != nil {
		return err
	}
	entries = append(entries, json.RawMessage(value))
	return s.saveQueue(queue, entries)
}

func (s *FileStore) ListQueueEntries(queue string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadQueue(queue)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e
	}
	return out, nil
}

func (s *FileStore) RemoveQueueEntry(queue string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadQueue(queue)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(entries) {
		return errors.Errorf("queue %q: index %d out of range", queue, index)
	}
	entries = append(entries[:index], entries[index+1:]...)
	return s.saveQueue(queue, entries)
}

func (s *FileStore) ReplaceQueueEntry(queue string, index int, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.loadQueue(queue)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(entries) {
		return errors.Errorf("queue %q: index %d out of range", queue, index)
	}
	entries[index] = json.RawMessage(value)
	return s.saveQueue(queue, entries)
}
