package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/tierd/pkg/log"
	"github.com/cuemby/tierd/pkg/types"
	"github.com/google/uuid"
)

// FlagPrefix marks reserved keys that hold one-shot flags instead of
// mount paths.
const FlagPrefix = "_"

var (
	// ErrEmptyUUID is returned when resolving a partition without an identity
	ErrEmptyUUID = errors.New("empty filesystem uuid")
)

// Options configures a Store
type Options struct {
	// Path of the JSON file backing the store
	Path string
	// MountBase is the directory new mount paths are allocated under
	MountBase string
	// Prefix is prepended to the allocation index, e.g. "tierd_drive_"
	Prefix string
}

// Store is the persistent UUID to mount path mapping plus one-shot flags.
// Assignments are only ever added. A UUID that resolved once resolves to
// the same path for the lifetime of the file.
type Store struct {
	mu   sync.Mutex
	opts Options

	assignments map[string]string
	flags       map[string]bool
	// keys we do not understand are written back untouched
	extra map[string]json.RawMessage
}

// Open loads the store at opts.Path. A missing or corrupt file yields an
// empty store that is immediately written back as "{}".
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if opts.MountBase == "" {
		opts.MountBase = "/mnt"
	}
	s := &Store{opts: opts}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.opts.Path
}

// Load replaces the in-memory state with the file contents. When the file
// cannot be read the previous state is kept, so assignments made before
// the failure keep resolving to the same paths.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return withLock(s.opts.Path, func() error {
		_ = os.Remove(s.opts.Path + ".tmp")
		data, err := os.ReadFile(s.opts.Path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Logger.Info().Str("path", s.opts.Path).Msg("Drive store missing, creating empty store")
			s.apply(newState())
			return s.write()
		case err != nil:
			return fmt.Errorf("failed to read store: %w", err)
		}

		st, err := decode(data)
		if err != nil {
			log.Logger.Warn().Err(err).Str("path", s.opts.Path).Msg("Drive store is corrupt, resetting to empty")
			s.apply(newState())
			return s.write()
		}
		s.apply(st)
		return nil
	})
}

// Save persists the current state atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withLock(s.opts.Path, s.write)
}

// Lookup returns the mount path assigned to a UUID, if any.
func (s *Store) Lookup(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.assignments[normalize(id)]
	return p, ok
}

// Resolve returns the mount path for a UUID, allocating and persisting a
// new one on first sight. created reports whether a new assignment was made.
func (s *Store) Resolve(id string) (path string, created bool, err error) {
	key := normalize(id)
	if key == "" {
		return "", false, ErrEmptyUUID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.assignments[key]; ok {
		return p, false, nil
	}

	path = s.nextPath()
	s.assignments[key] = path
	if err := withLock(s.opts.Path, s.write); err != nil {
		delete(s.assignments, key)
		return "", false, fmt.Errorf("failed to persist assignment for %s: %w", key, err)
	}

	log.Logger.Info().Str("uuid", key).Str("mount_path", path).Msg("Assigned mount path")
	return path, true, nil
}

// Flag reports whether a one-shot flag has been set.
func (s *Store) Flag(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[flagKey(name)]
}

// SetFlag marks a one-shot flag as done and persists the store.
func (s *Store) SetFlag(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := flagKey(name)
	if s.flags[key] {
		return nil
	}
	s.flags[key] = true
	if err := withLock(s.opts.Path, s.write); err != nil {
		delete(s.flags, key)
		return fmt.Errorf("failed to persist flag %s: %w", key, err)
	}
	return nil
}

// Assignments returns all assignments ordered by mount path.
func (s *Store) Assignments() []types.MountAssignment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.MountAssignment, 0, len(s.assignments))
	for id, p := range s.assignments {
		out = append(out, types.MountAssignment{UUID: id, MountPath: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MountPath < out[j].MountPath })
	return out
}

// nextPath picks the smallest index whose path is not yet handed out.
func (s *Store) nextPath() string {
	used := make(map[string]bool, len(s.assignments))
	for _, p := range s.assignments {
		used[filepath.Clean(p)] = true
	}
	for n := 0; ; n++ {
		p := filepath.Join(s.opts.MountBase, s.opts.Prefix+strconv.Itoa(n))
		if !used[p] {
			return p
		}
	}
}

// state is the decoded contents of the store file
type state struct {
	assignments map[string]string
	flags       map[string]bool
	extra       map[string]json.RawMessage
}

func newState() state {
	return state{
		assignments: make(map[string]string),
		flags:       make(map[string]bool),
		extra:       make(map[string]json.RawMessage),
	}
}

func (s *Store) apply(st state) {
	s.assignments = st.assignments
	s.flags = st.flags
	s.extra = st.extra
}

func decode(data []byte) (state, error) {
	st := newState()
	if len(strings.TrimSpace(string(data))) == 0 {
		return st, errors.New("empty file")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return st, err
	}
	if raw == nil {
		return st, errors.New("not a JSON object")
	}

	for k, v := range raw {
		if strings.HasPrefix(k, FlagPrefix) {
			var b bool
			if err := json.Unmarshal(v, &b); err == nil {
				st.flags[k] = b
				continue
			}
			st.extra[k] = v
			continue
		}
		var p string
		if err := json.Unmarshal(v, &p); err != nil || !filepath.IsAbs(p) {
			st.extra[k] = v
			continue
		}
		st.assignments[normalize(k)] = filepath.Clean(p)
	}
	return st, nil
}

func (s *Store) write() error {
	out := make(map[string]any, len(s.assignments)+len(s.flags)+len(s.extra))
	for k, v := range s.extra {
		out[k] = v
	}
	for k, v := range s.assignments {
		out[k] = v
	}
	for k, v := range s.flags {
		out[k] = v
	}
	return saveJSON(s.opts.Path, out)
}

// normalize canonicalizes RFC 4122 UUIDs to lower case. Other identities,
// such as FAT volume serials, are only trimmed.
func normalize(id string) string {
	id = strings.TrimSpace(id)
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return id
}

func flagKey(name string) string {
	if strings.HasPrefix(name, FlagPrefix) {
		return name
	}
	return FlagPrefix + name
}
