// Package store persists learned state: versioned JSON documents committed
// as whole generations, and an append-only SQLite history.
package store

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
	"time"

	"organon/internal/logging"
)

var (
	// ErrNotFound is returned when a document has never been saved.
	ErrNotFound = errors.New("document not found")
	// ErrCorrupt is returned when a stored document fails to decode or validate.
	ErrCorrupt = errors.New("document corrupt")
	// ErrStaleGeneration is returned when committing a generation older than
	// the one already current.
	ErrStaleGeneration = errors.New("stale generation")
)

// Kind names a persisted state document.
type Kind string

const (
	KindCoupling  Kind = "coupling"
	KindFamilies  Kind = "families"
	KindThreshold Kind = "threshold"
	KindReward    Kind = "reward"
	KindRegime    Kind = "regime"
	KindStability Kind = "stability"

	// KindPointer names the CURRENT file in load reports.
	KindPointer Kind = "current"
)

// AllKinds lists every document kind.
var AllKinds = []Kind{KindCoupling, KindFamilies, KindThreshold, KindReward, KindRegime, KindStability}

const (
	pointerFile = "CURRENT"
	genPrefix   = "gen-"
)

// Envelope wraps every document on disk.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Kind          Kind            `json:"kind"`
	Generation    uint64          `json:"generation"`
	SavedAt       time.Time       `json:"saved_at"`
	Data          json.RawMessage `json:"data"`
}

type pointer struct {
	Generation  uint64    `json:"generation"`
	Dir         string    `json:"dir"`
	CommittedAt time.Time `json:"committed_at"`
}

// Documents keeps state under one directory. Every flush writes a complete
// gen-<n> directory; committing swaps the CURRENT pointer with a single
// rename, so readers only ever see documents written together.
type Documents struct {
	dir string
	mu  sync.Mutex // CURRENT and generation directories

	rename func(oldpath, newpath string) error
}

// NewDocuments creates the directory if needed.
func NewDocuments(dir string) (*Documents, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Documents{dir: dir, rename: os.Rename}, nil
}

// Dir returns the state directory.
func (d *Documents) Dir() string { return d.dir }

// Generation is one set of documents. A generation returned by Begin is
// writable until Commit or Abort; one returned by Current is read-only.
type Generation struct {
	d   *Documents
	id  uint64
	dir string
}

// ID returns the generation number.
func (g *Generation) ID() uint64 { return g.id }

// Dir returns the generation directory.
func (g *Generation) Dir() string { return g.dir }

// Path returns the file path of kind inside the generation.
func (g *Generation) Path(kind Kind) string {
	return filepath.Join(g.dir, string(kind)+".json")
}

func genName(id uint64) string { return fmt.Sprintf("%s%016d", genPrefix, id) }

func parseGen(name string) (uint64, bool) {
	if !strings.HasPrefix(name, genPrefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(name, genPrefix), 10, 64)
	return id, err == nil
}

// generations lists generation directory ids, ascending.
func (d *Documents) generations() ([]uint64, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		if id, ok := parseGen(e.Name()); ok && e.IsDir() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (d *Documents) readPointer() (pointer, error) {
	raw, err := os.ReadFile(filepath.Join(d.dir, pointerFile))
	if errors.Is(err, os.ErrNotExist) {
		return pointer{}, ErrNotFound
	}
	if err != nil {
		return pointer{}, fmt.Errorf("failed to read %s: %w", pointerFile, err)
	}
	var p pointer
	if err := json.Unmarshal(raw, &p); err != nil {
		return pointer{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, pointerFile, err)
	}
	if id, ok := parseGen(p.Dir); !ok || id != p.Generation || p.Dir != filepath.Base(p.Dir) {
		return pointer{}, fmt.Errorf("%w: %s names %q for generation %d", ErrCorrupt, pointerFile, p.Dir, p.Generation)
	}
	if st, err := os.Stat(filepath.Join(d.dir, p.Dir)); err != nil || !st.IsDir() {
		return pointer{}, fmt.Errorf("%w: %s points at missing %s", ErrCorrupt, pointerFile, p.Dir)
	}
	return p, nil
}

// Current returns the committed generation. ErrNotFound means nothing was
// ever committed; ErrCorrupt means CURRENT cannot be trusted.
func (d *Documents) Current() (*Generation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.readPointer()
	if err != nil {
		return nil, err
	}
	return &Generation{d: d, id: p.Generation, dir: filepath.Join(d.dir, p.Dir)}, nil
}

// Begin creates an empty generation numbered above every existing one.
func (d *Documents) Begin() (*Generation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids, err := d.generations()
	if err != nil {
		return nil, err
	}
	var next uint64 = 1
	if len(ids) > 0 {
		next = ids[len(ids)-1] + 1
	}
	if p, err := d.readPointer(); err == nil && p.Generation >= next {
		next = p.Generation + 1
	}
	dir := filepath.Join(d.dir, genName(next))
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create generation %d: %w", next, err)
	}
	return &Generation{d: d, id: next, dir: dir}, nil
}

// Save writes v into the generation. Different kinds may be saved
// concurrently.
func (g *Generation) Save(kind Kind, version int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	env := Envelope{SchemaVersion: version, Kind: kind, Generation: g.id, SavedAt: time.Now().UTC(), Data: data}
	buf, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", kind, err)
	}
	return writeAtomic(g.Path(kind), buf, g.d.rename)
}

// Commit makes g current and prunes every older generation except the one
// it replaces.
func (d *Documents) Commit(g *Generation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, perr := d.readPointer()
	if perr == nil && prev.Generation >= g.id {
		return fmt.Errorf("%w: %d is not after %d", ErrStaleGeneration, g.id, prev.Generation)
	}
	syncDir(g.dir)

	buf, err := json.MarshalIndent(pointer{Generation: g.id, Dir: genName(g.id), CommittedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", pointerFile, err)
	}
	if err := writeAtomic(filepath.Join(d.dir, pointerFile), buf, d.rename); err != nil {
		return fmt.Errorf("failed to commit generation %d: %w", g.id, err)
	}

	ids, err := d.generations()
	if err != nil {
		logging.StoreWarn("generation %d committed but not pruned: %v", g.id, err)
		return nil
	}
	for _, id := range ids {
		if id >= g.id || (perr == nil && id == prev.Generation) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(d.dir, genName(id))); err != nil {
			logging.StoreWarn("failed to prune generation %d: %v", id, err)
		}
	}
	logging.StoreDebug("committed generation %d", g.id)
	return nil
}

// Abort discards an uncommitted generation.
func (d *Documents) Abort(g *Generation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, err := d.readPointer(); err == nil && p.Generation == g.id {
		return
	}
	if err := os.RemoveAll(g.dir); err != nil {
		logging.StoreWarn("failed to discard generation %d: %v", g.id, err)
	}
}

// Load decodes kind into v and runs check on the result. A missing file
// yields ErrNotFound; anything malformed, or a document stamped with a
// different generation, yields ErrCorrupt. Fields absent from the document
// keep whatever v held before.
func (g *Generation) Load(kind Kind, maxVersion int, v any, check func() error) (Envelope, error) {
	raw, err := os.ReadFile(g.Path(kind))
	if errors.Is(err, os.ErrNotExist) {
		return Envelope{}, ErrNotFound
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to read %s: %w", kind, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s envelope: %v", ErrCorrupt, kind, err)
	}
	if env.Kind != "" && env.Kind != kind {
		return env, fmt.Errorf("%w: %s file holds kind %q", ErrCorrupt, kind, env.Kind)
	}
	if env.Generation != g.id {
		return env, fmt.Errorf("%w: %s belongs to generation %d, want %d", ErrCorrupt, kind, env.Generation, g.id)
	}
	if env.SchemaVersion < 1 || env.SchemaVersion > maxVersion {
		return env, fmt.Errorf("%w: %s schema version %d unsupported", ErrCorrupt, kind, env.SchemaVersion)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return env, fmt.Errorf("%w: %s has no data", ErrCorrupt, kind)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return env, fmt.Errorf("%w: %s data: %v", ErrCorrupt, kind, err)
	}
	if check != nil {
		if err := check(); err != nil {
			return env, fmt.Errorf("%w: %s: %v", ErrCorrupt, kind, err)
		}
	}
	logging.StoreDebug("loaded %s (generation %d, schema %d, saved %s)", kind, g.id, env.SchemaVersion, env.SavedAt.Format(time.RFC3339))
	return env, nil
}

// Quarantine moves a rejected document aside so it is never read again but
// remains available for inspection. It returns the new path.
func (g *Generation) Quarantine(kind Kind) (string, error) {
	g.d.mu.Lock()
	defer g.d.mu.Unlock()
	src := g.Path(kind)
	dst := fmt.Sprintf("%s.corrupt-%s", src, time.Now().UTC().Format("20060102-150405.000"))
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to quarantine %s: %w", kind, err)
	}
	logging.StoreWarn("quarantined corrupt %s document to %s", kind, dst)
	return dst, nil
}

// QuarantinePointer moves an untrusted CURRENT file aside.
func (d *Documents) QuarantinePointer() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	src := filepath.Join(d.dir, pointerFile)
	dst := fmt.Sprintf("%s.corrupt-%s", src, time.Now().UTC().Format("20060102-150405.000"))
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to quarantine %s: %w", pointerFile, err)
	}
	logging.StoreWarn("quarantined corrupt %s to %s", pointerFile, dst)
	return dst, nil
}

// Save replaces one document: it commits a new generation holding v and a
// copy of every other document of the current generation.
func (d *Documents) Save(kind Kind, version int, v any) error {
	cur, err := d.Current()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	g, err := d.Begin()
	if err != nil {
		return err
	}
	if cur != nil {
		for _, k := range AllKinds {
			if k == kind {
				continue
			}
			if err := g.carry(cur, k); err != nil {
				d.Abort(g)
				return err
			}
		}
	}
	if err := g.Save(kind, version, v); err != nil {
		d.Abort(g)
		return err
	}
	if err := d.Commit(g); err != nil {
		d.Abort(g)
		return err
	}
	return nil
}

// carry copies kind from src, restamped with g's generation. Undecodable
// documents are copied as-is so Load still rejects them.
func (g *Generation) carry(src *Generation, kind Kind) error {
	raw, err := os.ReadFile(src.Path(kind))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", kind, err)
	}
	var env Envelope
	if json.Unmarshal(raw, &env) == nil && env.Generation == src.id {
		env.Generation = g.id
		if buf, err := json.MarshalIndent(env, "", "  "); err == nil {
			raw = buf
		}
	}
	return writeAtomic(g.Path(kind), raw, g.d.rename)
}

// Load reads kind from the current generation.
func (d *Documents) Load(kind Kind, maxVersion int, v any, check func() error) (Envelope, error) {
	g, err := d.Current()
	if err != nil {
		return Envelope{}, err
	}
	return g.Load(kind, maxVersion, v, check)
}

// Path returns the file path of kind in the current generation, or "" when
// nothing is committed.
func (d *Documents) Path(kind Kind) string {
	g, err := d.Current()
	if err != nil {
		return ""
	}
	return g.Path(kind)
}

// Quarantine moves kind aside in the current generation.
func (d *Documents) Quarantine(kind Kind) (string, error) {
	g, err := d.Current()
	if err != nil {
		return "", err
	}
	return g.Quarantine(kind)
}

func writeAtomic(path string, data []byte, rename func(oldpath, newpath string) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	if df, err := os.Open(dir); err == nil {
		df.Sync()
		df.Close()
	}
}
