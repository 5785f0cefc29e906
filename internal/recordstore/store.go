// Package recordstore persists named JSON documents with atomic replace,
// rotating backups and structural repair on load.
//
// A document is a JSON object whose top-level values are kept as raw JSON so
// the store needs no knowledge of the schemas built on top of it. Each
// document is registered with a Schema naming its required top-level key,
// the keys of an empty default document and an optional repair pass.
//
// Load never fails because of corrupt content: an unparsable file is copied
// aside with a "corrupted" name and the newest parsable backup is restored in
// its place. Save writes to a temporary file, re-reads and re-parses it, then
// renames it over the target, restoring the pre-save backup on any failure.
package recordstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/mentorbot/internal/shared"
)

// timestampLayout is fixed width so lexical order matches chronological order.
const timestampLayout = "20060102_150405.000000"

// DefaultBackupRetention is the number of backups kept per document.
const DefaultBackupRetention = 20

// ErrUnchanged may be returned by an Update callback that made no change.
// Update then skips the save and returns nil.
var ErrUnchanged = errors.New("document unchanged")

// ErrMissingKey is returned by Save when the document lacks its required key.
var ErrMissingKey = fmt.Errorf("%w: document lacks its required key", shared.ErrSaveFailed)

// Document is a named JSON object with raw top-level values.
type Document map[string]json.RawMessage

// RepairCounts reports how many records a repair pass fixed, by category.
type RepairCounts map[string]int

// RepairFunc inspects a freshly parsed document and repairs it in place.
type RepairFunc func(doc Document) (RepairCounts, error)

// Schema describes one document kind.
type Schema struct {
	// Name is the file stem; the document lives at <dir>/<Name>.json.
	Name string
	// RequiredKey must be present, and hold a JSON object, for the document
	// to be considered parsable.
	RequiredKey string
	// Keys are the top-level keys of an empty default document.
	Keys []string
	// Repair runs after every successful parse. Optional.
	Repair RepairFunc
}

func (sc Schema) defaultDocument() Document {
	doc := Document{sc.RequiredKey: json.RawMessage("{}")}
	for _, k := range sc.Keys {
		doc[k] = json.RawMessage("{}")
	}
	return doc
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBackupRetention caps the number of backups kept per document.
func WithBackupRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retain = n
		}
	}
}

// WithClock replaces time.Now for backup naming.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store loads and saves registered documents under one directory.
type Store struct {
	dir    string
	retain int
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	schemas map[string]Schema
	locks   map[string]*sync.Mutex

	// verify re-reads a freshly written temporary file. Replaced in tests.
	verify func(path string, schema Schema) error
}

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s := &Store{
		dir:     dir,
		retain:  DefaultBackupRetention,
		logger:  slog.Default(),
		now:     time.Now,
		schemas: make(map[string]Schema),
		locks:   make(map[string]*sync.Mutex),
	}
	s.verify = s.verifyFile
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register adds or replaces a document schema.
func (s *Store) Register(schema Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[schema.Name] = schema
	if _, ok := s.locks[schema.Name]; !ok {
		s.locks[schema.Name] = &sync.Mutex{}
	}
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path of a document.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *Store) lookup(name string) (Schema, *sync.Mutex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schema, ok := s.schemas[name]
	if !ok {
		return Schema{}, nil, fmt.Errorf("document %q is not registered", name)
	}
	return schema, s.locks[name], nil
}

// Load returns the document, repaired, or an empty default document when
// the file is missing or unrecoverable. Only filesystem errors other than
// "not exist" are returned.
func (s *Store) Load(name string) (Document, error) {
	schema, lock, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()
	return s.load(schema)
}

// Save atomically replaces the document on disk. On failure the previous
// file content is restored and an error wrapping shared.ErrSaveFailed is
// returned.
func (s *Store) Save(name string, doc Document) error {
	schema, lock, err := s.lookup(name)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()
	return s.save(schema, doc)
}

// Update performs a load-mutate-save cycle while holding the document lock,
// so overlapping writers in this process are serialized. If fn returns an
// error nothing is written.
func (s *Store) Update(name string, fn func(doc Document) error) error {
	schema, lock, err := s.lookup(name)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.load(schema)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return nil
		}
		return err
	}
	return s.save(schema, doc)
}

// Peek parses the on-disk document without repair or recovery. It reports
// corruption as an error instead of healing it, for integrity checks.
func (s *Store) Peek(name string) (Document, error) {
	schema, lock, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return schema.defaultDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", name, err)
	}
	return parse(data, schema)
}

func (s *Store) load(schema Schema) (Document, error) {
	path := s.Path(schema.Name)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("Document not found, starting empty", "document", schema.Name)
		return schema.defaultDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", schema.Name, err)
	}

	doc, err := parse(data, schema)
	if err != nil {
		s.logger.Error("Document is corrupted", "document", schema.Name, "error", err)
		s.quarantine(schema, path)
		doc = s.recover(schema)
	}

	if schema.Repair != nil {
		counts, err := schema.Repair(doc)
		if err != nil {
			s.logger.Error("Document repair failed", "document", schema.Name, "error", err)
		}
		for category, n := range counts {
			if n > 0 {
				s.logger.Info("Document repaired", "document", schema.Name, "repair", category, "count", n)
			}
		}
	}
	for _, k := range append([]string{schema.RequiredKey}, schema.Keys...) {
		if _, ok := doc[k]; !ok {
			doc[k] = json.RawMessage("{}")
		}
	}
	return doc, nil
}

// quarantine copies a bad file aside so it can be inspected later.
func (s *Store) quarantine(schema Schema, path string) {
	dst := filepath.Join(s.dir, schema.Name+"_corrupted_"+s.now().Format(timestampLayout)+".json")
	if err := copyFile(path, dst); err != nil {
		s.logger.Warn("Failed to copy corrupted document aside", "document", schema.Name, "error", err)
		return
	}
	s.logger.Info("Corrupted document copied aside", "document", schema.Name, "path", dst)
}

// recover walks backups newest first and restores the first parsable one.
func (s *Store) recover(schema Schema) Document {
	backups, err := s.Backups(schema.Name)
	if err != nil {
		s.logger.Error("Failed to list backups", "document", schema.Name, "error", err)
	}
	for _, b := range backups {
		data, err := os.ReadFile(b)
		if err != nil {
			s.logger.Warn("Failed to read backup", "path", b, "error", err)
			continue
		}
		doc, err := parse(data, schema)
		if err != nil {
			s.logger.Warn("Backup is not parsable, trying older", "path", b, "error", err)
			continue
		}
		if err := copyFile(b, s.Path(schema.Name)); err != nil {
			s.logger.Error("Failed to restore backup over document", "path", b, "error", err)
		} else {
			s.logger.Info("Document restored from backup", "document", schema.Name, "backup", b)
		}
		return doc
	}
	s.logger.Info("No usable backup, starting empty", "document", schema.Name)
	return schema.defaultDocument()
}

func (s *Store) save(schema Schema, doc Document) (err error) {
	if _, ok := doc[schema.RequiredKey]; !ok {
		s.logger.Error("Refusing to save document without required key", "document", schema.Name, "key", schema.RequiredKey)
		return fmt.Errorf("save %s: %w", schema.Name, ErrMissingKey)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("save %s: %w: marshal: %v", schema.Name, shared.ErrSaveFailed, err)
	}
	data = append(data, '\n')

	path := s.Path(schema.Name)
	backup := s.backup(schema, path)

	tmp := path + ".tmp"
	defer func() {
		if err == nil {
			return
		}
		s.logger.Error("Save failed", "document", schema.Name, "error", err)
		if backup != "" {
			if restoreErr := copyFile(backup, path); restoreErr != nil {
				s.logger.Error("Failed to restore backup after save failure", "backup", backup, "error", restoreErr)
			} else {
				s.logger.Info("Document restored from backup after save failure", "backup", backup)
			}
		}
		if removeErr := os.Remove(tmp); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			s.logger.Warn("Failed to remove temporary file", "path", tmp, "error", removeErr)
		}
		err = fmt.Errorf("save %s: %w: %v", schema.Name, shared.ErrSaveFailed, err)
	}()

	if err := writeSynced(tmp, data); err != nil {
		return err
	}
	if err := s.verify(tmp, schema); err != nil {
		return fmt.Errorf("verify temporary file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temporary file into place: %w", err)
	}
	if dir, openErr := os.Open(s.dir); openErr == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}

	s.prune(schema.Name)
	return nil
}

// backup copies the current file aside. Failure is logged and does not
// abort the save; the returned path is empty when no backup exists.
func (s *Store) backup(schema Schema, path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	dst := filepath.Join(s.dir, schema.Name+"_backup_"+s.now().Format(timestampLayout)+".json")
	if err := copyFile(path, dst); err != nil {
		s.logger.Warn("Failed to create backup", "document", schema.Name, "error", err)
		return ""
	}
	s.logger.Debug("Backup created", "document", schema.Name, "path", dst)
	return dst
}

func (s *Store) verifyFile(path string, schema Schema) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = parse(data, schema)
	return err
}

// Backups lists backup files of a document, newest first.
func (s *Store) Backups(name string) ([]string, error) {
	return s.listByPrefix(name + "_backup_")
}

// Corrupted lists quarantined copies of a document, newest first.
func (s *Store) Corrupted(name string) ([]string, error) {
	return s.listByPrefix(name + "_corrupted_")
}

func (s *Store) listByPrefix(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list data directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, prefix) || !strings.HasSuffix(n, ".json") {
			continue
		}
		out = append(out, filepath.Join(s.dir, n))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// prune removes backups beyond the retention limit.
func (s *Store) prune(name string) {
	backups, err := s.Backups(name)
	if err != nil || len(backups) <= s.retain {
		return
	}
	for _, b := range backups[s.retain:] {
		if err := os.Remove(b); err != nil {
			s.logger.Warn("Failed to remove old backup", "path", b, "error", err)
		}
	}
}

func parse(data []byte, schema Schema) (Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("document is empty")
	}
	var doc Document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	raw, ok := doc[schema.RequiredKey]
	if !ok {
		return nil, fmt.Errorf("missing required key %q", schema.RequiredKey)
	}
	if !isObject(raw) {
		return nil, fmt.Errorf("key %q is not an object", schema.RequiredKey)
	}
	return doc, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temporary file: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
