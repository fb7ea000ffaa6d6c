// Package registry stores trained classifiers and their metadata on disk.
//
// Layout under the models directory:
//
//	{type}/{user}/{type}_model.gbm.zst   zstd-compressed classifier
//	{type}/{user}/{type}_info.json       model.Info, schema-validated
//	multi_binary_classifier.gbm.zst      the multi-binary ensemble
//
// Both files of a model are replaced by write-then-rename. The info file
// records the BLAKE2b-256 digest of the artifact, which is checked on load.
// The directory scan is the source of truth for which users have trained
// models.
package registry

import (
	"bytes"
	_ "embed"
	"encoding"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/crypto/blake2b"

	"keyguard/internal/errs"
	"keyguard/internal/model"
	"keyguard/internal/security"
)

const (
	// EnsembleFile is the ensemble artifact name under the models directory.
	EnsembleFile = "multi_binary_classifier.gbm.zst"

	modelSuffix = "_model.gbm.zst"
	infoSuffix  = "_info.json"

	defaultCacheSize = 64
	maxArtifactSize  = 256 << 20
	maxInfoSize      = 1 << 20
)

//go:embed schema/info.schema.json
var infoSchemaJSON []byte

const infoSchemaURL = "info.schema.json"

// Entry is one trained model found by ListTrained.
type Entry struct {
	Username  string
	Info      *model.Info
	ModelPath string
}

// File describes one file under the models directory.
type File struct {
	Path      string    `json:"path"`
	ModelType string    `json:"model_type,omitempty"`
	Username  string    `json:"username,omitempty"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
}

// Registry is safe for concurrent use.
type Registry struct {
	dir     string
	factory model.Factory
	schema  *jsonschema.Schema
	cache   *lru.Cache[string, model.Classifier]
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger

	mu sync.Mutex // serializes writers
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New opens the registry rooted at dir, creating it if needed.
func New(dir string, factory model.Factory, opts ...Option) (*Registry, error) {
	if err := security.EnsurePrivateDir(dir); err != nil {
		return nil, fmt.Errorf("create models dir: %w", errs.IO(err))
	}
	schema, err := compileSchema(infoSchemaURL, infoSchemaJSON)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, model.Classifier](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	r := &Registry{
		dir:     dir,
		factory: factory,
		schema:  schema,
		cache:   cache,
		encoder: encoder,
		decoder: decoder,
		logger:  slog.Default().With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close releases the codec resources.
func (r *Registry) Close() error {
	r.decoder.Close()
	return r.encoder.Close()
}

func compileSchema(url string, data []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Dir returns the models directory.
func (r *Registry) Dir() string { return r.dir }

// ModelPath returns the artifact path of a user's model.
func (r *Registry) ModelPath(t model.Type, username string) string {
	return filepath.Join(r.dir, string(t), username, string(t)+modelSuffix)
}

// InfoPath returns the metadata path of a user's model.
func (r *Registry) InfoPath(t model.Type, username string) string {
	return filepath.Join(r.dir, string(t), username, string(t)+infoSuffix)
}

// EnsemblePath returns the ensemble artifact path.
func (r *Registry) EnsemblePath() string {
	return filepath.Join(r.dir, EnsembleFile)
}

func checkKey(t model.Type, username string) error {
	if !t.Binary() {
		return fmt.Errorf("model type %q is not stored per user: %w", t, errs.ErrInvalidArgument)
	}
	return security.ValidateUsername(username)
}

// Load returns the classifier and metadata of a user's model. Both are nil
// when no model has been saved; an untrained entry returns only its info.
func (r *Registry) Load(t model.Type, username string) (model.Classifier, *model.Info, error) {
	if err := checkKey(t, username); err != nil {
		return nil, nil, err
	}
	info, err := r.LoadInfo(t, username)
	if err != nil || info == nil {
		return nil, nil, err
	}
	if !info.IsTrained {
		return nil, info, nil
	}

	path := r.ModelPath(t, username)
	key := path + "@" + info.ArtifactDigest
	if clf, ok := r.cache.Get(key); ok {
		return clf, info, nil
	}

	raw, err := security.ReadFileLimited(path, maxArtifactSize)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, errs.IO(err))
	}
	if info.ArtifactDigest != "" && digest(raw) != info.ArtifactDigest {
		return nil, nil, fmt.Errorf("artifact %s digest mismatch: %w", path, errs.ErrSchema)
	}
	clf := r.factory.New(info.Parameters)
	if err := r.decode(raw, clf); err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}
	r.cache.Add(key, clf)
	return clf, info, nil
}

// LoadInfo reads and validates a user's metadata, or returns nil when none
// exists.
func (r *Registry) LoadInfo(t model.Type, username string) (*model.Info, error) {
	if err := checkKey(t, username); err != nil {
		return nil, err
	}
	return r.readInfo(r.InfoPath(t, username))
}

func (r *Registry) readInfo(path string) (*model.Info, error) {
	data, err := security.ReadFileLimited(path, maxInfoSize)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, errs.IO(err))
	}
	if err := r.validate(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var info model.Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode %s: %v: %w", path, err, errs.ErrSchema)
	}
	return &info, nil
}

func (r *Registry) validate(data []byte) error {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("decode info: %v: %w", err, errs.ErrSchema)
	}
	if err := r.schema.Validate(instance); err != nil {
		return fmt.Errorf("info schema: %v: %w", err, errs.ErrSchema)
	}
	return nil
}

// Save writes the artifact and its metadata. info.ArtifactDigest is filled
// in from the encoded artifact.
func (r *Registry) Save(t model.Type, username string, clf model.Classifier, info *model.Info) error {
	if err := checkKey(t, username); err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("save %s/%s without info: %w", t, username, errs.ErrInvalidArgument)
	}
	raw, err := r.encode(clf)
	if err != nil {
		return err
	}

	out := *info
	out.ModelType = t
	out.Username = username
	out.ArtifactDigest = digest(raw)
	if out.Report == nil {
		out.Report = map[string]model.ClassReport{}
	}
	meta, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode info: %w", err)
	}
	if err := r.validate(meta); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := security.WriteFileAtomic(r.ModelPath(t, username), raw, security.PermPrivateFile); err != nil {
		return fmt.Errorf("write artifact: %w", errs.IO(err))
	}
	if err := security.WriteFileAtomic(r.InfoPath(t, username), meta, security.PermPrivateFile); err != nil {
		return fmt.Errorf("write info: %w", errs.IO(err))
	}
	r.cache.Add(r.ModelPath(t, username)+"@"+out.ArtifactDigest, clf)
	*info = out
	r.logger.Info("model saved", "model_type", t, "username", username, "bytes", len(raw))
	return nil
}

// ListTrained scans the directory of a model type and returns the users
// whose info is trained and whose artifact exists, sorted by name.
func (r *Registry) ListTrained(t model.Type) ([]Entry, error) {
	typeDir := filepath.Join(r.dir, string(t))
	dirs, err := os.ReadDir(typeDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", typeDir, errs.IO(err))
	}
	var out []Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		username := d.Name()
		if security.ValidateUsername(username) != nil {
			continue
		}
		info, err := r.readInfo(r.InfoPath(t, username))
		if err != nil {
			r.logger.Warn("skipping unreadable model info", "model_type", t, "username", username, "error", err)
			continue
		}
		if info == nil || !info.IsTrained {
			continue
		}
		path := r.ModelPath(t, username)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		out = append(out, Entry{Username: username, Info: info, ModelPath: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// SaveEnsemble writes the ensemble artifact.
func (r *Registry) SaveEnsemble(m encoding.BinaryMarshaler) error {
	raw, err := r.encode(m)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := security.WriteFileAtomic(r.EnsemblePath(), raw, security.PermPrivateFile); err != nil {
		return fmt.Errorf("write ensemble: %w", errs.IO(err))
	}
	return nil
}

// LoadEnsemble decodes the ensemble artifact into u. It reports false when
// no ensemble has been saved.
func (r *Registry) LoadEnsemble(u encoding.BinaryUnmarshaler) (bool, error) {
	raw, err := security.ReadFileLimited(r.EnsemblePath(), maxArtifactSize)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read ensemble: %w", errs.IO(err))
	}
	if err := r.decode(raw, u); err != nil {
		return false, fmt.Errorf("load ensemble: %w", err)
	}
	return true, nil
}

// ListFiles returns every regular file under the models directory.
func (r *Registry) ListFiles() ([]File, error) {
	var out []File
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), ".tmp.") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(r.dir, path)
		f := File{Path: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()}
		if parts := strings.Split(f.Path, "/"); len(parts) == 3 {
			f.ModelType, f.Username = parts[0], parts[1]
		}
		out = append(out, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", r.dir, errs.IO(err))
	}
	return out, nil
}

func (r *Registry) encode(m encoding.BinaryMarshaler) ([]byte, error) {
	data, err := m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode classifier: %w", err)
	}
	return r.encoder.EncodeAll(data, make([]byte, 0, len(data)/4)), nil
}

func (r *Registry) decode(raw []byte, u encoding.BinaryUnmarshaler) error {
	data, err := r.decoder.DecodeAll(raw, nil)
	if err != nil {
		return fmt.Errorf("failed to decompress with zstd: %v: %w", err, errs.ErrSchema)
	}
	return u.UnmarshalBinary(data)
}

func digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
