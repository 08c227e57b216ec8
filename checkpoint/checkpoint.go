// Package checkpoint persists and restores training state: model and
// optimizer variables, RNG state, the global step and the epoch counter,
// bundled with a snapshot of the configuration that produced them.
//
// One bundle per epoch, in a directory named so the epoch number is
// recoverable by inspection (lexical order == numeric order). A bundle is
// written to a temporary directory first and renamed into its slot, so a
// crash mid-save never corrupts a previously saved checkpoint. Retention
// deletes the oldest bundles only after a new save fully succeeded.
//
// Restoring is lazy, the way the gomlx checkpoints package works: Manager
// implements context.Loader, so each variable picks up its stored value at
// creation time, and variables the stored model does not know keep their
// fresh initialization.
package checkpoint

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/speakergen/config"
)

// FormatVersion of the bundle layout. Bumped on incompatible changes.
const FormatVersion = 1

const (
	manifestFileName  = "manifest.json"
	variablesFileName = "variables.bin"
	configFileName    = "config.json"
	epochDirPrefix    = "epoch-"
	tmpDirPrefix      = "tmp-"
	oldDirSuffix      = ".old"
)

var (
	// ErrNotFound reports a resume target that does not exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt reports a bundle that fails its internal consistency check.
	// It is fatal: training must not silently proceed from it.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// VarInfo indexes one stored variable in the manifest.
type VarInfo struct {
	Scope, Name string
	DType       string
	Dimensions  []int
}

// Manifest describes one bundle.
type Manifest struct {
	Version    int
	Epoch      int
	GlobalStep int64
	RunID      string
	Variables  []VarInfo
}

type varKey struct{ scope, name string }

// Manager owns one checkpoint directory.
type Manager struct {
	dir  string
	keep int

	mu       sync.Mutex
	manifest *Manifest
	loaded   map[varKey]*tensors.Tensor
}

// Compile-time check that Manager can be plugged into a context.
var _ context.Loader = (*Manager)(nil)

// New creates a Manager over dir, creating it if needed. keep is the
// retention limit (-1 keeps everything). Stale directories left by a crashed
// save -- temp directories and displaced ".old" slots -- are removed.
func New(dir string, keep int) (*Manager, error) {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %q", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint directory %q", dir)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), tmpDirPrefix) || strings.HasSuffix(entry.Name(), oldDirSuffix) {
			stale := filepath.Join(dir, entry.Name())
			klog.Warningf("removing stale checkpoint directory %q", stale)
			_ = os.RemoveAll(stale)
		}
	}
	return &Manager{dir: dir, keep: keep}, nil
}

// Dir of the managed checkpoints.
func (m *Manager) Dir() string { return m.dir }

func epochDirName(epoch int) string {
	return fmt.Sprintf("%s%08d", epochDirPrefix, epoch)
}

// Epochs lists the epochs that have a bundle on disk, ascending.
func (m *Manager) Epochs() ([]int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint directory %q", m.dir)
	}
	var epochs []int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), epochDirPrefix) {
			continue
		}
		// Strict parse: "epoch-00000001.old" and the like are not slots.
		epoch, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), epochDirPrefix))
		if err != nil {
			continue
		}
		epochs = append(epochs, epoch)
	}
	sort.Ints(epochs)
	return epochs, nil
}

// Save snapshots every variable of ctx plus cfg into the slot for epoch,
// atomically, then applies the retention policy. It must be called at a step
// boundary, when model, optimizer and step counters are mutually consistent.
func (m *Manager) Save(ctx *context.Context, cfg *config.Config, epoch int, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Read (creating if absent) the global step before enumerating, so the
	// counter variable itself is part of the bundle.
	globalStep := optimizers.GetGlobalStep(ctx)

	// Stable order: the gob stream is indexed by the manifest.
	var variables []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		variables = append(variables, v)
	})
	sort.Slice(variables, func(i, j int) bool {
		if variables[i].Scope() != variables[j].Scope() {
			return variables[i].Scope() < variables[j].Scope()
		}
		return variables[i].Name() < variables[j].Name()
	})

	manifest := &Manifest{
		Version:    FormatVersion,
		Epoch:      epoch,
		GlobalStep: globalStep,
		RunID:      runID,
		Variables:  make([]VarInfo, 0, len(variables)),
	}
	for _, v := range variables {
		shape := v.Shape()
		manifest.Variables = append(manifest.Variables, VarInfo{
			Scope:      v.Scope(),
			Name:       v.Name(),
			DType:      shape.DType.String(),
			Dimensions: shape.Dimensions,
		})
	}

	tmpDir, err := os.MkdirTemp(m.dir, tmpDirPrefix)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint temp directory under %q", m.dir)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }() // No-op after a successful rename.

	if err = m.writeBundle(tmpDir, manifest, cfg, variables); err != nil {
		return err
	}

	slot := filepath.Join(m.dir, epochDirName(epoch))
	if err = replaceDir(tmpDir, slot); err != nil {
		return errors.Wrapf(err, "failed to move checkpoint into slot %q", slot)
	}
	klog.V(1).Infof("checkpoint saved: epoch=%d global_step=%d -> %s",
		epoch, manifest.GlobalStep, slot)

	m.applyRetention(epoch)
	return nil
}

func (m *Manager) writeBundle(dir string, manifest *Manifest, cfg *config.Config,
	variables []*context.Variable) error {
	manifestBytes, err := json.MarshalIndent(manifest, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize checkpoint manifest")
	}
	if err = os.WriteFile(filepath.Join(dir, manifestFileName), manifestBytes, 0644); err != nil {
		return errors.Wrapf(err, "failed to write checkpoint manifest")
	}
	if err = config.Save(cfg, filepath.Join(dir, configFileName)); err != nil {
		return errors.WithMessagef(err, "failed to write checkpoint config snapshot")
	}

	f, err := os.Create(filepath.Join(dir, variablesFileName))
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint variables file")
	}
	enc := gob.NewEncoder(f)
	for _, v := range variables {
		if err = v.Value().GobSerialize(enc); err != nil {
			_ = f.Close()
			return errors.WithMessagef(err, "failed to serialize variable %s/%s", v.Scope(), v.Name())
		}
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to sync checkpoint variables file")
	}
	return errors.Wrapf(f.Close(), "failed to close checkpoint variables file")
}

// replaceDir renames src into dst, replacing dst if it already exists (a
// mid-epoch checkpoint overwriting the same epoch slot).
func replaceDir(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		old := dst + oldDirSuffix
		_ = os.RemoveAll(old)
		if err := os.Rename(dst, old); err != nil {
			return err
		}
		if err := os.Rename(src, dst); err != nil {
			return err
		}
		return os.RemoveAll(old)
	}
	return os.Rename(src, dst)
}

// applyRetention removes the oldest bundles beyond the keep limit. Only
// called after a successful save; the just-written epoch is never removed.
func (m *Manager) applyRetention(justSaved int) {
	if m.keep < 0 {
		return
	}
	epochs, err := m.Epochs()
	if err != nil {
		klog.Warningf("checkpoint retention skipped: %v", err)
		return
	}
	for len(epochs) > m.keep {
		oldest := epochs[0]
		epochs = epochs[1:]
		if oldest == justSaved {
			continue
		}
		victim := filepath.Join(m.dir, epochDirName(oldest))
		if err := os.RemoveAll(victim); err != nil {
			klog.Warningf("checkpoint retention failed to remove %q: %v", victim, err)
		}
	}
}

// LoadLatest loads the bundle with the highest epoch number.
func (m *Manager) LoadLatest() (*Manifest, *config.Config, error) {
	epochs, err := m.Epochs()
	if err != nil {
		return nil, nil, err
	}
	if len(epochs) == 0 {
		return nil, nil, errors.Wrapf(ErrNotFound, "no checkpoints in %q", m.dir)
	}
	return m.Load(epochs[len(epochs)-1])
}

// Load reads the bundle for epoch into memory and verifies its consistency.
// The variable values are handed to the context lazily afterwards, through
// the context.Loader interface (call ctx.SetLoader(manager)).
//
// A missing slot returns ErrNotFound; an internally inconsistent bundle
// (version mismatch, truncated variable stream, stored shapes disagreeing
// with the architecture implied by the stored config) returns ErrCorrupt.
func (m *Manager) Load(epoch int) (*Manifest, *config.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := filepath.Join(m.dir, epochDirName(epoch))
	if _, err := os.Stat(slot); err != nil {
		return nil, nil, errors.Wrapf(ErrNotFound, "no checkpoint for epoch %d in %q", epoch, m.dir)
	}

	manifestBytes, err := os.ReadFile(filepath.Join(slot, manifestFileName))
	if err != nil {
		return nil, nil, errors.Wrapf(ErrCorrupt, "checkpoint %q has no readable manifest: %v", slot, err)
	}
	manifest := &Manifest{}
	if err = json.Unmarshal(manifestBytes, manifest); err != nil {
		return nil, nil, errors.Wrapf(ErrCorrupt, "checkpoint %q manifest is malformed: %v", slot, err)
	}
	if manifest.Version != FormatVersion {
		return nil, nil, errors.Wrapf(ErrCorrupt,
			"checkpoint %q has format version %d, this build reads version %d",
			slot, manifest.Version, FormatVersion)
	}
	if manifest.Epoch != epoch {
		return nil, nil, errors.Wrapf(ErrCorrupt,
			"checkpoint %q manifest claims epoch %d", slot, manifest.Epoch)
	}

	cfg, err := config.Load(filepath.Join(slot, configFileName))
	if err != nil {
		return nil, nil, errors.Wrapf(ErrCorrupt, "checkpoint %q config snapshot: %v", slot, err)
	}

	f, err := os.Open(filepath.Join(slot, variablesFileName))
	if err != nil {
		return nil, nil, errors.Wrapf(ErrCorrupt, "checkpoint %q has no readable variables file: %v", slot, err)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	loaded := make(map[varKey]*tensors.Tensor, len(manifest.Variables))
	for _, info := range manifest.Variables {
		value, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrCorrupt,
				"checkpoint %q variable stream truncated at %s/%s: %v", slot, info.Scope, info.Name, err)
		}
		shape := value.Shape()
		if shape.DType.String() != info.DType || !equalDims(shape.Dimensions, info.Dimensions) {
			return nil, nil, errors.Wrapf(ErrCorrupt,
				"checkpoint %q variable %s/%s stored as %s but indexed as %s%v",
				slot, info.Scope, info.Name, shape, info.DType, info.Dimensions)
		}
		loaded[varKey{info.Scope, info.Name}] = value
	}

	if err = checkArchitecture(cfg, loaded); err != nil {
		return nil, nil, errors.Wrapf(ErrCorrupt, "checkpoint %q: %v", slot, err)
	}

	m.manifest = manifest
	m.loaded = loaded
	klog.V(1).Infof("checkpoint loaded: epoch=%d global_step=%d run=%s (%d variables)",
		manifest.Epoch, manifest.GlobalStep, manifest.RunID, len(loaded))
	return manifest, cfg, nil
}

// checkArchitecture verifies the stored variables against the architecture
// the stored config implies, where that is cheap to derive: the speaker
// posterior tables are [NumSpeakers, SpeakerDim] by construction.
func checkArchitecture(cfg *config.Config, loaded map[varKey]*tensors.Tensor) error {
	for _, name := range []string{"posterior_mean", "posterior_log_stddev"} {
		value, found := loaded[varKey{"/speaker", name}]
		if !found {
			continue
		}
		want := []int{cfg.Data.NumSpeakers, cfg.Model.SpeakerDim}
		if !equalDims(value.Shape().Dimensions, want) {
			return errors.Errorf("speaker table %q has shape %v, config implies %v",
				name, value.Shape().Dimensions, want)
		}
	}
	return nil
}

func equalDims(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Manifest of the last loaded bundle, nil before Load.
func (m *Manager) LoadedManifest() *Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manifest
}

// LoadVariable implements context.Loader: it hands a stored value to the
// context the first time the corresponding variable is created. Ownership
// transfers; each value is delivered at most once.
func (m *Manager) LoadVariable(ctx *context.Context, scope, name string) (*tensors.Tensor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := varKey{scope, name}
	value, found := m.loaded[key]
	if found {
		delete(m.loaded, key)
	}
	return value, found
}

// DeleteVariable implements context.Loader.
func (m *Manager) DeleteVariable(ctx *context.Context, scope, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loaded, varKey{scope, name})
}
