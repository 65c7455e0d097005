// Package config loads the global defaults and the mount registry from their
// persisted files and resolves mount definitions against the defaults.
// Both are loaded once at process start and are read-only for the duration of
// a run; only the import path appends new definitions.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automnt/pkg/utils"
)

//go:embed config.default.json
var defaultConfig []byte

// Registry holds the global defaults and the set of mount definitions.
type Registry struct {
	global GlobalConfig

	// mounts preserves file order for listing and saving
	mounts []MountDefinition
	byName map[string]*MountDefinition

	// invalid marks definitions that failed structural validation at load
	invalid map[string]string

	mountsPath string
}

// Load reads the global configuration and the mounts file. A missing config
// file falls back to embedded defaults; a missing mounts file yields an empty
// registry. Definitions failing validation are kept but marked invalid, so
// they show up in listings and resolve to InvalidDefinition.
func Load(configPath, mountsPath string) (*Registry, error) {
	global, err := loadGlobal(configPath)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		global:     global,
		byName:     make(map[string]*MountDefinition),
		invalid:    make(map[string]string),
		mountsPath: mountsPath,
	}

	if err := r.loadMounts(); err != nil {
		return nil, err
	}

	klog.V(2).Infof("Loaded registry: %d mounts (%d invalid), base dir %s",
		len(r.mounts), len(r.invalid), global.MountBaseDir)
	return r, nil
}

// loadGlobal layers the config file over the embedded defaults, beta9-style:
// defaults from rawbytes, then the file provider when the file exists.
func loadGlobal(configPath string) (GlobalConfig, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultConfig), koanfjson.Parser()); err != nil {
		return GlobalConfig{}, fmt.Errorf("failed to load default config: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), koanfjson.Parser()); err != nil {
				return GlobalConfig{}, fmt.Errorf("failed to load config from %s: %w", configPath, err)
			}
			klog.V(4).Infof("Loaded global config from %s", configPath)
		}
	}

	var global GlobalConfig
	if err := k.UnmarshalWithConf("global_config", &global, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return GlobalConfig{}, fmt.Errorf("failed to unmarshal global config: %w", err)
	}

	if global.MountBaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return GlobalConfig{}, fmt.Errorf("failed to determine home directory for mount base dir: %w", err)
		}
		global.MountBaseDir = filepath.Join(home, "mounts")
	}

	return global, nil
}

func (r *Registry) loadMounts() error {
	data, err := os.ReadFile(r.mountsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read mounts file %s: %w", r.mountsPath, err)
	}

	var mounts []MountDefinition
	if err := json.Unmarshal(data, &mounts); err != nil {
		return fmt.Errorf("failed to parse mounts file %s: %w", r.mountsPath, err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	for i := range mounts {
		def := &mounts[i]
		if def.Name == "" {
			klog.Warningf("Skipping unnamed mount definition at index %d", i)
			continue
		}
		if _, dup := r.byName[def.Name]; dup {
			klog.Warningf("Duplicate mount definition %q, keeping first", def.Name)
			continue
		}
		if err := validate.Struct(def); err != nil {
			klog.Warningf("Mount %q disabled due to invalid configuration: %v", def.Name, err)
			r.invalid[def.Name] = err.Error()
		}
		r.mounts = append(r.mounts, *def)
		r.byName[def.Name] = &r.mounts[len(r.mounts)-1]
	}

	// re-point byName after append moves the backing array
	r.byName = make(map[string]*MountDefinition, len(r.mounts))
	for i := range r.mounts {
		r.byName[r.mounts[i].Name] = &r.mounts[i]
	}

	return nil
}

// Global returns the loaded global defaults.
func (r *Registry) Global() GlobalConfig {
	return r.global
}

// Resolve merges the global defaults into the named definition and computes
// the final mount path. Field-by-field: mount-level values win, and the
// options list is replaced wholesale, never merged.
func (r *Registry) Resolve(name string) (*ResolvedMount, error) {
	def, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("mount %q: %w", name, utils.ErrUnknownMount)
	}

	if reason, bad := r.invalid[name]; bad {
		return nil, fmt.Errorf("mount %q (%s): %w", name, reason, utils.ErrInvalidDefinition)
	}

	resolved := &ResolvedMount{
		Name:        def.Name,
		RemoteName:  def.Remote.Name,
		RemoteType:  def.Remote.Type,
		MountPoint:  def.MountPoint,
		Options:     def.Options,
		AutoRestart: r.global.DefaultAutoRestart,
		Enable:      r.global.DefaultEnable,
		Description: def.Description,
	}

	if def.AutoRestart != nil {
		resolved.AutoRestart = *def.AutoRestart
	}
	if def.Enable != nil {
		resolved.Enable = *def.Enable
	}
	if resolved.Options == nil {
		resolved.Options = r.global.DefaultOptions
	}
	if resolved.Description == "" {
		resolved.Description = r.global.DefaultDescription
	}

	if resolved.MountPoint == "" {
		resolved.MountPoint = filepath.Join(r.global.MountBaseDir, def.Name)
	}

	if err := r.checkMountPath(def, resolved.MountPoint); err != nil {
		return nil, err
	}

	return resolved, nil
}

// checkMountPath rejects empty paths and computed paths that escape the base
// directory. An explicitly configured absolute path may live anywhere; a path
// derived from the mount name must stay under mount_base_dir.
func (r *Registry) checkMountPath(def *MountDefinition, path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("mount %q: empty mount path: %w", def.Name, utils.ErrInvalidDefinition)
	}

	if def.MountPoint != "" {
		if !filepath.IsAbs(def.MountPoint) {
			return fmt.Errorf("mount %q: mount path %q is not absolute: %w",
				def.Name, def.MountPoint, utils.ErrInvalidDefinition)
		}
		return nil
	}

	rel, err := filepath.Rel(r.global.MountBaseDir, filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("mount %q: computed path %q escapes base dir %s: %w",
			def.Name, path, r.global.MountBaseDir, utils.ErrInvalidDefinition)
	}

	return nil
}

// ListNames returns mount names in definition order. With enabledOnly set,
// disabled and invalid definitions are skipped.
func (r *Registry) ListNames(enabledOnly bool) []string {
	names := make([]string, 0, len(r.mounts))
	for i := range r.mounts {
		def := &r.mounts[i]
		if enabledOnly {
			if _, bad := r.invalid[def.Name]; bad {
				continue
			}
			enabled := r.global.DefaultEnable
			if def.Enable != nil {
				enabled = *def.Enable
			}
			if !enabled {
				continue
			}
		}
		names = append(names, def.Name)
	}
	return names
}

// Add appends a new definition. Returns false if the name already exists.
// Used only by the import path; the supervisor never mutates the registry.
func (r *Registry) Add(def MountDefinition) bool {
	if _, exists := r.byName[def.Name]; exists {
		return false
	}
	r.mounts = append(r.mounts, def)
	r.byName = make(map[string]*MountDefinition, len(r.mounts))
	for i := range r.mounts {
		r.byName[r.mounts[i].Name] = &r.mounts[i]
	}
	return true
}

// Save writes the mount definitions back to the mounts file using a
// stage-then-replace write, so a crash never leaves a truncated file.
func (r *Registry) Save() error {
	data, err := json.MarshalIndent(r.mounts, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal mounts: %w", err)
	}

	dir := filepath.Dir(r.mountsPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create mounts directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".mounts-*.json")
	if err != nil {
		return fmt.Errorf("failed to stage mounts file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write staged mounts file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync staged mounts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close staged mounts file: %w", err)
	}

	if err := os.Rename(tmpName, r.mountsPath); err != nil {
		return fmt.Errorf("failed to replace mounts file: %w", err)
	}

	klog.V(2).Infof("Saved %d mount definitions to %s", len(r.mounts), r.mountsPath)
	return nil
}
