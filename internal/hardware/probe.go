// Package hardware probes the host's devices and filters catalog entries
// to those the detected hardware can run (spec.md §4.2).
package hardware

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
)

// Device describes one detected physical device.
type Device struct {
	Name      string  `json:"name"`
	Family    string  `json:"family"`
	Available bool    `json:"available"`
	Error     string  `json:"error,omitempty"`
	Driver    string  `json:"driver,omitempty"`
	VRAMGB    float64 `json:"vram_gb,omitempty"`
	VirtualGB float64 `json:"virtual_gb,omitempty"`
}

// Snapshot is the full hardware probe result (spec.md §4.2).
type Snapshot struct {
	OS             string   `json:"os"`
	CPU            Device   `json:"cpu"`
	IntegratedGPU  Device   `json:"integrated_gpu"`
	DiscreteGPUs   []Device `json:"discrete_gpus,omitempty"`
	NvidiaGPUs     []Device `json:"nvidia_gpus,omitempty"`
	NPU            Device   `json:"npu"`
	PhysicalMemory float64  `json:"physical_memory_gb"`
}

// LargestGPUPoolGB returns the size, in GB, of the largest available
// GPU memory pool across integrated/discrete/NVIDIA devices.
func (s *Snapshot) LargestGPUPoolGB() float64 {
	max := 0.0
	candidates := append([]Device{s.IntegratedGPU}, s.DiscreteGPUs...)
	candidates = append(candidates, s.NvidiaGPUs...)
	for _, d := range candidates {
		if d.Available && d.VRAMGB > max {
			max = d.VRAMGB
		}
	}
	return max
}

// Families returns every device family string currently detected and
// available, used by the support filter's device-constraint expressions.
func (s *Snapshot) Families() []string {
	var out []string
	all := append([]Device{s.CPU, s.IntegratedGPU, s.NPU}, s.DiscreteGPUs...)
	all = append(all, s.NvidiaGPUs...)
	for _, d := range all {
		if d.Available && d.Family != "" {
			out = append(out, d.Family)
		}
	}
	return out
}

type cacheFile struct {
	Version  string   `json:"version"`
	Hardware Snapshot `json:"hardware"`
}

// Prober produces a cached hardware Snapshot, published once via sync.Once
// (spec.md §5: "Hardware snapshot static/process cache: initialized once;
// subsequent reads lock-free after publication").
type Prober struct {
	cachePath    string
	appVersion   string
	installCache string

	once     sync.Once
	snapshot Snapshot
}

func NewProber(cacheRoot, appVersion, installCacheDir string) *Prober {
	return &Prober{
		cachePath:    filepath.Join(cacheRoot, "hardware_info.json"),
		appVersion:   appVersion,
		installCache: installCacheDir,
	}
}

// Snapshot returns the published hardware snapshot, probing and caching
// it on first call.
func (p *Prober) Snapshot() Snapshot {
	p.once.Do(func() {
		if cached, ok := p.loadCache(); ok {
			p.snapshot = cached
			return
		}
		p.snapshot = p.probe()
		p.saveCache(p.snapshot)
	})
	return p.snapshot
}

func (p *Prober) loadCache() (Snapshot, bool) {
	data, err := os.ReadFile(p.cachePath)
	if err != nil {
		return Snapshot{}, false
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		log.Warn().Err(err).Msg("hardware cache malformed, re-probing")
		return Snapshot{}, false
	}
	if cf.Version != p.appVersion {
		log.Info().Str("cached", cf.Version).Str("current", p.appVersion).
			Msg("hardware cache stale, invalidating and cleaning up old engine binaries")
		CleanupStaleBinaries(p.installCache, p.appVersion)
		return Snapshot{}, false
	}
	return cf.Hardware, true
}

func (p *Prober) saveCache(s Snapshot) {
	cf := cacheFile{Version: p.appVersion, Hardware: s}
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.cachePath), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(p.cachePath, data, 0o644); err != nil {
		log.Warn().Err(err).Msg("failed to persist hardware cache")
	}
}

// probe runs every device probe tolerantly: a failure in one category
// never aborts the others (spec.md §4.2, §7).
func (p *Prober) probe() Snapshot {
	s := Snapshot{OS: runtime.GOOS}
	s.CPU = probeSafely("cpu", probeCPU)
	s.IntegratedGPU = probeSafely("integrated_gpu", probeIntegratedGPU)
	s.NvidiaGPUs = probeSafelySlice("nvidia_gpu", probeNvidiaGPUs)
	s.DiscreteGPUs = probeSafelySlice("discrete_gpu", probeDiscreteGPUs)
	s.NPU = probeSafely("npu", probeNPU)
	s.PhysicalMemory = probeSafelyFloat("memory", probePhysicalMemoryGB)
	return s
}

func probeSafely(name string, fn func() (Device, error)) (d Device) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("device", name).Interface("panic", r).Msg("device probe panicked")
			d = Device{Available: false, Error: "probe panicked"}
		}
	}()
	dev, err := fn()
	if err != nil {
		return Device{Available: false, Error: err.Error()}
	}
	return dev
}

func probeSafelySlice(name string, fn func() ([]Device, error)) (d []Device) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("device", name).Interface("panic", r).Msg("device probe panicked")
			d = nil
		}
	}()
	devs, err := fn()
	if err != nil {
		log.Debug().Str("device", name).Err(err).Msg("device probe failed")
		return nil
	}
	return devs
}

func probeSafelyFloat(name string, fn func() (float64, error)) (v float64) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("device", name).Interface("panic", r).Msg("probe panicked")
			v = 0
		}
	}()
	val, err := fn()
	if err != nil {
		log.Debug().Str("device", name).Err(err).Msg("probe failed")
		return 0
	}
	return val
}

// CleanupStaleBinaries removes previously downloaded engine binaries
// older than the declared floor version (spec.md §4.2). Engines record
// their install version in a "version.txt" sibling file; anything
// without one, or whose version differs from the current floor, is
// removed so a fresh install is forced.
func CleanupStaleBinaries(installCacheDir, floorVersion string) {
	if installCacheDir == "" {
		return
	}
	entries, err := os.ReadDir(installCacheDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		versionFile := filepath.Join(installCacheDir, e.Name(), "version.txt")
		data, err := os.ReadFile(versionFile)
		if err != nil || string(data) != floorVersion {
			path := filepath.Join(installCacheDir, e.Name())
			if err := os.RemoveAll(path); err == nil {
				log.Info().Str("path", path).Msg("removed stale engine install")
			}
		}
	}
}
