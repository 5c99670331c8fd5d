package hardware

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// probeCPU always succeeds: every host has a CPU. Family is GOARCH-derived
// (x86_64, aarch64, ...), matching the family strings the support filter's
// device-constraint expressions reference.
func probeCPU() (Device, error) {
	return Device{
		Name:      cpuModelName(),
		Family:    archFamily(),
		Available: true,
	}, nil
}

func archFamily() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return runtime.GOARCH
	}
}

func cpuModelName() string {
	if runtime.GOOS != "linux" {
		return fmt.Sprintf("%s CPU (%d cores)", archFamily(), runtime.NumCPU())
	}
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return fmt.Sprintf("%s CPU (%d cores)", archFamily(), runtime.NumCPU())
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "model name") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return fmt.Sprintf("%s CPU (%d cores)", archFamily(), runtime.NumCPU())
}

// probeIntegratedGPU looks for an AMD integrated GPU family string
// (gfxNNNN) via the rocminfo tool when present; unavailable otherwise.
// This is the only family scheme the support filter's example rules key
// on (gfx1100/gfx1150), matching spec.md §4.2's examples.
func probeIntegratedGPU() (Device, error) {
	out, err := exec.Command("rocminfo").Output()
	if err != nil {
		return Device{Available: false, Error: "rocminfo not available"}, nil
	}
	family := parseGfxFamily(string(out))
	if family == "" {
		return Device{Available: false, Error: "no gfx device reported"}, nil
	}
	return Device{Name: "AMD integrated GPU", Family: family, Available: true}, nil
}

func parseGfxFamily(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Name:") && strings.Contains(line, "gfx") {
			fields := strings.Fields(line)
			for _, f := range fields {
				if strings.HasPrefix(f, "gfx") {
					return f
				}
			}
		}
	}
	return ""
}

// probeDiscreteGPUs has no additional detection beyond the integrated
// probe on this platform; returns empty rather than erroring.
func probeDiscreteGPUs() ([]Device, error) {
	return nil, nil
}

// probeNvidiaGPUs shells out to nvidia-smi when present.
func probeNvidiaGPUs() ([]Device, error) {
	out, err := exec.Command("nvidia-smi", "--query-gpu=name,memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi unavailable: %w", err)
	}
	var devices []Device
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		memMB, _ := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		devices = append(devices, Device{
			Name:      name,
			Family:    "nvidia",
			Available: true,
			VRAMGB:    memMB / 1024.0,
		})
	}
	return devices, nil
}

// probeNPU looks for an AMD XDNA NPU via the amdxdna sysfs class. Family
// "XDNA2" is a placeholder when present but the exact generation can't
// be determined without the vendor driver; the constraint table matches
// on the "XDNA" prefix in that case.
func probeNPU() (Device, error) {
	if runtime.GOOS != "linux" {
		return Device{Available: false, Error: "NPU detection only implemented on Linux"}, nil
	}
	entries, err := os.ReadDir("/sys/class/accel")
	if err != nil || len(entries) == 0 {
		return Device{Available: false, Error: "no accel device found"}, nil
	}
	return Device{Name: "AMD XDNA NPU", Family: "XDNA2", Available: true}, nil
}

func probePhysicalMemoryGB() (float64, error) {
	if runtime.GOOS != "linux" {
		return 0, fmt.Errorf("memory probe only implemented on Linux")
	}
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, err := strconv.ParseFloat(fields[1], 64)
				if err != nil {
					return 0, err
				}
				return kb / (1024.0 * 1024.0), nil
			}
		}
	}
	return 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
}
