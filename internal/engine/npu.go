package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// detectNPUDriverVersion reads the AMD XDNA driver version from sysfs.
// Returns an error (not a panic) when unavailable, consistent with the
// hardware probe's tolerant-failure convention.
func detectNPUDriverVersion() (string, error) {
	data, err := os.ReadFile("/sys/class/accel/accel0/device/driver_version")
	if err != nil {
		return "", fmt.Errorf("reading NPU driver version: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// versionLess compares dotted version strings numerically component by
// component; shorter strings are padded with zeros.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

func execCombined(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}
