package hardware_test

import (
	"runtime"
	"testing"

	"github.com/lemonade-sh/lemonade-gateway/internal/hardware"
	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

func snapshotWithGPU(family string, vramGB float64) hardware.Snapshot {
	return hardware.Snapshot{
		OS:             runtime.GOOS,
		CPU:            hardware.Device{Name: "cpu", Family: "x86_64", Available: true},
		IntegratedGPU:  hardware.Device{Name: "igpu", Family: family, Available: true, VRAMGB: vramGB},
		PhysicalMemory: 32,
	}
}

func TestFilterAllowsSupportedRecipeOnMatchingDeviceFamily(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("rocm rule requires a non-darwin host per the macOS-only-llamacpp rule")
	}
	f := hardware.NewFilter(hardware.DefaultSupportTable(), false)
	snap := snapshotWithGPU("gfx1100", 16)
	entry := &models.ModelEntry{Name: "m", Recipe: models.RecipeLlamaCPP, SizeGB: 4}

	if !f.Allowed(entry, snap) {
		t.Fatalf("expected allowed, got reason: %s", f.Reason("m"))
	}
}

func TestFilterRejectsUnsupportedRecipeForHostFamily(t *testing.T) {
	f := hardware.NewFilter(hardware.DefaultSupportTable(), false)
	snap := hardware.Snapshot{OS: runtime.GOOS, PhysicalMemory: 32}

	entry := &models.ModelEntry{Name: "npu-model", Recipe: models.RecipeRyzenAILLM}
	if f.Allowed(entry, snap) {
		t.Fatal("expected NPU recipe to be rejected with no NPU device present")
	}
	if f.Reason("npu-model") == "" {
		t.Error("expected a rejection reason to be recorded")
	}
}

func TestFilterRejectsModelLargerThanAvailableMemory(t *testing.T) {
	f := hardware.NewFilter(hardware.DefaultSupportTable(), false)
	snap := hardware.Snapshot{OS: runtime.GOOS, CPU: hardware.Device{Available: true, Family: "x86_64"}, PhysicalMemory: 4}

	entry := &models.ModelEntry{Name: "big", Recipe: models.RecipeLlamaCPP, SizeGB: 100}
	if f.Allowed(entry, snap) {
		t.Fatal("expected oversized model to be rejected")
	}
}

func TestFilterDisabledBypassesAllChecks(t *testing.T) {
	f := hardware.NewFilter(hardware.DefaultSupportTable(), true)
	snap := hardware.Snapshot{OS: runtime.GOOS}
	entry := &models.ModelEntry{Name: "anything", Recipe: models.RecipeRyzenAILLM, SizeGB: 9999}

	if !f.Allowed(entry, snap) {
		t.Fatal("expected filtering disabled to allow everything")
	}
}

func TestFilterMacOSOnlyAllowsLlamaCPP(t *testing.T) {
	// This exercises the macOS-only-llamacpp special case directly via
	// the rule table rather than forging runtime.GOOS, since that is a
	// build constant: we assert the support-table rows for RecipeLlamaCPP
	// include "darwin" while no other recipe's rows do.
	for _, r := range hardware.DefaultSupportTable() {
		if r.Recipe == models.RecipeLlamaCPP {
			continue
		}
		for _, os := range r.AllowedOS {
			if os == "darwin" {
				t.Errorf("recipe %q unexpectedly allows darwin in its rule table; Allowed()'s macOS-only-llamacpp bypass assumes only llamacpp ever does", r.Recipe)
			}
		}
	}
}

func TestClearsReasonOnSubsequentAllowedCall(t *testing.T) {
	f := hardware.NewFilter(hardware.DefaultSupportTable(), false)
	snap := hardware.Snapshot{OS: runtime.GOOS, PhysicalMemory: 32}

	rejected := &models.ModelEntry{Name: "m", Recipe: models.RecipeRyzenAILLM}
	f.Allowed(rejected, snap)
	if f.Reason("m") == "" {
		t.Fatal("expected a reason after rejection")
	}

	snapWithNPU := hardware.Snapshot{OS: runtime.GOOS, NPU: hardware.Device{Available: true, Family: "XDNA2"}, PhysicalMemory: 32}
	if !f.Allowed(rejected, snapWithNPU) {
		t.Fatalf("expected allowed once NPU is present, reason: %s", f.Reason("m"))
	}
	if f.Reason("m") != "" {
		t.Error("expected reason to be cleared after a passing Allowed() call")
	}
}
