package hardware

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

// SupportRule is one row of the declarative (recipe, backend) -> support
// table (spec.md §4.2). DeviceConstraint is a boolean expression
// evaluated by github.com/expr-lang/expr against {family, name} facts
// for each detected device family string; an empty constraint always
// matches.
type SupportRule struct {
	Recipe           models.Recipe
	Backend          string
	AllowedOS        []string
	DeviceConstraint string

	program *vm.Program
}

// DefaultSupportTable is the built-in rule set. Adding hardware support
// for a recipe is one row here, not new Go code.
func DefaultSupportTable() []SupportRule {
	rules := []SupportRule{
		{Recipe: models.RecipeLlamaCPP, Backend: "cpu", AllowedOS: []string{"linux", "windows", "darwin"}, DeviceConstraint: ""},
		{Recipe: models.RecipeLlamaCPP, Backend: "rocm", AllowedOS: []string{"linux", "windows"}, DeviceConstraint: `family in ["gfx1100", "gfx1101", "gfx1150", "gfx1151"]`},
		{Recipe: models.RecipeLlamaCPP, Backend: "cuda", AllowedOS: []string{"linux", "windows"}, DeviceConstraint: `family == "nvidia"`},
		{Recipe: models.RecipeLlamaCPP, Backend: "metal", AllowedOS: []string{"darwin"}, DeviceConstraint: ""},
		{Recipe: models.RecipeRyzenAILLM, Backend: "npu", AllowedOS: []string{"windows", "linux"}, DeviceConstraint: `family contains "XDNA"`},
		{Recipe: models.RecipeFLM, Backend: "npu", AllowedOS: []string{"windows", "linux"}, DeviceConstraint: `family contains "XDNA"`},
		{Recipe: models.RecipeWhisperCPP, Backend: "cpu", AllowedOS: []string{"linux", "windows"}, DeviceConstraint: ""},
		{Recipe: models.RecipeWhisperCPP, Backend: "rocm", AllowedOS: []string{"linux", "windows"}, DeviceConstraint: `family in ["gfx1100", "gfx1101", "gfx1150", "gfx1151"]`},
		{Recipe: models.RecipeKokoro, Backend: "cpu", AllowedOS: []string{"linux", "windows"}, DeviceConstraint: ""},
		{Recipe: models.RecipeSDCPP, Backend: "cpu", AllowedOS: []string{"linux", "windows"}, DeviceConstraint: ""},
		{Recipe: models.RecipeSDCPP, Backend: "rocm", AllowedOS: []string{"linux", "windows"}, DeviceConstraint: `family in ["gfx1100", "gfx1101", "gfx1150", "gfx1151"]`},
	}
	for i := range rules {
		rules[i].compile()
	}
	return rules
}

func (r *SupportRule) compile() {
	if r.DeviceConstraint == "" {
		return
	}
	prog, err := expr.Compile(r.DeviceConstraint, expr.Env(deviceFact{}), expr.AsBool())
	if err != nil {
		// A malformed built-in rule never reaches here in practice; a rule
		// added at runtime with a bad expression is simply never satisfied.
		r.program = nil
		return
	}
	r.program = prog
}

type deviceFact struct {
	Family string `expr:"family"`
	Name   string `expr:"name"`
}

func (r *SupportRule) matches(family, name string, os string) bool {
	osOK := false
	for _, a := range r.AllowedOS {
		if a == os {
			osOK = true
			break
		}
	}
	if !osOK {
		return false
	}
	if r.program == nil {
		return r.DeviceConstraint == ""
	}
	out, err := expr.Run(r.program, deviceFact{Family: family, Name: name})
	if err != nil {
		return false
	}
	b, _ := out.(bool)
	return b
}

// Filter removes catalog entries unsupported by the detected hardware
// and records a human-readable reason per rejected entry (spec.md §4.2).
type Filter struct {
	rules     []SupportRule
	disabled  bool
	mu        sync.RWMutex
	reasons   map[string]string
}

func NewFilter(rules []SupportRule, disableFiltering bool) *Filter {
	return &Filter{rules: rules, disabled: disableFiltering, reasons: make(map[string]string)}
}

// Allowed reports whether entry passes the filter given snapshot s, and
// records the rejection reason if not (retrievable via Reason).
func (f *Filter) Allowed(entry *models.ModelEntry, s Snapshot) bool {
	if f.disabled {
		return true
	}

	if runtime.GOOS == "darwin" && entry.Recipe != models.RecipeLlamaCPP {
		f.setReason(entry.Name, fmt.Sprintf("recipe %q is not supported on macOS", entry.Recipe))
		return false
	}

	families := s.Families()
	supported := false
	for _, rule := range f.rules {
		if rule.Recipe != entry.Recipe {
			continue
		}
		if matchesAnyFamily(&rule, families, s.OS) {
			supported = true
			break
		}
	}
	if !supported {
		f.setReason(entry.Name, fmt.Sprintf("no supported backend for recipe %q on this host (families: %s)", entry.Recipe, strings.Join(families, ", ")))
		return false
	}

	maxPool := maxF(s.LargestGPUPoolGB(), 0.8*s.PhysicalMemory)
	if entry.SizeGB > 0 && entry.SizeGB > maxPool {
		f.setReason(entry.Name, fmt.Sprintf("model size %.1fGB exceeds available memory (%.1fGB)", entry.SizeGB, maxPool))
		return false
	}

	f.clearReason(entry.Name)
	return true
}

func matchesAnyFamily(rule *SupportRule, families []string, hostOS string) bool {
	if len(families) == 0 {
		return rule.matches("", "", hostOS)
	}
	for _, fam := range families {
		if rule.matches(fam, fam, hostOS) {
			return true
		}
	}
	return false
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Reason returns the rejection reason for name, or "" if not filtered.
func (f *Filter) Reason(name string) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.reasons[name]
}

func (f *Filter) setReason(name, reason string) {
	f.mu.Lock()
	f.reasons[name] = reason
	f.mu.Unlock()
}

func (f *Filter) clearReason(name string) {
	f.mu.Lock()
	delete(f.reasons, name)
	f.mu.Unlock()
}
