package engine

import (
	"fmt"
	"sync"

	"github.com/lemonade-sh/lemonade-gateway/pkg/models"
)

// Registry is an extensible recipe -> Factory map (SPEC_FULL.md §10:
// "driver-registry extensibility", grounded on the teacher's
// ModelRouter.RegisterDriver pattern). Built-in recipes register
// themselves via registerBuiltins; a caller can add more.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.Recipe]Factory
}

func NewRegistry() *Registry {
	r := &Registry{factories: make(map[models.Recipe]Factory)}
	r.registerBuiltins()
	return r
}

func (r *Registry) RegisterFactory(recipe models.Recipe, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[recipe] = f
}

func (r *Registry) New(recipe models.Recipe) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[recipe]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no engine adapter registered for recipe %q", recipe)
	}
	return f(), nil
}

func (r *Registry) registerBuiltins() {
	r.RegisterFactory(models.RecipeLlamaCPP, func() Adapter { return NewLlamaCPPAdapter() })
	r.RegisterFactory(models.RecipeRyzenAILLM, func() Adapter { return NewRyzenAIAdapter() })
	r.RegisterFactory(models.RecipeFLM, func() Adapter { return NewRyzenAIAdapter() })
	r.RegisterFactory(models.RecipeWhisperCPP, func() Adapter { return NewWhisperCPPAdapter() })
	r.RegisterFactory(models.RecipeKokoro, func() Adapter { return NewKokoroAdapter() })
	r.RegisterFactory(models.RecipeSDCPP, func() Adapter { return NewSDCPPAdapter() })
}
