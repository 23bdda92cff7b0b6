package definition

import (
	"context"
	"errors"
	"sync"

	"vqlapi/internal/database"
	"vqlapi/internal/model"
	"vqlapi/internal/procedure"
)

// ErrHalt, returned (possibly wrapped) from a PreProcessor, ends request
// processing before a Model is built. The response is QuerySet.Output.
var ErrHalt = errors.New("processing halted by pre-processor")

// QuerySet is what a PreProcessor may inspect and change. Replacing or
// clearing a reserved procedure changes what the rest of the request uses.
type QuerySet struct {
	Definition string
	Select     procedure.Procedure
	Update     procedure.Procedure
	Insert     procedure.Procedure
	Delete     procedure.Procedure

	// Criteria holds the request's criteria for the reserved operations.
	// Changes are used for the rest of the request.
	Criteria map[model.Operation]procedure.Criteria

	// Conn is the definition's connection, for hooks that run their own
	// statements with database.OneShot.
	Conn *database.Connection

	// Output is returned to the client when the hook halts.
	Output any
}

// Set returns the reserved procedures as a model.Set.
func (qs *QuerySet) Set() model.Set {
	return model.Set{Select: qs.Select, Update: qs.Update, Insert: qs.Insert, Delete: qs.Delete}
}

// PreProcessor runs before the Model is generated.
type PreProcessor func(ctx context.Context, qs *QuerySet) error

// PostProcessor runs after the Model is generated and synchronized, before
// it is serialized.
type PostProcessor func(ctx context.Context, m *model.Model) error

// Hooks is a registry of named processors, safe for concurrent use.
type Hooks struct {
	mu   sync.RWMutex
	pre  map[string]PreProcessor
	post map[string]PostProcessor
}

func NewHooks() *Hooks {
	return &Hooks{
		pre:  make(map[string]PreProcessor),
		post: make(map[string]PostProcessor),
	}
}

func (h *Hooks) RegisterPre(name string, fn PreProcessor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pre[name] = fn
}

func (h *Hooks) RegisterPost(name string, fn PostProcessor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.post[name] = fn
}

func (h *Hooks) Pre(name string) (PreProcessor, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.pre[name]
	return fn, ok
}

func (h *Hooks) Post(name string) (PostProcessor, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.post[name]
	return fn, ok
}
