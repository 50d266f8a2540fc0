// Package engine defines the contract the Worker drives and a name-keyed
// registry for the stage actions that implement it, in place of a switch
// ladder over stage names.
package engine

import "context"

// Engine is the opaque collaborator a Worker drives through its stages. A
// real implementation wraps a load-testing runtime; this package also ships
// a minimal reference implementation under engine/shellengine.
type Engine interface {
	LoadConfigs(ctx context.Context, configPaths []string) error
	LoadPlugins(ctx context.Context) error

	GetLock(ctx context.Context) error
	ReleaseLock(ctx context.Context) error

	PluginsConfigure(ctx context.Context) error
	PluginsPrepareTest(ctx context.Context) error
	PluginsStartTest(ctx context.Context) error
	WaitForFinish(ctx context.Context) error
	PluginsEndTest(ctx context.Context, rc int) error
	PluginsPostProcess(ctx context.Context, rc int) error

	AddArtifactFile(path string)
	Status() string
	RetCode() int
}

// Action is one stage's executable behavior. It returns an overriding
// return code (nil means "leave the Worker's current retcode untouched")
// and an error if the stage failed.
type Action func(ctx context.Context) (retcode *int, err error)

// Registry is a name-keyed table of stage actions, mirroring the
// register/execute/list shape used elsewhere in tankapi's ancestry for
// pluggable, named handlers rather than a switch statement.
type Registry struct {
	actions map[string]Action
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds or replaces the action for name.
func (r *Registry) Register(name string, action Action) {
	r.actions[name] = action
}

// Has reports whether an action is registered for name.
func (r *Registry) Has(name string) bool {
	_, ok := r.actions[name]
	return ok
}

// Execute runs the action registered for name. It returns an error if no
// action is registered.
func (r *Registry) Execute(ctx context.Context, name string) (*int, error) {
	action, ok := r.actions[name]
	if !ok {
		return nil, &UnregisteredActionError{Name: name}
	}
	return action(ctx)
}

// UnregisteredActionError is returned by Execute when no action has been
// registered for the requested name.
type UnregisteredActionError struct {
	Name string
}

func (e *UnregisteredActionError) Error() string {
	return "engine: no action registered for stage " + e.Name
}
