package scheduler

// HookPos defines the enum of possible hooking positions
type HookPos struct {
	Name string
}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   interface{}
	Detail interface{}
}

// Hookable defines an object that accept Hooks
type Hookable interface {
	// AcceptHook registers a hook
	AcceptHook(hook Hook)
}

// Hook is a short piece of program that can be invoked by a hookable object.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// HookPosLaunch triggers after a worker is admitted. Item is a LaunchInfo.
var HookPosLaunch = &HookPos{Name: "Launch"}

// HookPosSpawnFailed triggers when a worker cannot be created. Item is the
// error.
var HookPosSpawnFailed = &HookPos{Name: "SpawnFailed"}

// HookPosReap triggers after a terminated worker is reaped. Item is a
// ReapInfo.
var HookPosReap = &HookPos{Name: "Reap"}

// HookPosSnapshot triggers when the clock crosses a reporting boundary.
// Item is a Snapshot.
var HookPosSnapshot = &HookPos{Name: "Snapshot"}

// HookPosWorkerEvent triggers for every event a worker reports about itself.
// Item is a worker.Event.
var HookPosWorkerEvent = &HookPos{Name: "WorkerEvent"}

// HookPosKill triggers for every worker stopped by a forced shutdown. Item is
// a KillInfo.
var HookPosKill = &HookPos{Name: "Kill"}

// HookPosComplete triggers once when the run ends, normally or not. Item is
// the Summary.
var HookPosComplete = &HookPos{Name: "Complete"}

// A HookableBase provides some utility function for other type that implement
// the Hookable interface.
type HookableBase struct {
	Hooks []Hook
}

// NewHookableBase creates a HookableBase object
func NewHookableBase() *HookableBase {
	h := new(HookableBase)
	h.Hooks = make([]Hook, 0)
	return h
}

// AcceptHook register a hook
func (h *HookableBase) AcceptHook(hook Hook) {
	h.Hooks = append(h.Hooks, hook)
}

// NumHooks returns the number of registered hooks.
func (h *HookableBase) NumHooks() int {
	return len(h.Hooks)
}

// InvokeHook triggers the register Hooks
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.Hooks {
		hook.Func(ctx)
	}
}

// HookFunc adapts a plain function into a Hook.
type HookFunc func(ctx HookCtx)

// Func calls f.
func (f HookFunc) Func(ctx HookCtx) {
	f(ctx)
}
