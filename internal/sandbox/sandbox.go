// Package sandbox executes agent-supplied tool handlers in an isolated
// JavaScript context, proxying outbound network access through the host
// and enforcing a wall-clock timeout and a best-effort memory ceiling.
//
// Each Execute call runs its handler in a brand-new goja.Runtime seeded
// from the tool's pre-compiled program and a fresh shallow copy of the
// sandbox's secrets. This is what gives the "globalThis mutations never
// persist across calls" and "secrets snapshot is reset every call"
// guarantees for free, rather than having to reset shared isolate state by
// hand between calls.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/sahilai/voiceforge/internal/logger"
	"github.com/sahilai/voiceforge/internal/metrics"
	"github.com/sahilai/voiceforge/internal/models"
)

const (
	// DefaultTimeout is the hard wall-clock budget for one tool handler
	// invocation.
	DefaultTimeout = 30 * time.Second
	// DefaultMemoryLimit is the best-effort heap growth ceiling enforced
	// during one invocation (see memory watchdog caveat below).
	DefaultMemoryLimit = 128 * 1024 * 1024
	memoryPollInterval = 10 * time.Millisecond
)

// Sandbox holds the compiled tool set and frozen secrets for one agent's
// worker. It is safe for concurrent Execute calls: each call gets its own
// goja.Runtime.
type Sandbox struct {
	tools      map[string]models.ToolDefinition
	secrets    map[string]string
	httpClient *http.Client

	timeout   time.Duration
	memLimitB int64

	mu         sync.Mutex
	compiled   map[string]*goja.Program
	compileErr map[string]error
	disposed   bool
}

// New builds a sandbox for the given tool set and secrets snapshot.
// Compilation of each handler is deferred to its first invocation.
func New(tools []models.ToolDefinition, secrets map[string]string) *Sandbox {
	byName := make(map[string]models.ToolDefinition, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	secretsCopy := make(map[string]string, len(secrets))
	for k, v := range secrets {
		secretsCopy[k] = v
	}
	return &Sandbox{
		tools:      byName,
		secrets:    secretsCopy,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		memLimitB:  DefaultMemoryLimit,
		compiled:   make(map[string]*goja.Program),
		compileErr: make(map[string]error),
	}
}

// Execute runs tool `name` with `args` and returns its string result.
// It never returns an error: every failure mode (unknown tool, compile
// error, handler exception, timeout, memory breach) is coerced into the
// string result, so the LLM tool loop can react to it uniformly.
func (s *Sandbox) Execute(ctx context.Context, name string, args map[string]interface{}, cancel <-chan struct{}) string {
	log := logger.WithComponent("sandbox")

	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return "Error: sandbox disposed"
	}

	tool, ok := s.tools[name]
	if !ok {
		metrics.ToolCallsTotal.WithLabelValues(name, "unknown").Inc()
		return fmt.Sprintf("Unknown tool %q", name)
	}

	prog, err := s.programFor(tool)
	if err != nil {
		metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
		return fmt.Sprintf("Error: %s", err)
	}

	execCtx, stopTimer := context.WithTimeout(ctx, s.timeout)
	defer stopTimer()
	// cancel must abort the in-flight host request too, not just the VM:
	// execCtx is what newFetch threads into http.NewRequestWithContext, so
	// stop() is fired alongside the interrupt.
	execCtx, stop := context.WithCancel(execCtx)
	defer stop()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	var timedOut, memExceeded atomic.Bool
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-execCtx.Done():
			if execCtx.Err() == context.DeadlineExceeded {
				timedOut.Store(true)
			}
			vm.Interrupt("cancelled")
		case <-cancel:
			stop()
			vm.Interrupt("cancelled")
		case <-done:
		}
	}()

	stopWatchdog := make(chan struct{})
	go watchMemory(vm, s.memLimitB, stopWatchdog, &memExceeded)
	defer close(stopWatchdog)

	secretsCopy := make(map[string]string, len(s.secrets))
	for k, v := range s.secrets {
		secretsCopy[k] = v
	}

	ctxObj := vm.NewObject()
	secretsVal := vm.ToValue(secretsCopy)
	_ = ctxObj.Set("secrets", secretsVal)
	_ = ctxObj.Set("fetch", newFetch(vm, s.httpClient, execCtx))
	if obj, ok := secretsVal.(*goja.Object); ok {
		freezeObject(vm, obj)
	}

	result, callErr := invoke(vm, prog, args, ctxObj)

	outcome := "ok"
	defer func() { metrics.ToolCallsTotal.WithLabelValues(name, outcome).Inc() }()

	if timedOut.Load() {
		outcome = "timeout"
		metrics.SandboxTimeouts.Inc()
		log.Warn().Str("tool", name).Msg("tool handler timed out")
		return fmt.Sprintf("timed out: tool handler exceeded %s", s.timeout)
	}
	if memExceeded.Load() {
		outcome = "error"
		log.Warn().Str("tool", name).Msg("tool handler exceeded memory ceiling")
		return "Error: memory limit exceeded"
	}
	if callErr != nil {
		outcome = "error"
		return "Error: " + exceptionMessage(callErr)
	}

	return coerceResult(result)
}

// programFor compiles (and caches) the handler for tool once. Compilation
// errors are cached and surfaced on every subsequent call, matching
// "compilation errors for a handler surface only on first invocation" —
// after the first invocation they keep surfacing, they just aren't
// re-attempted.
func (s *Sandbox) programFor(tool models.ToolDefinition) (*goja.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.compileErr[tool.Name]; ok {
		return nil, err
	}
	if prog, ok := s.compiled[tool.Name]; ok {
		return prog, nil
	}

	src := "(" + tool.HandlerSource + ")"
	prog, err := goja.Compile(tool.Name, src, false)
	if err != nil {
		s.compileErr[tool.Name] = err
		return nil, err
	}
	s.compiled[tool.Name] = prog
	return prog, nil
}

// invoke runs the compiled handler expression as a function of
// (args, ctx), unwrapping a synchronously-settled Promise if the handler
// is declared async. goja resolves promises synchronously since it has no
// host event loop, so an awaited ctx.fetch() call (itself synchronous on
// the Go side) always settles before invoke returns.
func invoke(vm *goja.Runtime, prog *goja.Program, args map[string]interface{}, ctxObj *goja.Object) (goja.Value, error) {
	fnVal, err := vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, fmt.Errorf("handler is not a function")
	}

	argsVal := vm.ToValue(args)

	result, err := fn(goja.Undefined(), argsVal, ctxObj)
	if err != nil {
		return nil, err
	}
	return unwrapPromise(result)
}

func unwrapPromise(v goja.Value) (goja.Value, error) {
	if v == nil {
		return v, nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("%s", thrownMessage(p.Result()))
	default:
		return nil, fmt.Errorf("handler promise did not settle")
	}
}

func coerceResult(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "null"
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		return s
	}
	b, err := json.Marshal(exported)
	if err != nil {
		return fmt.Sprintf("%v", exported)
	}
	return string(b)
}

func exceptionMessage(err error) string {
	if ex, ok := err.(*goja.Exception); ok {
		return thrownMessage(ex.Value())
	}
	return err.Error()
}

// thrownMessage returns a thrown value's message property when it has
// one (an Error object), else its string form.
func thrownMessage(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return fmt.Sprintf("%v", v)
}

func freezeObject(vm *goja.Runtime, obj *goja.Object) {
	global := vm.GlobalObject()
	objectCtor := global.Get("Object")
	if objectCtor == nil {
		return
	}
	freeze, ok := goja.AssertFunction(objectCtor.ToObject(vm).Get("freeze"))
	if !ok {
		return
	}
	_, _ = freeze(objectCtor, obj)
}

// watchMemory is a best-effort approximation of a per-call memory ceiling.
// goja has no built-in heap cap, so this polls process-wide heap growth
// during the call window and interrupts the runtime if it crosses the
// configured ceiling. It can over- or under-attribute growth caused by
// concurrent sandbox calls in the same process.
func watchMemory(vm *goja.Runtime, limitB int64, stop <-chan struct{}, exceeded *atomic.Bool) {
	var base, cur runtime.MemStats
	runtime.ReadMemStats(&base)

	ticker := time.NewTicker(memoryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			runtime.ReadMemStats(&cur)
			if int64(cur.HeapAlloc)-int64(base.HeapAlloc) > limitB {
				exceeded.Store(true)
				vm.Interrupt("memory limit exceeded")
				return
			}
		}
	}
}

// Dispose releases the sandbox's compiled program cache. Idempotent.
func (s *Sandbox) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	s.compiled = nil
	s.compileErr = nil
}
