package registry

import (
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/sahilai/voiceforge/internal/models"
	"github.com/sahilai/voiceforge/internal/orchestrator"
)

// DepsFactory builds the orchestrator collaborators (STT/TTS/LLM adapters
// and the tool sandbox) for one worker, from the agent it serves and the
// bundle env it runs with. The returned dispose func releases whatever the
// factory allocated (the sandbox isolate in particular). The factory lives
// in cmd/server so this package stays free of vendor adapter imports.
type DepsFactory func(agent *models.AgentDefinition, env map[string]string) (orchestrator.Deps, func(), error)

// worker is one hot-loaded slug: its agent definition (extracted from the
// bundle's worker source, or fallen back to the catalog) plus the ready
// orchestrator deps every session for this slug shares.
type worker struct {
	slug     string
	agent    *models.AgentDefinition
	deps     orchestrator.Deps
	dispose  func()
	loadedAt time.Time
}

// spawnWorker loads slug's bundle from disk and builds a live worker for
// it. Called under the registry's write lock.
func (r *Registry) spawnWorker(slug string) (*worker, error) {
	bundle, err := r.store.Load(slug)
	if err != nil {
		return nil, err
	}

	agent, err := agentFromWorkerSource(slug, bundle.WorkerSource)
	if err != nil {
		r.log.Warn().Str("slug", slug).Err(err).Msg("worker source did not yield an agent definition, falling back to catalog")
		agent = nil
	}
	if agent == nil && r.catalog != nil {
		agent, err = r.catalog.GetBySlug(slug)
		if err != nil {
			agent = nil
		}
	}
	if agent == nil {
		return nil, fmt.Errorf("no agent definition for slug %q (neither worker source nor catalog)", slug)
	}

	deps, dispose, err := r.factory(agent, bundle.Manifest.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to build session deps for %q: %w", slug, err)
	}

	return &worker{
		slug:     slug,
		agent:    agent,
		deps:     deps,
		dispose:  dispose,
		loadedAt: time.Now(),
	}, nil
}

// agentFromWorkerSource evaluates the bundle's worker source in a fresh
// throwaway goja runtime and reads the `agent` global it is expected to
// assign: {slug?, instructions, greeting, voice, prompt?, tools: [{name,
// description, parameters, handler}]}. Tool handler functions are carried
// forward as opaque source text (their toString form), which is what the
// sandbox compiles at first invocation. Returns (nil, error) when the
// source doesn't evaluate or doesn't define an agent, so the caller can
// fall back to the catalog.
func agentFromWorkerSource(slug string, src []byte) (*models.AgentDefinition, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("empty worker source")
	}

	vm := goja.New()
	timer := time.AfterFunc(5*time.Second, func() { vm.Interrupt("worker evaluation timed out") })
	defer timer.Stop()

	if _, err := vm.RunScript(slug+"/"+workerFile, string(src)); err != nil {
		return nil, fmt.Errorf("worker source failed to evaluate: %w", err)
	}

	agentVal := vm.GlobalObject().Get("agent")
	if agentVal == nil || goja.IsUndefined(agentVal) || goja.IsNull(agentVal) {
		return nil, fmt.Errorf("worker source defines no agent")
	}
	obj := agentVal.ToObject(vm)

	def := &models.AgentDefinition{
		Slug:         slug,
		Instructions: stringProp(obj, "instructions"),
		Greeting:     stringProp(obj, "greeting"),
		Voice:        stringProp(obj, "voice"),
		Prompt:       stringProp(obj, "prompt"),
		LLMModel:     stringProp(obj, "model"),
	}
	if def.Instructions == "" {
		return nil, fmt.Errorf("agent has no instructions")
	}

	if builtins := obj.Get("builtinTools"); builtins != nil && !goja.IsUndefined(builtins) {
		if arr := builtins.ToObject(vm); arr != nil {
			for _, k := range arr.Keys() {
				if v := arr.Get(k); v != nil {
					def.BuiltinToolNames = append(def.BuiltinToolNames, v.String())
				}
			}
		}
	}

	toolsVal := obj.Get("tools")
	if toolsVal == nil || goja.IsUndefined(toolsVal) || goja.IsNull(toolsVal) {
		return def, nil
	}
	toolsObj := toolsVal.ToObject(vm)
	for _, k := range toolsObj.Keys() {
		tv := toolsObj.Get(k)
		if tv == nil || goja.IsUndefined(tv) {
			continue
		}
		tobj := tv.ToObject(vm)
		tool := models.ToolDefinition{
			Name:        stringProp(tobj, "name"),
			Description: stringProp(tobj, "description"),
		}
		if tool.Name == "" {
			continue
		}
		if params := tobj.Get("parameters"); params != nil && !goja.IsUndefined(params) {
			tool.JSONSchema = jsonStringify(vm, params)
		}
		if handler := tobj.Get("handler"); handler != nil && !goja.IsUndefined(handler) {
			// A function's toString is its source text; the sandbox
			// re-compiles it inside the isolate.
			tool.HandlerSource = handler.String()
		}
		def.Tools = append(def.Tools, tool)
	}
	return def, nil
}

func stringProp(obj *goja.Object, key string) string {
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func jsonStringify(vm *goja.Runtime, v goja.Value) string {
	stringify, ok := goja.AssertFunction(vm.GlobalObject().Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return ""
	}
	out, err := stringify(goja.Undefined(), v)
	if err != nil {
		return ""
	}
	return out.String()
}
