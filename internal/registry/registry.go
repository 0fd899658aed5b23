package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/sahilai/voiceforge/internal/logger"
	"github.com/sahilai/voiceforge/internal/metrics"
	"github.com/sahilai/voiceforge/internal/models"
)

// AgentCatalog is the durable agent-definition lookup the registry falls
// back to when a bundle's worker source doesn't itself define the agent.
// repository.AgentRepository satisfies it.
type AgentCatalog interface {
	GetBySlug(slug string) (*models.AgentDefinition, error)
}

// Registry is the process-wide deploy registry: the only shared mutable
// structure in the server. Its slug->worker map is guarded by mu, held
// only for lookup/insert; session driving happens entirely outside the
// lock.
type Registry struct {
	store   *Store
	kv      *KV
	catalog AgentCatalog
	factory DepsFactory

	requiredEnv []string

	mu      sync.RWMutex
	workers map[string]*worker

	watcher *fsnotify.Watcher
	log     zerolog.Logger
}

// New builds a Registry over store and kv. catalog may be nil (bundles
// must then carry their agent definition in worker source); requiredEnv is
// the closed set of secrets every deploy must supply.
func New(store *Store, kv *KV, catalog AgentCatalog, factory DepsFactory, requiredEnv []string) *Registry {
	return &Registry{
		store:       store,
		kv:          kv,
		catalog:     catalog,
		factory:     factory,
		requiredEnv: requiredEnv,
		workers:     make(map[string]*worker),
		log:         logger.WithComponent("registry"),
	}
}

// LoadSlots reconciles the on-disk bundle tree with the KV index at
// startup: every slug on disk with a valid manifest is exposed (and
// backfilled into KV if the index lost it); KV entries with no disk
// presence are skipped; corrupted manifests are skipped with a warning.
// Workers themselves spawn lazily on first request.
func (r *Registry) LoadSlots() error {
	onDisk, err := r.store.Slugs()
	if err != nil {
		return fmt.Errorf("failed to scan bundle root: %w", err)
	}

	seen := make(map[string]bool, len(onDisk))
	for _, slug := range onDisk {
		manifest, err := r.store.LoadManifest(slug)
		if err != nil {
			r.log.Warn().Str("slug", slug).Err(err).Msg("skipping bundle with corrupted manifest")
			continue
		}
		if err := r.validateEnv(manifest.Env); err != nil {
			r.log.Warn().Str("slug", slug).Err(err).Msg("skipping bundle with incomplete env")
			continue
		}
		seen[slug] = true

		if _, found, err := r.kv.Get(slug); err == nil && !found {
			if err := r.kv.Put(manifest); err != nil {
				r.log.Warn().Str("slug", slug).Err(err).Msg("failed to backfill KV index from manifest")
			} else {
				r.log.Info().Str("slug", slug).Msg("backfilled KV index from on-disk manifest")
			}
		}
	}

	indexed, err := r.kv.All()
	if err != nil {
		return fmt.Errorf("failed to scan KV index: %w", err)
	}
	for _, m := range indexed {
		if !seen[m.Slug] {
			r.log.Warn().Str("slug", m.Slug).Msg("KV entry has no on-disk bundle, skipping")
		}
	}

	r.log.Info().Int("slots", len(seen)).Msg("bundle slots loaded")
	return nil
}

// DeployInput is the decoded POST /deploy body.
type DeployInput struct {
	Slug         string            `json:"slug"`
	Env          map[string]string `json:"env"`
	WorkerSource string            `json:"worker"`
	ClientSource string            `json:"client"`
}

// Deploy validates and persists a bundle: atomic directory swap on disk,
// KV upsert keyed by slug, and invalidation of any live worker so the next
// session picks up the new version.
func (r *Registry) Deploy(input DeployInput) error {
	if err := validateSlug(input.Slug); err != nil {
		metrics.DeploysTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if err := r.validateEnv(input.Env); err != nil {
		metrics.DeploysTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if strings.TrimSpace(input.WorkerSource) == "" {
		metrics.DeploysTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("worker source is required")
	}

	bundle := &Bundle{
		Manifest:     Manifest{Slug: input.Slug, Env: input.Env},
		WorkerSource: []byte(input.WorkerSource),
		ClientSource: []byte(input.ClientSource),
	}
	if err := r.store.Save(bundle); err != nil {
		metrics.DeploysTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if err := r.kv.Put(bundle.Manifest); err != nil {
		return fmt.Errorf("bundle written but KV upsert failed: %w", err)
	}

	r.invalidate(input.Slug)
	metrics.DeploysTotal.WithLabelValues("ok").Inc()
	r.log.Info().Str("slug", input.Slug).Msg("bundle deployed")
	return nil
}

// validateEnv checks the closed set of platform secrets every bundle must
// carry.
func (r *Registry) validateEnv(env map[string]string) error {
	var missing []string
	for _, key := range r.requiredEnv {
		if env[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("env is missing required keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

// WorkerFor returns the live worker for slug, spawning one if none exists.
// The double-checked locking keeps the common path (worker already live)
// on the read lock only.
func (r *Registry) WorkerFor(slug string) (*worker, error) {
	r.mu.RLock()
	w, ok := r.workers[slug]
	r.mu.RUnlock()
	if ok {
		return w, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[slug]; ok {
		return w, nil
	}
	w, err := r.spawnWorker(slug)
	if err != nil {
		return nil, err
	}
	r.workers[slug] = w
	r.log.Info().Str("slug", slug).Msg("worker spawned")
	return w, nil
}

// invalidate disposes slug's live worker (if any) so the next request
// spawns a fresh one from the current bundle. Also the crash-recovery
// path: a panicking session marks its worker for restart through here.
func (r *Registry) invalidate(slug string) {
	r.mu.Lock()
	w, ok := r.workers[slug]
	if ok {
		delete(r.workers, slug)
	}
	r.mu.Unlock()
	if ok && w.dispose != nil {
		w.dispose()
	}
}

// Slugs lists the currently routable slugs (on disk with valid manifests).
func (r *Registry) Slugs() []string {
	onDisk, err := r.store.Slugs()
	if err != nil {
		return nil
	}
	var out []string
	for _, slug := range onDisk {
		if _, err := r.store.LoadManifest(slug); err == nil {
			out = append(out, slug)
		}
	}
	sort.Strings(out)
	return out
}

// Watch starts an fsnotify watcher on the bundle root so bundles dropped
// onto disk outside POST /deploy (an operator rsync, a sidecar) are picked
// up without a restart. Events are coalesced per slug by simply
// invalidating the worker; the next session reload does the real work.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start bundle watcher: %w", err)
	}
	if err := watcher.Add(r.store.Root()); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch bundle root: %w", err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				slug := slugFromEventPath(r.store.Root(), ev.Name)
				if slug == "" {
					continue
				}
				r.log.Debug().Str("slug", slug).Str("op", ev.Op.String()).Msg("bundle tree changed, invalidating worker")
				r.invalidate(slug)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Warn().Err(err).Msg("bundle watcher error")
			}
		}
	}()
	return nil
}

// slugFromEventPath maps a changed path under root to the slug directory
// it belongs to, ignoring the store's temp and retired directories.
func slugFromEventPath(root, path string) string {
	rel := strings.TrimPrefix(path, root)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return ""
	}
	slug := rel
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		slug = rel[:i]
	}
	if strings.HasPrefix(slug, ".") || strings.HasSuffix(slug, ".old") {
		return ""
	}
	if err := validateSlug(slug); err != nil {
		return ""
	}
	return slug
}

// Close tears the registry down: stop the watcher, dispose every live
// worker, and close the KV index.
func (r *Registry) Close() error {
	if r.watcher != nil {
		_ = r.watcher.Close()
	}

	r.mu.Lock()
	workers := r.workers
	r.workers = make(map[string]*worker)
	r.mu.Unlock()
	for _, w := range workers {
		if w.dispose != nil {
			w.dispose()
		}
	}

	return r.kv.Close()
}
