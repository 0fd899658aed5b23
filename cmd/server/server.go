package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sahilai/voiceforge/internal/api"
	"github.com/sahilai/voiceforge/internal/config"
	"github.com/sahilai/voiceforge/internal/database"
	"github.com/sahilai/voiceforge/internal/logger"
	appMiddleware "github.com/sahilai/voiceforge/internal/middleware"
	"github.com/sahilai/voiceforge/internal/models"
	"github.com/sahilai/voiceforge/internal/orchestrator"
	"github.com/sahilai/voiceforge/internal/registry"
	"github.com/sahilai/voiceforge/internal/repository"
	"github.com/sahilai/voiceforge/internal/sandbox"
	"github.com/sahilai/voiceforge/internal/services"
	"github.com/sahilai/voiceforge/internal/voice/llm"
	sttassemblyai "github.com/sahilai/voiceforge/internal/voice/stt/assemblyai"
	ttsassemblyai "github.com/sahilai/voiceforge/internal/voice/tts/assemblyai"
	"github.com/sahilai/voiceforge/internal/wire"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		// Not an error - we might be using system env vars
	}

	// Load configuration
	cfg := config.Load()

	// Initialize logger (pretty output in development, JSON in production)
	logger.Init(cfg.IsDevelopment())
	log := logger.WithComponent("main")

	log.Info().Msg("Starting voice agent platform")

	// In single-agent mode the platform's own vendor keys carry every
	// session, so they are required at startup. In multi-agent mode each
	// bundle ships its own keys, validated at deploy time.
	if cfg.SingleAgentMode() {
		if cfg.AssemblyAIKey == "" || cfg.AssemblyAITTSKey == "" {
			log.Fatal().Msg("ASSEMBLYAI_API_KEY and ASSEMBLYAI_TTS_API_KEY are required in single-agent mode")
		}
	}

	// Initialize the agent catalog database (optional: bundle-only
	// deployments can run without one, carrying agent definitions in
	// worker source).
	var repos *repository.Repositories
	var svc *services.Services
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		if err := database.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
		repos = repository.NewRepositories(db)
		svc = services.NewServices(repos, cfg)
	} else {
		log.Warn().Msg("DATABASE_URL not set: agent catalog API disabled, bundles must carry their agent definitions")
	}

	// Initialize the deploy registry: bundle store on disk, KV index, and
	// the per-bundle session dependency factory.
	store, err := registry.NewStore(cfg.BundleDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open bundle store")
	}
	kv, err := registry.OpenKV(cfg.KVPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open registry KV index")
	}

	var catalog registry.AgentCatalog
	if repos != nil {
		catalog = repos.Agent
	}
	reg := registry.New(store, kv, catalog, depsFactory(cfg), config.RequiredBundleEnvKeys)
	if err := reg.LoadSlots(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load bundle slots")
	}
	if err := reg.Watch(); err != nil {
		log.Warn().Err(err).Msg("Bundle hot-reload watcher unavailable")
	}

	regHandler := registry.NewHandler(reg, cfg.SingleAgentSlug)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appMiddleware.RequestLogger)
	r.Use(middleware.Recoverer)

	corsOrigins := []string{"http://localhost:5173", "http://localhost:5174"}
	if cfg.IsProduction() {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Deploy-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Root endpoint
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service": "voiceforge",
			"status":  "running",
			"slugs":   reg.Slugs(),
		})
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Catalog/admin API (requires a database)
	if svc != nil {
		handlers := api.NewHandlers(svc)
		r.Route("/api", func(r chi.Router) {
			r.Route("/auth", func(r chi.Router) {
				r.Post("/register", handlers.Auth.Register)
				r.Post("/login", handlers.Auth.Login)
				r.Post("/refresh", handlers.Auth.Refresh)
			})

			r.Group(func(r chi.Router) {
				r.Use(appMiddleware.JWTAuth(cfg.JWTSecret))

				r.Route("/agents", func(r chi.Router) {
					r.Get("/", handlers.Agent.List)
					r.Post("/", handlers.Agent.Create)
					r.Get("/{id}", handlers.Agent.Get)
					r.Put("/{id}", handlers.Agent.Update)
					r.Delete("/{id}", handlers.Agent.Delete)
				})
			})
		})
	}

	// Deploy, per-slug client assets, and session WebSockets
	var deployAuth func(http.Handler) http.Handler
	if cfg.DeployAPIKey != "" {
		deployAuth = appMiddleware.DeployAuth(cfg.DeployAPIKey)
	}
	regHandler.Routes(r, deployAuth)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		log.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Bool("single_agent", cfg.SingleAgentMode()).
			Msg("Server starting")
		log.Info().Msgf("Session endpoint: ws://localhost:%s/session", cfg.Port)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Shutdown: drain HTTP, dispose workers, flush the KV index.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
	if err := reg.Close(); err != nil {
		log.Warn().Err(err).Msg("Registry teardown reported an error")
	}
	log.Info().Msg("Shutdown complete")
}

// depsFactory builds the per-bundle orchestrator collaborators: vendor
// adapters keyed by the bundle's env (falling back to platform-level
// keys) and a fresh tool sandbox over the agent's handlers and secrets.
func depsFactory(cfg *config.Config) registry.DepsFactory {
	return func(agent *models.AgentDefinition, env map[string]string) (orchestrator.Deps, func(), error) {
		get := func(key, fallback string) string {
			if v := env[key]; v != "" {
				return v
			}
			return fallback
		}

		if agent.LLMModel == "" {
			agent.LLMModel = cfg.DefaultLLMModel
		}

		sb := sandbox.New(agent.Tools, env)

		deps := orchestrator.Deps{
			STT: orchestrator.NewSTTConnector(sttassemblyai.NewClient(get("ASSEMBLYAI_API_KEY", cfg.AssemblyAIKey))),
			TTS: ttsassemblyai.NewClient(
				get("ASSEMBLYAI_TTS_API_KEY", cfg.AssemblyAITTSKey),
				get("ASSEMBLYAI_TTS_WSS_URL", cfg.AssemblyAITTSWSS),
				agent.Voice,
			),
			LLM: llm.NewClient(
				get("ANTHROPIC_API_KEY", cfg.AnthropicKey),
				get("OPENAI_API_KEY", cfg.OpenAIKey),
			),
			Sandbox:       sb,
			MicSampleRate: wire.MicSampleRate,
			TTSSampleRate: wire.DefaultTTSSampleRate,
			MaxToolLoops:  cfg.MaxToolLoops,
		}
		return deps, sb.Dispose, nil
	}
}
