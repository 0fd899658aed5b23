package main

import (
	"flag"

	"github.com/joho/godotenv"

	"github.com/sahilai/voiceforge/internal/config"
	"github.com/sahilai/voiceforge/internal/database"
	"github.com/sahilai/voiceforge/internal/logger"
	"github.com/sahilai/voiceforge/internal/models"
	"github.com/sahilai/voiceforge/internal/repository"
)

// sleepCalculatorHandler computes a bedtime from a wake-up time and a
// number of 90-minute sleep cycles, plus 15 minutes to fall asleep.
const sleepCalculatorHandler = `async (args, ctx) => {
  const cycles = Math.max(1, Math.min(8, args.cycles || 5));
  const sleepMinutes = cycles * 90;
  let total = args.wake_hour * 60 + (args.wake_minute || 0) - sleepMinutes - 15;
  while (total < 0) total += 24 * 60;
  const pad = (n) => String(n).padStart(2, "0");
  return {
    bedtime: pad(Math.floor(total / 60)) + ":" + pad(total % 60),
    sleep_hours: sleepMinutes / 60,
    cycles: cycles,
  };
}`

const weatherHandler = `async (args, ctx) => {
  const resp = ctx.fetch(
    "https://api.open-meteo.com/v1/forecast?latitude=" + args.latitude +
    "&longitude=" + args.longitude + "&current_weather=true"
  );
  if (!resp.ok) {
    return "Error: weather service returned " + resp.status;
  }
  const data = resp.json();
  return "Temperature " + data.current_weather.temperature + "C, wind " +
    data.current_weather.windspeed + " km/h";
}`

func main() {
	slug := flag.String("slug", "demo", "Slug for the seeded demo agent")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		// Not an error - we might be using system env vars
	}

	cfg := config.Load()
	logger.Init(cfg.IsDevelopment())
	log := logger.WithComponent("seed")

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required to seed the agent catalog")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	log.Info().Msg("Running migrations...")
	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	repos := repository.NewRepositories(db)

	agent := &models.AgentDefinition{
		Slug:         *slug,
		Instructions: "You are a friendly voice assistant. Keep replies short and conversational: one or two sentences, no markdown, no lists. Use your tools when a question calls for them.",
		Greeting:     "Hi! Ask me about the weather, or when you should go to bed.",
		Voice:        "default",
		LLMModel:     cfg.DefaultLLMModel,
		IsActive:     true,
		Tools: models.ToolDefinitions{
			{
				Name:          "sleep_calculator",
				Description:   "Calculate the ideal bedtime for a given wake-up time and number of 90-minute sleep cycles (1-8, default 5).",
				JSONSchema:    `{"type":"object","properties":{"wake_hour":{"type":"integer","minimum":0,"maximum":23},"wake_minute":{"type":"integer","minimum":0,"maximum":59},"cycles":{"type":"integer","minimum":1,"maximum":8}},"required":["wake_hour"]}`,
				HandlerSource: sleepCalculatorHandler,
			},
			{
				Name:          "get_weather",
				Description:   "Get the current weather at a latitude/longitude.",
				JSONSchema:    `{"type":"object","properties":{"latitude":{"type":"number"},"longitude":{"type":"number"}},"required":["latitude","longitude"]}`,
				HandlerSource: weatherHandler,
			},
		},
	}

	if err := repos.Agent.Upsert(agent); err != nil {
		log.Fatal().Err(err).Str("slug", *slug).Msg("Failed to seed demo agent")
	}

	log.Info().Str("slug", *slug).Str("agent_id", agent.ID.String()).Msg("Demo agent seeded")
}
