package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahilai/voiceforge/internal/models"
)

func tool(name, src string) models.ToolDefinition {
	return models.ToolDefinition{Name: name, Description: name, HandlerSource: src}
}

func TestExecute_StringReturnPassesThrough(t *testing.T) {
	sb := New([]models.ToolDefinition{
		tool("echo", `async (args, ctx) => "hello " + args.name`),
	}, nil)
	defer sb.Dispose()

	got := sb.Execute(context.Background(), "echo", map[string]interface{}{"name": "world"}, nil)
	assert.Equal(t, "hello world", got)
}

func TestExecute_NonStringIsJSONStringified(t *testing.T) {
	sb := New([]models.ToolDefinition{
		tool("add", `async (args, ctx) => ({ sum: args.a + args.b })`),
	}, nil)
	defer sb.Dispose()

	got := sb.Execute(context.Background(), "add", map[string]interface{}{"a": 2, "b": 3}, nil)
	assert.JSONEq(t, `{"sum":5}`, got)
}

func TestExecute_UnknownTool(t *testing.T) {
	sb := New(nil, nil)
	defer sb.Dispose()

	got := sb.Execute(context.Background(), "nope", nil, nil)
	assert.Equal(t, `Unknown tool "nope"`, got)
}

func TestExecute_HandlerExceptionReturnsErrorString(t *testing.T) {
	sb := New([]models.ToolDefinition{
		tool("boom", `async (args, ctx) => { throw new Error("kapow"); }`),
	}, nil)
	defer sb.Dispose()

	got := sb.Execute(context.Background(), "boom", nil, nil)
	assert.Equal(t, "Error: kapow", got)
}

func TestExecute_ProcessRequireAndFetchGlobalAreNotObservable(t *testing.T) {
	sb := New([]models.ToolDefinition{
		tool("probe", `async (args, ctx) => {
			const findings = [];
			if (typeof process !== "undefined") findings.push("process");
			if (typeof require !== "undefined") findings.push("require");
			if (typeof setTimeout !== "undefined") findings.push("setTimeout");
			if (typeof fetch !== "undefined") findings.push("fetch");
			return findings.join(",");
		}`),
	}, nil)
	defer sb.Dispose()

	got := sb.Execute(context.Background(), "probe", nil, nil)
	assert.Equal(t, "", got)
}

func TestExecute_GlobalThisMutationDoesNotPersist(t *testing.T) {
	sb := New([]models.ToolDefinition{
		tool("mutate", `async (args, ctx) => {
			const seen = typeof globalThis.poisoned !== "undefined";
			globalThis.poisoned = true;
			return seen ? "leaked" : "clean";
		}`),
	}, nil)
	defer sb.Dispose()

	for i := 0; i < 3; i++ {
		got := sb.Execute(context.Background(), "mutate", nil, nil)
		assert.Equal(t, "clean", got)
	}
}

func TestExecute_SecretsMutationDoesNotPersist(t *testing.T) {
	sb := New([]models.ToolDefinition{
		tool("mutate_secret", `async (args, ctx) => {
			const before = ctx.secrets.key;
			try { ctx.secrets.key = "tampered"; } catch (e) {}
			return before;
		}`),
	}, map[string]string{"key": "original"})
	defer sb.Dispose()

	first := sb.Execute(context.Background(), "mutate_secret", nil, nil)
	second := sb.Execute(context.Background(), "mutate_secret", nil, nil)
	assert.Equal(t, "original", first)
	assert.Equal(t, "original", second)
}

func TestExecute_Timeout(t *testing.T) {
	sb := New([]models.ToolDefinition{
		tool("loop_forever", `async (args, ctx) => { while (true) {} }`),
	}, nil)
	sb.timeout = 200 * time.Millisecond
	defer sb.Dispose()

	start := time.Now()
	got := sb.Execute(context.Background(), "loop_forever", nil, nil)
	elapsed := time.Since(start)

	require.Contains(t, got, "timed out")
	assert.Less(t, elapsed, 5*time.Second)
}

func TestExecute_HostProxiedFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"city":"NYC","tempF":72}`))
	}))
	defer srv.Close()

	sb := New([]models.ToolDefinition{
		tool("get_weather", `async (args, ctx) => {
			const res = await ctx.fetch(args.url);
			const body = res.json();
			return "Sunny, " + body.tempF + "F in " + body.city;
		}`),
	}, nil)
	defer sb.Dispose()

	got := sb.Execute(context.Background(), "get_weather", map[string]interface{}{"url": srv.URL}, nil)
	assert.Equal(t, "Sunny, 72F in NYC", got)
}

const sleepCalculatorSource = `async (args, ctx) => {
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

func TestExecute_SleepCalculator(t *testing.T) {
	sb := New([]models.ToolDefinition{tool("sleep_calculator", sleepCalculatorSource)}, nil)
	defer sb.Dispose()

	got := sb.Execute(context.Background(), "sleep_calculator", map[string]interface{}{
		"wake_hour": 7, "wake_minute": 0, "cycles": 5,
	}, nil)
	assert.JSONEq(t, `{"bedtime":"23:15","sleep_hours":7.5,"cycles":5}`, got)

	got = sb.Execute(context.Background(), "sleep_calculator", map[string]interface{}{
		"wake_hour": 5, "wake_minute": 30, "cycles": 6,
	}, nil)
	assert.JSONEq(t, `{"bedtime":"20:15","sleep_hours":9,"cycles":6}`, got)
}

func TestExecute_SleepCalculatorClampsCycles(t *testing.T) {
	sb := New([]models.ToolDefinition{tool("sleep_calculator", sleepCalculatorSource)}, nil)
	defer sb.Dispose()

	got := sb.Execute(context.Background(), "sleep_calculator", map[string]interface{}{
		"wake_hour": 7, "cycles": 99,
	}, nil)
	assert.Contains(t, got, `"cycles":8`)

	got = sb.Execute(context.Background(), "sleep_calculator", map[string]interface{}{
		"wake_hour": 7, "cycles": -3,
	}, nil)
	assert.Contains(t, got, `"cycles":1`)
}

func TestExecute_CancelAbortsInflightFetch(t *testing.T) {
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(aborted)
		case <-time.After(10 * time.Second):
			_, _ = w.Write([]byte("late"))
		}
	}))
	defer srv.Close()

	sb := New([]models.ToolDefinition{
		tool("slow_fetch", `async (args, ctx) => {
			const res = await ctx.fetch(args.url);
			return res.text();
		}`),
	}, nil)
	defer sb.Dispose()

	cancel := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(cancel)
	}()

	start := time.Now()
	got := sb.Execute(context.Background(), "slow_fetch", map[string]interface{}{"url": srv.URL}, cancel)

	// The host request was actually torn down, not left to run out its
	// clock on the server.
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the request being aborted")
	}
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotContains(t, got, "late")
}

func TestExecute_CompileErrorSurfacesAsErrorString(t *testing.T) {
	sb := New([]models.ToolDefinition{
		tool("broken", `async (args, ctx) => { ( `),
	}, nil)
	defer sb.Dispose()

	got := sb.Execute(context.Background(), "broken", nil, nil)
	assert.Contains(t, got, "Error:")
}
