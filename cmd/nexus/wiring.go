package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
	agentctx "github.com/haasonsaas/nexus/internal/agent/context"
	"github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/jobs"
	"github.com/haasonsaas/nexus/internal/mcp"
	"github.com/haasonsaas/nexus/internal/memory"
	"github.com/haasonsaas/nexus/internal/server"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/tools/files"
	jobtools "github.com/haasonsaas/nexus/internal/tools/jobs"
	"github.com/haasonsaas/nexus/internal/tools/policy"
	"github.com/haasonsaas/nexus/internal/tools/vectormemory"
)

// wired bundles everything runServe and runChat need beyond the Loop
// itself, so both can close over the same session/job stores for
// graceful shutdown and CRUD handlers.
type wired struct {
	Loop     *agent.Loop
	Sessions sessions.Store
	Jobs     jobs.Store
	MCP      *mcp.Manager
	AgentID  string

	registry      *agent.ToolRegistry
	resolver      *policy.Resolver
	baselineTools []agent.Tool
}

// refreshMCPTools bridges every tool mcp.Manager's connected hosts
// currently advertise into the loop's tool registry, namespaced per host,
// and re-registers the in-process baseline tools alongside them so the
// registry is never observed missing either set mid-reconnect. Call after
// MCP.Start and again whenever a host republishes its tool list.
func (w *wired) refreshMCPTools() {
	if w.registry == nil || w.MCP == nil {
		return
	}
	bridged := mcp.BuildToolsWithRegistrar(w.MCP, w.resolver)
	combined := make([]agent.Tool, 0, len(w.baselineTools)+len(bridged))
	combined = append(combined, w.baselineTools...)
	combined = append(combined, bridged...)
	w.registry.Refresh(combined)
}

// httpServer builds the internal/server.Server that exposes w's Loop over
// the WebSocket/REST surface, bound to the given server config.
func (w *wired) httpServer(cfg *config.Config) *server.Server {
	return server.New(cfg.Server, server.Deps{
		Loop:     w.Loop,
		Sessions: w.Sessions,
		Jobs:     w.Jobs,
		MCP:      w.MCP,
		AgentID:  w.AgentID,
		Logger:   slog.Default(),
	})
}

// buildLoop constructs an agent.Loop from a loaded Config: picks the
// default LLM provider, wires the tool registry and executor, opens
// session/job persistence, stands up the vector-memory cold tier, and
// starts the MCP host manager.
func buildLoop(cfg *config.Config) (*wired, error) {
	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("build provider: %w", err)
	}

	sessionStore, err := buildSessionStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("build session store: %w", err)
	}

	jobStore, err := buildJobStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("build job store: %w", err)
	}

	memManager, err := memory.NewManager(&cfg.VectorMemory)
	if err != nil {
		return nil, fmt.Errorf("build memory manager: %w", err)
	}

	registry := agent.NewToolRegistry()
	baselineTools := registerBaselineTools(registry, cfg, memManager, jobStore)
	registry.SetEssentialAllowlist(cfg.Tools.Execution.Approval.Allowlist)

	mcpManager := mcp.NewManager(&cfg.MCP, slog.Default())

	executor := agent.NewExecutor(registry, &agent.ExecutorConfig{
		MaxConcurrency: maxInt(cfg.Tools.Execution.Parallelism, 1),
		DefaultTimeout: cfg.Loop.ToolTimeout,
	})

	resolver := policy.NewResolver()
	profile := strings.ToLower(strings.TrimSpace(cfg.Tools.Execution.Approval.Profile))
	if profile == "" {
		profile = "coding"
	}
	toolPolicy := policy.NewPolicy(policy.Profile(profile))

	classifier := agent.NewClassifier(provider, defaultModel(cfg))
	memComposer := agent.NewMemoryComposer(sessionStore, memManager)

	summarizer := agent.NewSummaryScheduler(sessionStore, jobStore, provider, defaultModel(cfg), agentctx.SummarizationConfig{
		MaxMsgsBeforeSummary: 30,
	}, 2)

	loop := agent.NewLoop(agent.LoopConfig{
		Provider:   provider,
		Registry:   registry,
		Executor:   executor,
		Sessions:   sessionStore,
		Classifier: classifier,
		Memory:     memComposer,
		Resolver:   resolver,
		Policy:     toolPolicy,
		Summarizer: summarizer,
		Model:      defaultModel(cfg),
		Options: agent.LoopOptions{
			MaxIterations: cfg.Loop.MaxToolTurns,
			ToolTimeout:   cfg.Loop.ToolTimeout,
			LLMTimeout:    cfg.Loop.ProviderTimeout,
			TurnTimeout:   cfg.Loop.ProviderTimeout * time.Duration(maxInt(cfg.Loop.MaxToolTurns, 1)),
		},
	})

	return &wired{
		Loop:     loop,
		Sessions: sessionStore,
		Jobs:     jobStore,
		MCP:      mcpManager,
		AgentID:  cfg.Session.DefaultAgentID,

		registry:      registry,
		resolver:      resolver,
		baselineTools: baselineTools,
	}, nil
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	providerCfg, ok := cfg.LLM.Providers[name]
	if !ok {
		providerCfg = cfg.LLM.Providers[cfg.LLM.DefaultProvider]
	}

	switch name {
	case "", "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       providerCfg.APIKey,
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(providerCfg.APIKey), nil
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      providerCfg.BaseURL,
			DefaultModel: providerCfg.DefaultModel,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.DefaultProvider)
	}
}

func buildSessionStore(cfg *config.Config) (sessions.Store, error) {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return sessions.NewMemoryStore(), nil
	}
	return sessions.NewCockroachStoreFromDSN(cfg.Database.URL, nil)
}

func buildJobStore(cfg *config.Config) (jobs.Store, error) {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return jobs.NewMemoryStore(), nil
	}
	return jobs.NewCockroachStoreFromDSN(cfg.Database.URL, nil)
}

// registerBaselineTools wires the small set of in-process tools this
// distribution ships with and returns them so refreshMCPTools can keep
// them present across every MCP-triggered registry refresh. MCP-hosted
// tools (cfg.MCP) are the primary extensibility surface; these cover the
// filesystem, vector memory, and async job introspection every deployment
// needs regardless of which tool hosts are configured.
func registerBaselineTools(registry *agent.ToolRegistry, cfg *config.Config, mem *memory.Manager, jobStore jobs.Store) []agent.Tool {
	fileCfg := files.Config{
		Workspace:    cfg.Workspace.Path,
		MaxReadBytes: 1 << 20,
	}
	baseline := []agent.Tool{
		files.NewReadTool(fileCfg),
		files.NewWriteTool(fileCfg),
		files.NewEditTool(fileCfg),
		files.NewApplyPatchTool(fileCfg),
		vectormemory.NewSearchTool(mem, &cfg.VectorMemory),
		vectormemory.NewWriteTool(mem, &cfg.VectorMemory),
		jobtools.NewStatusTool(jobStore),
		jobtools.NewListTool(jobStore),
		jobtools.NewCancelTool(jobStore),
	}
	for _, tool := range baseline {
		registry.Register(tool)
	}
	return baseline
}

func defaultModel(cfg *config.Config) string {
	name := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if providerCfg, ok := cfg.LLM.Providers[name]; ok && providerCfg.DefaultModel != "" {
		return providerCfg.DefaultModel
	}
	return ""
}

func maxInt(v, min int) int {
	if v < min {
		return min
	}
	return v
}
