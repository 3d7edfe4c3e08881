// Command skynav runs the drone-control agents.
//
// Usage:
//
//	skynav serve                      start all agents and the web API
//	skynav serve --agents planner     start a subset
//	skynav chat --map-id warehouse-1  interactive terminal
//	skynav seed docs/map.md --map-id warehouse-1
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/skynav-ai/skynav/pkg/a2a"
	"github.com/skynav-ai/skynav/pkg/cli"
	"github.com/skynav-ai/skynav/pkg/config"
	"github.com/skynav-ai/skynav/pkg/events"
	"github.com/skynav-ai/skynav/pkg/executor"
	"github.com/skynav-ai/skynav/pkg/logger"
	"github.com/skynav-ai/skynav/pkg/model/gemini"
	"github.com/skynav-ai/skynav/pkg/observability"
	"github.com/skynav-ai/skynav/pkg/orchestrator"
	"github.com/skynav-ai/skynav/pkg/planner"
	"github.com/skynav-ai/skynav/pkg/retriever"
	"github.com/skynav-ai/skynav/pkg/server"
	"github.com/skynav-ai/skynav/pkg/session"
	"github.com/skynav-ai/skynav/pkg/vector"
)

const version = "0.1.0"

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the agents and the web API."`
	Chat    ChatCmd    `cmd:"" help:"Interactive terminal against an in-process stack."`
	Seed    SeedCmd    `cmd:"" help:"Load a Markdown map description into the vector store."`

	Config   string `short:"c" help:"Path to an optional YAML config overlay." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("skynav %s\n", version)
	return nil
}

// ServeCmd starts the selected agents in one process group.
type ServeCmd struct {
	Agents string `help:"Comma-separated subset of orchestrator,planner,retriever,executor,web (default: all)."`
}

func (c *ServeCmd) Run(root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}

	selected := parseAgents(c.Agents)

	ctx, cancel := signalContext()
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	client := buildAgentClient(cfg)

	var model *gemini.Client
	if selected[retriever.AgentName] || selected[planner.AgentName] {
		model, err = buildModel(cfg)
		if err != nil {
			return err
		}
	}

	if selected[retriever.AgentName] {
		store, err := vector.New(vector.Options{
			SupabaseURL:    cfg.Vector.SupabaseURL,
			ServiceRoleKey: cfg.Vector.ServiceRoleKey,
			DatabaseURL:    cfg.Vector.DatabaseURL,
		})
		if err != nil {
			return fmt.Errorf("failed to open vector store: %w", err)
		}
		defer store.Close()

		svc := retriever.New(model, model, store, cfg.Retrieval)
		srv := a2a.NewServer(retriever.AgentName, version, cfg.Ports.Retriever)
		svc.RegisterSkills(srv)
		g.Go(func() error { return srv.Start(ctx) })
	}

	if selected[planner.AgentName] {
		svc := planner.New(model)
		srv := a2a.NewServer(planner.AgentName, version, cfg.Ports.Planner)
		svc.RegisterSkills(srv)
		g.Go(func() error { return srv.Start(ctx) })
	}

	if selected[executor.AgentName] {
		svc := executor.New(cfg.MCP)
		defer svc.Close()
		srv := a2a.NewServer(executor.AgentName, version, cfg.Ports.Executor)
		svc.RegisterSkills(srv)
		g.Go(func() error { return srv.Start(ctx) })
	}

	sessions := session.NewStore(cfg.Loop.MaxHistoryLength)
	bus := events.NewBus()
	metrics := observability.New()

	var orch *orchestrator.Service
	if selected[orchestrator.AgentName] {
		orch = orchestrator.New(client, sessions, bus, metrics, cfg.Loop)
		srv := a2a.NewServer(orchestrator.AgentName, version, cfg.Ports.Orchestrator)
		orch.RegisterSkills(srv)
		g.Go(func() error { return srv.Start(ctx) })
	}

	if selected["web"] {
		var chatter server.Chatter
		if orch != nil {
			chatter = orch
		} else {
			chatter = &orchestrator.Remote{Client: client}
		}
		web := server.New(cfg.Ports.WebAPI, chatter, sessions, bus, client, metrics)
		g.Go(func() error { return web.Start(ctx) })
	}

	return g.Wait()
}

// ChatCmd starts the full stack in-process and opens the terminal.
type ChatCmd struct {
	MapID string `name:"map-id" help:"Scope retrieval to one map."`
}

func (c *ChatCmd) Run(root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	model, err := buildModel(cfg)
	if err != nil {
		return err
	}

	store, err := vector.New(vector.Options{
		SupabaseURL:    cfg.Vector.SupabaseURL,
		ServiceRoleKey: cfg.Vector.ServiceRoleKey,
		DatabaseURL:    cfg.Vector.DatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer store.Close()

	client := buildAgentClient(cfg)
	sessions := session.NewStore(cfg.Loop.MaxHistoryLength)
	bus := events.NewBus()

	exec := executor.New(cfg.MCP)
	defer exec.Close()

	g, ctx := errgroup.WithContext(ctx)

	for _, agent := range []struct {
		name string
		port int
		reg  func(*a2a.Server)
	}{
		{retriever.AgentName, cfg.Ports.Retriever, retriever.New(model, model, store, cfg.Retrieval).RegisterSkills},
		{planner.AgentName, cfg.Ports.Planner, planner.New(model).RegisterSkills},
		{executor.AgentName, cfg.Ports.Executor, exec.RegisterSkills},
	} {
		srv := a2a.NewServer(agent.name, version, agent.port)
		agent.reg(srv)
		g.Go(func() error { return srv.Start(ctx) })
	}

	orch := orchestrator.New(client, sessions, bus, nil, cfg.Loop)
	orchSrv := a2a.NewServer(orchestrator.AgentName, version, cfg.Ports.Orchestrator)
	orch.RegisterSkills(orchSrv)
	g.Go(func() error { return orchSrv.Start(ctx) })

	g.Go(func() error {
		defer cancel()
		return cli.New(orch, sessions, bus, client, c.MapID).Run(ctx)
	})

	return g.Wait()
}

// SeedCmd chunks a Markdown file into paragraphs and inserts them with
// embeddings.
type SeedCmd struct {
	File  string `arg:"" help:"Markdown file describing the map." type:"path"`
	MapID string `name:"map-id" help:"Map identifier stored with each chunk."`
}

func (c *SeedCmd) Run(root *CLI) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}

	model, err := buildModel(cfg)
	if err != nil {
		return err
	}

	store, err := vector.New(vector.Options{
		SupabaseURL:    cfg.Vector.SupabaseURL,
		ServiceRoleKey: cfg.Vector.ServiceRoleKey,
		DatabaseURL:    cfg.Vector.DatabaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	defer store.Close()

	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", c.File, err)
	}

	chunks := chunkParagraphs(string(data))
	if len(chunks) == 0 {
		return fmt.Errorf("%s contains no paragraphs", c.File)
	}

	ctx := context.Background()
	embeddings, err := model.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}

	for i, chunk := range chunks {
		err := store.Insert(ctx, vector.Document{
			MapID:     c.MapID,
			ChunkText: chunk,
			Embedding: embeddings[i],
		})
		if err != nil {
			return fmt.Errorf("insert failed at chunk %d: %w", i, err)
		}
	}

	slog.Info("Seeded map knowledge", "file", c.File, "map_id", c.MapID, "chunks", len(chunks))
	return nil
}

// chunkParagraphs splits Markdown into blank-line-separated paragraphs.
func chunkParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var chunks []string
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			chunks = append(chunks, block)
		}
	}
	return chunks
}

func loadConfig(root *CLI) (*config.Config, error) {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return nil, err
	}

	level := logger.ParseLevel(root.LogLevel)
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger.Init(level, os.Stderr)
	return cfg, nil
}

func buildModel(cfg *config.Config) (*gemini.Client, error) {
	return gemini.New(gemini.Config{
		APIKey:             cfg.Gemini.APIKey,
		Model:              cfg.Gemini.Model,
		EmbeddingModel:     cfg.Gemini.EmbeddingModel,
		EmbeddingDimension: vector.Dimension,
	})
}

func buildAgentClient(cfg *config.Config) *a2a.Client {
	client := a2a.NewClient(cfg.A2ATimeout)
	client.Register(orchestrator.AgentName, config.AgentURL(cfg.Ports.Orchestrator))
	client.Register(planner.AgentName, config.AgentURL(cfg.Ports.Planner))
	client.Register(retriever.AgentName, config.AgentURL(cfg.Ports.Retriever))
	client.Register(executor.AgentName, config.AgentURL(cfg.Ports.Executor))
	return client
}

// parseAgents resolves the --agents flag; empty selects everything.
func parseAgents(flag string) map[string]bool {
	all := map[string]bool{
		orchestrator.AgentName: true,
		planner.AgentName:      true,
		retriever.AgentName:    true,
		executor.AgentName:     true,
		"web":                  true,
	}
	if strings.TrimSpace(flag) == "" {
		return all
	}

	selected := map[string]bool{}
	for _, name := range strings.Split(flag, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !all[name] {
			slog.Warn("Unknown agent in --agents", "name", name)
			continue
		}
		selected[name] = true
	}
	return selected
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()
	return ctx, cancel
}

func main() {
	var cliDef CLI
	kctx := kong.Parse(&cliDef,
		kong.Name("skynav"),
		kong.Description("Natural-language drone control via cooperating agents."),
		kong.UsageOnError(),
	)

	if err := kctx.Run(&cliDef); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
