// Command clubchat runs the agentic chat backend as an interactive
// terminal session, and doubles as the batch ingestion entry point:
//
//	clubchat -config clubchat.toml            # chat REPL
//	clubchat -config clubchat.toml ingest DIR # ingest a document tree
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	clubchat "github.com/aadya75/clubchat"
	"github.com/aadya75/clubchat/internal/config"
	"github.com/aadya75/clubchat/knowledge"
	"github.com/aadya75/clubchat/mcp"
	"github.com/aadya75/clubchat/observer"
	"github.com/aadya75/clubchat/provider/openaicompat"
	sqlitestore "github.com/aadya75/clubchat/store/sqlite"
)

// githubTools is the constrained tool subset exposed to the github
// worker.
var githubTools = []string{
	"create_repository",
	"get_file_contents",
	"create_or_update_file",
	"create_pull_request",
	"list_pull_requests",
	"update_pull_request",
	"search_repositories",
	"get_me",
}

func main() {
	configPath := flag.String("config", "clubchat.toml", "path to TOML config")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observer.Enabled {
		shutdown, err := observer.Init(ctx, cfg.Observer.Endpoint, cfg.Observer.Service)
		if err != nil {
			logger.Warn("observer init failed, tracing disabled", "err", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	services, err := build(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	services.Init(ctx)
	defer services.Shutdown()

	switch flag.Arg(0) {
	case "ingest":
		if flag.Arg(1) == "" {
			fmt.Fprintln(os.Stderr, "usage: clubchat ingest <source-dir>")
			os.Exit(2)
		}
		runIngest(ctx, cfg, services, flag.Arg(1), logger)
	default:
		runREPL(ctx, services, logger)
	}
}

// build wires the Services record from config.
func build(cfg config.Config, logger *slog.Logger) (*clubchat.Services, error) {
	provider := clubchat.WithRetry(openaicompat.New(cfg.LLM.APIKey, cfg.LLM.Model,
		openaicompat.WithTemperature(cfg.LLM.Temperature),
		openaicompat.WithMaxTokens(cfg.LLM.MaxTokens)))

	var threads clubchat.ThreadStore
	services := &clubchat.Services{Provider: provider, Logger: logger}
	if cfg.Threads.DBPath != "" {
		durable, err := sqlitestore.New(cfg.Threads.DBPath, sqlitestore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		threads = durable
		services.Closers = append(services.Closers, durable)
	} else {
		threads = clubchat.NewMemoryThreadStore()
	}
	services.Threads = threads

	embedder := knowledge.NewHashEmbedder(cfg.Knowledge.EmbeddingDim)
	services.Embedder = embedder

	clubIndex, err := knowledge.OpenIndex(cfg.Knowledge.ClubIndexDir, embedder.Dimensions(),
		knowledge.IndexLogger(logger))
	if err != nil {
		return nil, err
	}
	services.Closers = append(services.Closers, clubIndex)
	services.Club = knowledge.NewClubSearcher(embedder, clubIndex)

	registry := clubchat.NewRegistry(clubchat.RegistryLogger(logger))
	for _, name := range enabledServers(cfg.Servers) {
		command := filepath.Join(cfg.Servers.CommandDir, name+"-server")
		client, err := mcp.Spawn(name, command, nil,
			mcp.WithLogger(logger),
			mcp.WithCallTimeout(cfg.Orchestrator.ToolDeadline()))
		if err != nil {
			logger.Warn("tool server not started", "server", name, "err", err)
			continue
		}
		if err := registry.Register(name, client); err != nil {
			return nil, err
		}
	}
	services.Registry = registry

	tracer := observer.NewTracer()
	gate := clubchat.NewSafetyGate(clubchat.GateProvider(provider), clubchat.GateLogger(logger))
	planner := clubchat.NewPlanner(provider, clubchat.PlannerLogger(logger))
	services.Gate = gate
	services.Planner = planner

	web := clubchat.NewWebProvider(registry, "web", logger)
	rag := clubchat.NewRagProvider(registry, "rag", logger)
	club := clubchat.NewClubProvider(provider, services.Club, logger)

	conversational := clubchat.NewConversationalWorker(provider, logger)
	tool := clubchat.NewToolWorker(provider, registry,
		clubchat.Whitelist("github", githubTools...),
		clubchat.ToolWorkerLogger(logger))

	services.Orchestrator = clubchat.NewOrchestrator(gate, planner, provider,
		clubchat.WithContextProvider(clubchat.ContextWeb, web),
		clubchat.WithContextProvider(clubchat.ContextRag, rag),
		clubchat.WithContextProvider(clubchat.ContextClub, club),
		clubchat.WithWorker(clubchat.WorkerConversational, conversational),
		clubchat.WithWorker(clubchat.WorkerTool, tool),
		clubchat.WithConfidenceThreshold(cfg.Orchestrator.ConfidenceThreshold),
		clubchat.WithMaxIterations(cfg.Orchestrator.MaxIterations),
		clubchat.WithRequestTimeout(cfg.Orchestrator.RequestTimeout()),
		clubchat.WithTracer(tracer),
		clubchat.WithOrchestratorLogger(logger))
	services.Chat = clubchat.NewChat(threads, services.Orchestrator, logger)
	return services, nil
}

// enabledServers maps the enable flags to canonical server ids.
func enabledServers(s config.ServersConfig) []string {
	var out []string
	if s.EnableGmail {
		out = append(out, "gmail")
	}
	if s.EnableDrive {
		out = append(out, "drive")
	}
	if s.EnableCalendar {
		out = append(out, "calendar")
	}
	if s.EnableRag {
		out = append(out, "rag")
	}
	if s.EnableWeb {
		out = append(out, "web")
	}
	if s.EnableGithub {
		out = append(out, "github")
	}
	return out
}

func runIngest(ctx context.Context, cfg config.Config, services *clubchat.Services, sourceDir string, logger *slog.Logger) {
	index, err := knowledge.OpenIndex(cfg.Knowledge.IndexDir, services.Embedder.Dimensions(),
		knowledge.IndexLogger(logger))
	if err != nil {
		logger.Error("index open failed", "err", err)
		os.Exit(1)
	}
	defer index.Close()

	graph := knowledge.OpenCitationGraph(ctx, cfg.Knowledge.GraphConn, knowledge.GraphLogger(logger))
	defer graph.Close()

	chunker := knowledge.NewChunker(cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap)
	ingestor := knowledge.NewIngestor(chunker, services.Embedder, index,
		knowledge.IngestGraph(graph),
		knowledge.IngestMetaDir(cfg.Knowledge.MetaDir),
		knowledge.IngestLogger(logger))

	report, err := ingestor.Run(ctx, sourceDir)
	if err != nil {
		logger.Error("ingestion failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("ingested %d documents, %d chunks, %d errors\n",
		report.Documents, report.Chunks, len(report.Errors))
	for _, e := range report.Errors {
		fmt.Println("  error:", e)
	}
}

func runREPL(ctx context.Context, services *clubchat.Services, logger *slog.Logger) {
	threadID, err := services.Chat.CreateThread(ctx)
	if err != nil {
		logger.Error("thread create failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("thread %s — type a message, or \"quit\" to exit\n", threadID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		result, err := services.Chat.Send(ctx, threadID, line)
		if err != nil {
			fmt.Println("error:", err)
			continue
		}
		fmt.Println(result.Message)
		if len(result.ToolsUsed) > 0 {
			fmt.Printf("  [tools: %s, %.1fs]\n", strings.Join(result.ToolsUsed, ", "), result.ExecutionTime.Seconds())
		}
	}
}
