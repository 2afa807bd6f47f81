package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forgebot/internal/adapter/channel"
	"forgebot/internal/adapter/github"
	"forgebot/internal/adapter/health"
	"forgebot/internal/adapter/llm"
	"forgebot/internal/domain"
	"forgebot/internal/infra/config"
	"forgebot/internal/infra/logger"
	"forgebot/internal/infra/middleware"
	"forgebot/internal/infra/tracer"
	"forgebot/internal/usecase"
	"forgebot/internal/usecase/eventbus"
	"forgebot/internal/usecase/process"
	"forgebot/internal/usecase/scheduling"
	"forgebot/internal/usecase/status"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "encrypt":
			if err := runEncrypt(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
				os.Exit(1)
			}
			return
		case "check":
			if err := runCheck(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "check: %v\n", err)
				os.Exit(1)
			}
			return
		case "version":
			fmt.Println("forgebot", version)
			return
		}
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`forgebot - build projects from Discord with a code generation CLI

USAGE:
    forgebot [FLAGS]            Run the bot
    forgebot check [FLAGS]      Run the startup checks and exit
    forgebot encrypt VALUE      Print VALUE as an enc: secret (needs FORGEBOT_CONFIG_KEY)
    forgebot version            Print the version

FLAGS:
    -config PATH    Config file (default: $FORGEBOT_CONFIG or ./forgebot.yaml)

CONFIGURATION:
    .env is loaded first; FORGEBOT_* and DISCORD_BOT_TOKEN, GITHUB_*,
    AZURE_OPENAI_* variables override the config file.`)
}

func runEncrypt(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: forgebot encrypt VALUE")
	}
	passphrase := os.Getenv("FORGEBOT_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("FORGEBOT_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println(enc)
	return nil
}

func loadConfig(name string, args []string) (*config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	defaultPath := os.Getenv("FORGEBOT_CONFIG")
	if defaultPath == "" {
		defaultPath = "forgebot.yaml"
	}
	path := fs.String("config", defaultPath, "config file path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	return config.Load(*path)
}

// app holds everything main builds.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	bus       *eventbus.Bus
	completer domain.Completer // nil when AI is not configured
	publisher *github.Publisher
	registry  *process.Registry
	sessions  *usecase.SessionManager
	projects  *usecase.ProjectService
	commands  *usecase.Commands
}

func build(cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log, bus: eventbus.New(log)}

	if cfg.AI.Configured() {
		az, err := llm.NewAzureOpenAI(llm.AzureConfig{
			Endpoint:   cfg.AI.Endpoint,
			APIKey:     cfg.AI.APIKey,
			Deployment: cfg.AI.Deployment,
			APIVersion: cfg.AI.APIVersion,
			Timeout:    cfg.AI.Timeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("ai client: %w", err)
		}
		a.completer = az
		if cb := cfg.AI.CircuitBreaker; cb.Enabled {
			a.completer = llm.NewCircuitBreakerCompleter(az, llm.CircuitBreakerConfig{
				MaxFailures: cb.MaxFailures,
				Timeout:     cb.Timeout,
				Interval:    cb.Interval,
			}, log)
		}
	}

	a.publisher = github.NewPublisher(github.Config{
		Enabled:       cfg.GitHub.Enabled,
		Token:         cfg.GitHub.Token,
		Username:      cfg.GitHub.Username,
		APIURL:        cfg.GitHub.APIURL,
		Branch:        cfg.GitHub.Branch,
		GitignorePath: cfg.GitHub.GitignorePath,
		GitTimeout:    cfg.GitHub.GitTimeout,
	}, log)

	a.registry = process.NewRegistry(cfg.Copilot.KillGrace, log)
	monitor := process.NewMonitor(process.MonitorConfig{
		Executable:       cfg.Copilot.Executable,
		Flags:            cfg.Copilot.Flags,
		PromptFlag:       cfg.Copilot.PromptFlag,
		ModelFlag:        cfg.Copilot.ModelFlag,
		Timeout:          cfg.Copilot.Timeout,
		ProgressInterval: cfg.Copilot.ProgressInterval,
		KillGrace:        cfg.Copilot.KillGrace,
		DrainGrace:       cfg.Copilot.DrainGrace,
	}, a.registry, a.bus, log)

	tree := status.NewTreeRenderer(status.TreeConfig{
		MaxDepth:       cfg.Status.TreeDepth,
		MaxFilesInline: cfg.Status.MaxFilesInline,
		IgnorePatterns: cfg.Status.IgnorePatterns,
	})
	composer := status.NewComposer(status.Config{
		Interval:            cfg.Status.Interval,
		MaxMessageLength:    cfg.Status.MaxMessageLength,
		MaxTreeLength:       cfg.Status.MaxTreeLength,
		MaxOutputLength:     cfg.Status.MaxOutputLength,
		MaxSummaryLength:    cfg.Status.MaxSummaryLength,
		PromptPreviewLength: cfg.Status.PromptPreviewLength,
		Timeout:             cfg.Copilot.Timeout,
	}, tree, log)

	namer := usecase.NewNamer(a.completer, usecase.NamerConfig{
		NamePrompt:        cfg.Prompts.RepositoryName,
		DescriptionPrompt: cfg.Prompts.RepositoryDescription,
	}, log)
	refiner := usecase.NewRefiner(a.completer, usecase.RefinerConfig{
		SystemPrompt:           cfg.Prompts.RefinementSystem,
		ExtractionSystemPrompt: cfg.Prompts.ExtractionSystem,
		ExtractionPrompt:       cfg.Prompts.Extraction,
		Temperature:            cfg.AI.RefinementTemperature,
		ExtractionTemperature:  cfg.AI.ExtractionTemperature,
		MaxTokens:              cfg.AI.MaxTokens,
	}, log)

	a.sessions = usecase.NewSessionManager(cfg.Session.Timeout, log, usecase.WithSessionEvents(a.bus))
	a.projects = usecase.NewProjectService(usecase.ProjectConfig{
		Dir:              cfg.Projects.Dir,
		PromptFile:       cfg.Projects.PromptFile,
		Template:         cfg.Prompts.CreateProject,
		MaxParallelRuns:  cfg.Projects.MaxParallelRuns,
		CleanupAfterPush: cfg.Projects.CleanupAfterPush,
		GitHubEnabled:    cfg.GitHub.Enabled,
		PrivateRepos:     cfg.GitHub.Private,
	}, usecase.ProjectDeps{
		Monitor:   monitor,
		Composer:  composer,
		Tree:      tree,
		Namer:     namer,
		Publisher: a.publisher,
		Bus:       a.bus,
		Logger:    log,
	})
	a.commands = usecase.NewCommands(usecase.CommandConfig{
		MaxPromptLength:  cfg.Session.MaxPromptLength,
		MaxMessageLength: cfg.Status.MaxMessageLength,
	}, usecase.CommandDeps{
		Sessions: a.sessions,
		Refiner:  refiner,
		Projects: a.projects,
		Logger:   log,
	})
	return a, nil
}

func (a *app) preflight(ctx context.Context) []usecase.CheckResult {
	cfg := a.cfg
	deps := usecase.PreflightDeps{AI: a.completer, Logger: a.logger}
	if a.publisher.Configured() {
		deps.GitHubLogin = a.publisher.Login
	}
	return usecase.NewPreflight(usecase.PreflightConfig{
		DiscordToken:   cfg.Discord.Token,
		ProjectsDir:    cfg.Projects.Dir,
		Executable:     cfg.Copilot.Executable,
		GitHubEnabled:  cfg.GitHub.Enabled,
		GitHubToken:    cfg.GitHub.Token,
		GitHubUsername: cfg.GitHub.Username,
		GitignorePath:  cfg.GitHub.GitignorePath,
		AIEndpoint:     cfg.AI.Endpoint,
		AIKey:          cfg.AI.APIKey,
		AIDeployment:   cfg.AI.Deployment,
	}, deps).Run(ctx)
}

func setup(name string, args []string) (*app, func(), error) {
	cfg, err := loadConfig(name, args)
	if err != nil {
		return nil, nil, err
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	a, err := build(cfg, log)
	if err != nil {
		_ = closeLog()
		return nil, nil, err
	}
	return a, func() { _ = closeLog() }, nil
}

func runCheck(args []string) error {
	a, cleanup, err := setup("check", args)
	if err != nil {
		return err
	}
	defer cleanup()

	results := a.preflight(context.Background())
	for _, r := range results {
		fmt.Printf("%-6s %-16s %s\n", r.Status, r.Name, r.Message)
		if r.Fix != "" && r.Status != usecase.StatusPass {
			fmt.Printf("       %-16s fix: %s\n", "", r.Fix)
		}
	}
	if failed := usecase.FailedChecks(results); len(failed) > 0 {
		return fmt.Errorf("%d critical checks failed", len(failed))
	}
	return nil
}

func run(args []string) error {
	a, cleanup, err := setup("forgebot", args)
	if err != nil {
		return err
	}
	defer cleanup()
	cfg, log := a.cfg, a.logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer, version)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracer(sctx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	log.Info("forgebot starting", "version", version, "projects_dir", cfg.Projects.Dir)
	if failed := usecase.FailedChecks(a.preflight(ctx)); len(failed) > 0 {
		return fmt.Errorf("startup checks failed: %s", failed[0].Name)
	}

	stopAudit := eventbus.Audit(a.bus, log)
	defer stopAudit()
	counter := eventbus.NewCounter(a.bus)
	defer counter.Stop()

	sched := scheduling.NewScheduler(log)
	if cfg.Scheduler.Enabled {
		if err := addJobs(sched, a); err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	bot := channel.NewDiscord(cfg.Discord.Token, a.commands, log,
		channel.WithDiscordGuild(cfg.Discord.GuildID),
		channel.WithDiscordEditRate(cfg.Discord.EditRate, cfg.Discord.EditBurst),
	)

	var srv *health.Server
	if cfg.HTTP.Addr != "" {
		srv = health.NewServer(health.Config{
			Addr:    cfg.HTTP.Addr,
			Version: version,
			RateLimit: middleware.RateLimitConfig{
				PerSecond: cfg.HTTP.RateLimit,
				Burst:     cfg.HTTP.RateBurst,
			},
		}, health.StatusSource{
			ActiveRuns:     a.registry.ActiveCount,
			ActiveSessions: a.sessions.Active,
			Ready:          bot.Ready,
			Events:         counter.Snapshot,
		}, log)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error("health server stopped", "error", err)
			}
		}()
	}

	if err := bot.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	// Child processes die first so nothing outlives the bot.
	if n := a.registry.KillAllNow(); n > 0 {
		log.Info("killed running processes", "count", n)
	}
	go func() {
		<-sigCh
		log.Warn("second signal, exiting immediately")
		os.Exit(1)
	}()

	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()

	if err := sched.Stop(); err != nil {
		log.Warn("scheduler stop", "error", err)
	}
	if err := bot.Stop(sctx); err != nil {
		log.Warn("discord stop", "error", err)
	}
	if n := a.registry.KillAll(sctx); n > 0 {
		log.Info("reaped remaining processes", "count", n)
	}
	if srv != nil {
		if err := srv.Stop(sctx); err != nil {
			log.Warn("health server stop", "error", err)
		}
	}
	a.bus.Close()
	log.Info("forgebot stopped")
	return nil
}

func addJobs(sched *scheduling.Scheduler, a *app) error {
	cfg := a.cfg.Scheduler
	sched.RegisterAction(scheduling.ActionSessionSweep, scheduling.SweepSessions(a.sessions, a.logger))
	if err := sched.AddTask(scheduling.Task{
		Name:     "session-sweep",
		Schedule: cfg.SessionSweep,
		Action:   scheduling.ActionSessionSweep,
	}); err != nil {
		return err
	}

	if cfg.WorkspacePrune == "" {
		return nil
	}
	pruner := &scheduling.WorkspacePruner{
		Dir:    a.projects.Dir(),
		MaxAge: cfg.WorkspaceMaxAge,
		InUse:  a.projects.InUse,
		Bus:    a.bus,
		Logger: a.logger,
	}
	sched.RegisterAction(scheduling.ActionWorkspacePrune, pruner.Action())
	return sched.AddTask(scheduling.Task{
		Name:     "workspace-prune",
		Schedule: cfg.WorkspacePrune,
		Action:   scheduling.ActionWorkspacePrune,
		Timeout:  30 * time.Minute,
	})
}
