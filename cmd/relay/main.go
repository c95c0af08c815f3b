// Command relay is the process entrypoint: it loads configuration, opens
// the Session Store and Long-Term Memory Store, recovers any orphaned
// sessions left over from a prior crash, starts the Lifecycle Manager,
// wires the Request Pipeline and Document Ingestion behind an inbound
// webhook route, and serves that alongside the admin HTTP surface until
// an interrupt or terminate signal triggers a graceful shutdown (spec §6
// CLI surface).
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaycore/whatsrelay/adminhttp"
	"github.com/relaycore/whatsrelay/commands"
	"github.com/relaycore/whatsrelay/config"
	"github.com/relaycore/whatsrelay/documents"
	"github.com/relaycore/whatsrelay/lifecycle"
	"github.com/relaycore/whatsrelay/llm"
	"github.com/relaycore/whatsrelay/ltm"
	"github.com/relaycore/whatsrelay/pipeline"
	"github.com/relaycore/whatsrelay/rlog"
	"github.com/relaycore/whatsrelay/sessionstore"
	"github.com/relaycore/whatsrelay/transport"
)

// Exit codes per spec §6.
const (
	exitOK                    = 0
	exitConfigError           = 2
	exitDependencyUnavailable = 3
	exitInterrupted           = 130
	exitTerminated            = 143
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the relay configuration document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		rlog.Log.Errorf("startup: %v", err)
		return exitConfigError
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		rlog.Log.Errorf("startup: OPENAI_API_KEY is not set")
		return exitDependencyUnavailable
	}
	openaiClient := llm.NewOpenAIClient(apiKey)

	store, err := sessionstore.Open(
		cfg.Session.StorageRoot+"/active",
		cfg.Session.StorageRoot+"/archive",
		cfg.Session.RoleTokenBudgets,
		cfg.Completion.Model,
	)
	if err != nil {
		rlog.Log.Errorf("startup: opening session store: %v", err)
		return exitDependencyUnavailable
	}

	memory, err := ltm.Open(cfg.LTM.StorageRoot+"/"+cfg.LTM.CollectionName+".db", openaiClient, cfg.Embedding.Model)
	if err != nil {
		rlog.Log.Errorf("startup: opening ltm store: %v", err)
		return exitDependencyUnavailable
	}
	defer memory.Close()

	lifecycleMgr := lifecycle.NewManager(store, memory, openaiClient, lifecycle.Config{
		CleanupInterval:   cfg.Session.CleanupInterval(),
		IdleTimeout:       cfg.Session.IdleTimeout(),
		SummaryModel:      cfg.Completion.Model,
		MaxTokens:         cfg.Completion.MaxTokens,
		GlobalOwnerChatID: cfg.Principals.PrivilegedChatID,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	exitCode := exitOK
	go func() {
		sig := <-sigChan
		if sig == syscall.SIGTERM {
			exitCode = exitTerminated
		} else {
			exitCode = exitInterrupted
		}
		cancel()
	}()

	recovered := lifecycleMgr.RecoverOrphans(ctx)
	rlog.Log.Infof("startup: recovered %d orphaned session(s)", recovered)

	lifecycleMgr.Start(ctx)
	defer lifecycleMgr.Stop()

	cmds := commands.New(store, memory, lifecycleMgr, commands.Config{
		Reset:    cfg.Commands.Reset,
		Remember: cfg.Commands.Remember,
		Sessions: cfg.Commands.Sessions,
	})

	preamble, err := os.ReadFile(cfg.SystemPreamblePath)
	if err != nil {
		rlog.Log.Errorf("startup: reading system preamble: %v", err)
		return exitDependencyUnavailable
	}

	p := pipeline.New(store, memory, openaiClient, cmds, pipeline.Config{
		CompletionModel:   cfg.Completion.Model,
		MaxTokens:         cfg.Completion.MaxTokens,
		Temperature:       cfg.Completion.Temperature,
		TopK:              cfg.LTM.TopK,
		MinSimilarity:     cfg.LTM.MinSimilarity,
		MemoryEnabled:     cfg.FeatureFlags.MemoryEnabled,
		GlobalOwnerChatID: cfg.Principals.PrivilegedChatID,
		SystemPreamble:    string(preamble),
	})

	imageOCRPrompt, err := os.ReadFile(cfg.Prompts.ImageOCR)
	if err != nil {
		rlog.Log.Errorf("startup: reading image OCR prompt: %v", err)
		return exitDependencyUnavailable
	}
	classificationPrompt, err := os.ReadFile(cfg.Prompts.Classification)
	if err != nil {
		rlog.Log.Errorf("startup: reading classification prompt: %v", err)
		return exitDependencyUnavailable
	}
	extractionPrompt, err := os.ReadFile(cfg.Prompts.Extraction)
	if err != nil {
		rlog.Log.Errorf("startup: reading extraction prompt: %v", err)
		return exitDependencyUnavailable
	}
	docs := documents.New(openaiClient, documents.Config{
		StorageRoot: cfg.Media.StorageRoot,
		MaxBytes:    cfg.Media.MaxBytes,
		MaxPDFPages: cfg.Media.MaxPDFPages,
		Prompts: documents.Prompts{
			ImageOCR:       string(imageOCRPrompt),
			Classification: string(classificationPrompt),
			Extraction:     string(extractionPrompt),
		},
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	adminhttp.New(store, memory).RegisterRoutes(router)
	transport.NewWebhookServer(p, docs).RegisterRoutes(router)
	httpServer := &http.Server{Addr: ":8081", Handler: router}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rlog.Log.Errorf("admin http: %v", err)
		}
	}()

	rlog.Log.Infof("relay: running")
	<-ctx.Done()
	rlog.Log.Infof("relay: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		rlog.Log.Warnf("admin http: shutdown error: %v", err)
	}

	return exitCode
}
