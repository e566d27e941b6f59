// Package server exposes the memory agent over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vsf-health/vsf-agent/internal/config"
	"github.com/vsf-health/vsf-agent/internal/embeddings"
	"github.com/vsf-health/vsf-agent/internal/llm"
	"github.com/vsf-health/vsf-agent/internal/telemetry"
	"github.com/vsf-health/vsf-agent/internal/vectorstore"
	"github.com/vsf-health/vsf-agent/pkg/agent"
	"github.com/vsf-health/vsf-agent/pkg/database"
	"github.com/vsf-health/vsf-agent/pkg/doctors"
	"github.com/vsf-health/vsf-agent/pkg/logger"
	"github.com/vsf-health/vsf-agent/pkg/memory"
)

// ServerCmd represents the serve command.
var ServerCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the memory agent API server",
	Long: `Start the HTTP API server that fronts the memory agent.

The server provides:
- POST /chat for conversing with the agent (auto-priming included)
- Long-term and buffer memory inspection endpoints
- Tool call history
- Health and priming status endpoints
- Stored chat session transcripts

Examples:
  vsf-agent serve                  # Start with configured settings
  vsf-agent serve --port 8080      # Override the listen port`,
	Run: runServer,
}

func init() {
	ServerCmd.Flags().Int("port", 0, "override the configured server port")
	ServerCmd.Flags().String("host", "", "override the configured server host")
}

// API holds the wired components behind the HTTP handlers.
type API struct {
	cfg    *config.Config
	agent  *agent.Agent
	chatDB *database.SQLiteDB
	log    *logrus.Logger
}

// NewAPI builds the handler set around an already-wired agent.
func NewAPI(cfg *config.Config, ag *agent.Agent, chatDB *database.SQLiteDB, log *logrus.Logger) *API {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &API{cfg: cfg, agent: ag, chatDB: chatDB, log: log}
}

// Routes returns the configured router.
func (api *API) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(api.corsMiddleware)

	router.HandleFunc("/", api.handleRoot).Methods("GET")
	router.HandleFunc("/chat", api.handleChat).Methods("POST", "OPTIONS")
	router.HandleFunc("/memory/longterm", api.handleGetLongterm).Methods("GET")
	router.HandleFunc("/memory/longterm", api.handleClearLongterm).Methods("DELETE")
	router.HandleFunc("/memory/buffer", api.handleGetBuffer).Methods("GET")
	router.HandleFunc("/memory/buffer", api.handleClearBuffer).Methods("DELETE")
	router.HandleFunc("/tools/history", api.handleGetToolHistory).Methods("GET")
	router.HandleFunc("/tools/history", api.handleClearToolHistory).Methods("DELETE")
	router.HandleFunc("/health", api.handleHealth).Methods("GET")
	router.HandleFunc("/priming/status", api.handlePrimingStatus).Methods("GET")
	router.HandleFunc("/sessions", api.handleListSessions).Methods("GET")
	router.HandleFunc("/sessions/{session_id}/messages", api.handleGetSessionMessages).Methods("GET")
	router.HandleFunc("/sessions/{session_id}", api.handleDeleteSession).Methods("DELETE")

	return router
}

func (api *API) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		for _, allowed := range api.cfg.Server.CORSOrigins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func runServer(cmd *cobra.Command, args []string) {
	log, err := logger.CreateLogger(
		viper.GetString("log-file"),
		viper.GetString("log-level"),
		viper.GetString("log-format"),
		true,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}

	ctx := context.Background()

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		ConsoleExport:  cfg.Telemetry.ConsoleExport,
		OTLPExport:     cfg.Telemetry.OTLPExport,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	}, log)
	if err != nil {
		log.WithError(err).Warn("Telemetry setup failed, continuing without exporters")
	}
	defer func() {
		if tel != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("Telemetry shutdown failed")
			}
		}
	}()

	store, err := buildStore(cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize vector store: %v", err)
	}
	defer store.Close()

	embedder := embeddings.NewHTTPClient(embeddings.Config{
		BaseURL:          cfg.Embeddings.BaseURL,
		APIKey:           cfg.Embeddings.APIKey,
		Model:            cfg.Embeddings.Model,
		Dimensions:       cfg.Embeddings.Dimensions,
		MaxRetries:       cfg.Embeddings.MaxRetries,
		RateLimitBackoff: cfg.Embeddings.RateLimitBackoff,
	}, log)

	journal := memory.NewJournal(cfg.LongtermPath())
	temp := memory.NewJournal(cfg.TempPath())
	longterm := memory.NewLongTerm(journal, temp, store, embedder, cfg.Memory.LongtermCollection, log)
	if err := store.EnsureCollection(ctx, cfg.Memory.LongtermCollection, cfg.Embeddings.Dimensions); err != nil {
		log.WithError(err).Warn("Could not ensure long-term memory collection, vector search may fail")
	}

	searcher := doctors.NewSearcher(store, embedder, cfg.Memory.DoctorsCollection, log)

	model, err := llm.New(llm.Config{
		Model:          cfg.LLM.Model,
		FallbackModels: cfg.LLM.FallbackModels,
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
	}, log)
	if err != nil {
		log.Fatalf("Failed to initialize chat model: %v", err)
	}

	ag, err := agent.New(agent.Config{
		Model:       model,
		LongTerm:    longterm,
		Doctors:     searcher,
		BufferSize:  cfg.Memory.BufferSize,
		MaxTurns:    cfg.LLM.MaxTurns,
		Temperature: cfg.LLM.Temperature,
		Log:         log,
	})
	if err != nil {
		log.Fatalf("Failed to initialize agent: %v", err)
	}

	chatDB, err := database.NewSQLiteDB(cfg.Database.ChatHistoryPath)
	if err != nil {
		log.Fatalf("Failed to initialize chat history database: %v", err)
	}
	defer chatDB.Close()

	api := NewAPI(cfg, ag, chatDB, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		WriteTimeout: time.Second * 30,
		ReadTimeout:  time.Second * 30,
		IdleTimeout:  time.Second * 300,
		Handler:      api.Routes(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	log.WithFields(logrus.Fields{
		"addr":          srv.Addr,
		"store_backend": cfg.Store.Backend,
		"model":         cfg.LLM.Model,
		"chat_history":  cfg.Database.ChatHistoryPath,
	}).Info("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server shutdown complete")
}

// buildStore selects the vector store backend from configuration.
func buildStore(cfg *config.Config, log *logrus.Logger) (vectorstore.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return vectorstore.NewSQLiteStore(cfg.Store.Path, log)
	default:
		return vectorstore.NewQdrantStore(cfg.Qdrant.URL, cfg.Qdrant.APIKey, log), nil
	}
}
