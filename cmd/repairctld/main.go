// repairctld is the orchestration core server: it runs the Step Scheduler's
// background drivers alongside the Job Control HTTP API in one process.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/codeready-toolchain/repairctl/pkg/agentloop"
	"github.com/codeready-toolchain/repairctl/pkg/httpapi"
	"github.com/codeready-toolchain/repairctl/pkg/llmclient"
	"github.com/codeready-toolchain/repairctl/pkg/scheduler"
	"github.com/codeready-toolchain/repairctl/pkg/skills"
	"github.com/codeready-toolchain/repairctl/pkg/store"
	"github.com/codeready-toolchain/repairctl/pkg/workspace"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: could not load .env file: %v", err)
		log.Printf("Continuing with existing environment variables...")
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ginMode := getEnv("GIN_MODE", "release")
	gin.SetMode(ginMode)

	log.Printf("Starting repairctld")
	log.Printf("HTTP Port: %s", httpPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbConfig, err := store.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}

	dbClient, err := store.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	log.Println("Connected to PostgreSQL database")

	wsClient := workspace.NewClient(getEnv("EXECUTOR_BASE_URL", "http://executor.internal:9000"))
	llmClient := llmclient.NewClient(
		getEnv("LLM_BASE_URL", "http://llm.internal:9100"),
		getEnv("LLM_MODEL", "default"),
	)
	registry := skills.NewRegistry(skills.NewBuiltinSkills()...)

	jobService := store.NewJobService(dbClient.Client, wsClient)
	loop := agentloop.NewLoop(jobService, wsClient, llmClient, registry)
	poolSize := getEnvInt("SCHEDULER_POOL_SIZE", scheduler.DefaultPoolSize)
	sched := scheduler.New(jobService, loop, poolSize)
	sched.Start(ctx)
	log.Printf("Step scheduler started (pool size %d)", poolSize)

	router := httpapi.NewRouter(jobService, dbClient)
	srv := &http.Server{
		Addr:    ":" + httpPort,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down repairctld")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	sched.Stop()
	log.Println("repairctld stopped")
}
