// Command demo serves the example durable functions over net/http against
// a local dev-mode Executor stand-in, so the whole register, discover,
// execute, checkpoint loop runs with nothing but `go run`.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/stepforge/stepforge-go/comm"
	"github.com/stepforge/stepforge-go/comm/devserver"
	"github.com/stepforge/stepforge-go/comm/nethttp"
	"github.com/stepforge/stepforge-go/engine"
	"github.com/stepforge/stepforge-go/examples/approval"
	"github.com/stepforge/stepforge-go/examples/digest"
	"github.com/stepforge/stepforge-go/examples/onboarding"
)

const (
	serveAddr   = ":3000"
	devAddr     = ":8288"
	devURL      = "http://127.0.0.1:8288"
	servingURL  = "http://127.0.0.1:3000/api/inngest"
	devDatabase = "./stepforge-dev.db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := engine.NewZerologLogger(os.Getenv("INNGEST_LOG_LEVEL"))

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	store, err := devserver.NewStore(devDatabase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open dev store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	dev := &http.Server{Addr: devAddr, Handler: devserver.NewServer(store, logger)}
	go func() {
		if err := dev.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("dev server stopped", "error", err)
		}
	}()

	deps := &engine.HTTPDeps{
		EventAPIBaseURL: devURL,
		APIBaseURL:      devURL,
		AIBackend: &engine.DirectAIBackend{
			AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
			OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		},
	}
	defer deps.Close()

	handler := comm.NewHandler(comm.Options{
		AppID:        "stepforge-demo",
		Dev:          true,
		DevServerURL: devURL,
		Logger:       logger,
		Deps:         deps,
		Checkpoint:   &engine.HTTPCheckpointClient{BaseURL: devURL},
		Middleware:   []engine.Middleware{engine.NewTracingMiddleware("stepforge-demo")},
	},
		onboarding.Function(),
		approval.Function(),
		digest.Function(),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/inngest", nethttp.Serve(handler, servingURL))

	srv := &http.Server{Addr: serveAddr, Handler: mux}
	go func() {
		logger.Info("serving durable functions", "addr", serveAddr, "dev_server", devURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = dev.Shutdown(shutdownCtx)
}
