package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gatherline/eventpipe/internal/config"
	"github.com/gatherline/eventpipe/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server for extraction requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(env.Collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(ctx, env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// splitPayload is the admin wire form of the traffic split.
type splitPayload struct {
	NewPipelinePercentage int  `json:"new_pipeline_percentage"`
	Sticky                bool `json:"sticky"`
}

// buildRouter wires the HTTP surface. env may be nil or partially wired in
// tests; handlers answer for the pieces that exist, and the extract handler
// accepts work it cannot start and logs the skip.
func buildRouter(ctx context.Context, env *pipelineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		body := map[string]string{"status": "ok"}
		if env != nil && env.Driver != nil {
			body["render_breaker"] = env.Driver.BreakerState().String()
		}
		writeJSON(w, http.StatusOK, body)
	})

	r.Post("/extract", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			URL string `json:"url"`
			Arm string `json:"arm"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if in.URL == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
			return
		}
		arm, err := parseArm(in.Arm)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if arm == "" && env != nil && env.Splitter != nil {
			arm = env.Splitter.Assign(in.URL)
		}

		// Extraction runs under the server context; the request context
		// dies with the response.
		go func() {
			if env == nil || env.Coordinator == nil || env.Legacy == nil {
				zap.L().Warn("extract skipped, pipeline not initialized", zap.String("source_url", in.URL))
				return
			}
			result, err := executeRun(ctx, env, in.URL, arm)
			if err != nil {
				zap.L().Error("webhook extraction failed",
					zap.String("source_url", in.URL),
					zap.Error(err),
				)
				return
			}
			zap.L().Info("webhook extraction complete",
				zap.String("source_url", in.URL),
				zap.String("arm", string(result.Arm)),
				zap.Bool("failed", result.Failed),
				zap.Int("accepted", len(result.Accepted)),
			)
		}()

		resp := map[string]string{"status": "accepted", "source_url": in.URL}
		if arm != "" {
			resp["arm"] = string(arm)
		}
		writeJSON(w, http.StatusAccepted, resp)
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		if env == nil || env.Collector == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "metrics unavailable"})
			return
		}
		hours := 24
		if cfg != nil && cfg.Metrics.LookbackHours > 0 {
			hours = cfg.Metrics.LookbackHours
		}
		if raw := req.URL.Query().Get("hours"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "hours must be a positive integer"})
				return
			}
			hours = n
		}
		snap, err := env.Collector.Collect(req.Context(), hours)
		if err != nil {
			zap.L().Error("metrics collection failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics collection failed"})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Get("/admin/split", func(w http.ResponseWriter, req *http.Request) {
		if env == nil || env.Splitter == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "splitter unavailable"})
			return
		}
		cur := env.Splitter.Current()
		writeJSON(w, http.StatusOK, splitPayload{
			NewPipelinePercentage: cur.NewPipelinePercentage,
			Sticky:                cur.Sticky,
		})
	})

	r.Put("/admin/split", func(w http.ResponseWriter, req *http.Request) {
		if env == nil || env.Splitter == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "splitter unavailable"})
			return
		}
		var in splitPayload
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		next := config.SplitConfig{
			NewPipelinePercentage: in.NewPipelinePercentage,
			Sticky:                in.Sticky,
		}
		if err := env.Splitter.Update(next); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, in)
	})

	return r
}

// requestLogger emits one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
