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

	"github.com/harborline/merchcore/internal/graph"
	"github.com/harborline/merchcore/internal/ingest"
	"github.com/harborline/merchcore/internal/model"
	"github.com/harborline/merchcore/internal/transform"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Route("/graph", func(api chi.Router) {
			api.Get("/objects/{type}", func(w http.ResponseWriter, r *http.Request) {
				objs, err := env.Graph.GetObjects(r.Context(), chi.URLParam(r, "type"))
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				// Attributes are flattened at the boundary only.
				flat := make([]map[string]any, len(objs))
				for i, o := range objs {
					flat[i] = o.Flatten()
				}
				writeJSON(w, http.StatusOK, map[string]any{"objects": flat, "count": len(flat)})
			})

			api.Get("/events/{type}", func(w http.ResponseWriter, r *http.Request) {
				limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
				events, err := env.Graph.GetEvents(r.Context(),
					chi.URLParam(r, "type"), r.URL.Query().Get("target_id"), limit)
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
			})
		})

		r.Route("/ontology", func(api chi.Router) {
			api.Post("/schema/register", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					EntityType string              `json:"entity_type"`
					Fields     []model.SchemaField `json:"fields"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				if err := env.Graph.RegisterSchema(r.Context(), req.EntityType, req.Fields); err != nil {
					writeError(w, governanceStatus(err), err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"status": "registered", "entity_type": req.EntityType})
			})

			api.Delete("/schema/{type}", func(w http.ResponseWriter, r *http.Request) {
				entityType := chi.URLParam(r, "type")
				if err := env.Graph.DeleteSchema(r.Context(), entityType); err != nil {
					writeError(w, governanceStatus(err), err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "entity_type": entityType})
			})

			api.Get("/registry", func(w http.ResponseWriter, r *http.Request) {
				registry, err := env.Graph.GetFullRegistry(r.Context())
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, registry)
			})

			api.Get("/structure", func(w http.ResponseWriter, r *http.Request) {
				objType := r.URL.Query().Get("type")
				if objType == "" {
					objType = model.ObjectProduct
				}
				keys, err := env.Graph.GetStructure(r.Context(), objType)
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"type": objType, "fields": keys})
			})

			api.Post("/lock", func(w http.ResponseWriter, r *http.Request) {
				if err := env.Graph.LockSystem(r.Context()); err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"locked": true})
			})

			api.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
				locked, err := env.Graph.IsSystemLocked(r.Context())
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				counts, err := env.Graph.Stats(r.Context())
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"locked": locked, "counts": counts})
			})
		})

		r.Post("/ingest/universal", func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseMultipartForm(64 << 20); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			file, _, err := r.FormFile("file")
			if err != nil {
				writeError(w, http.StatusBadRequest, eris.Wrap(err, "file part required"))
				return
			}
			defer file.Close()

			kind := r.FormValue("kind") // "object" or "event"
			var result *ingest.Result
			switch kind {
			case "object":
				var m ingest.ObjectMapping
				if err := json.Unmarshal([]byte(r.FormValue("mapping")), &m); err != nil {
					writeError(w, http.StatusBadRequest, eris.Wrap(err, "parse mapping"))
					return
				}
				result, err = env.Ingest.IngestObjects(r.Context(), file, m)
			case "event":
				var m ingest.EventMapping
				if err := json.Unmarshal([]byte(r.FormValue("mapping")), &m); err != nil {
					writeError(w, http.StatusBadRequest, eris.Wrap(err, "parse mapping"))
					return
				}
				result, err = env.Ingest.IngestEvents(r.Context(), file, m)
			default:
				writeError(w, http.StatusBadRequest, eris.Errorf("kind must be object or event, got %q", kind))
				return
			}
			if err != nil {
				status := http.StatusInternalServerError
				if eris.Is(err, ingest.ErrMappingFailed) {
					status = http.StatusBadRequest
				}
				writeError(w, status, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		})

		r.Route("/policy", func(api chi.Router) {
			api.Get("/", func(w http.ResponseWriter, r *http.Request) {
				policies, err := env.Policy.GetAllPolicies(r.Context())
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
			})

			api.Post("/", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Key      string  `json:"key"`
					EntityID string  `json:"entity_id"`
					Value    float64 `json:"value"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				if err := env.Policy.SetPolicy(r.Context(), req.Key, req.EntityID, req.Value); err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"status": "set"})
			})

			api.Post("/profit", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					RevenueImpact float64 `json:"revenue_impact"`
					CostImpact    float64 `json:"cost_impact"`
					DurationDays  int     `json:"duration_days"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				verdict := env.Profit.Validate(req.RevenueImpact, req.CostImpact, req.DurationDays)
				writeJSON(w, http.StatusOK, verdict)
			})

			api.Post("/validate", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					ActionType string             `json:"action_type"`
					Value      float64            `json:"value"`
					EntityID   string             `json:"entity_id"`
					Context    map[string]float64 `json:"context"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				verdict, err := env.Policy.ValidateAction(r.Context(), req.ActionType, req.Value, req.EntityID, req.Context)
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, verdict)
			})
		})

		r.Route("/agency", func(api chi.Router) {
			api.Post("/queue", func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					Action   string  `json:"action"`
					TargetID string  `json:"target_id"`
					Quantity float64 `json:"quantity"`
					Reason   string  `json:"reason"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				pkg := model.NewDecisionPackage(req.Action, req.TargetID, req.Quantity, req.Reason)
				queued := env.Agent.QueueDecision(pkg)
				writeJSON(w, http.StatusOK, map[string]any{"queued": queued, "package": pkg})
			})

			api.Get("/queue", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"queue": env.Agent.Queue()})
			})

			api.Post("/execute", func(w http.ResponseWriter, r *http.Request) {
				results := env.Agent.ExecuteBatch(r.Context())
				writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
			})
		})

		r.Route("/ledger", func(api chi.Router) {
			api.Get("/recent", func(w http.ResponseWriter, r *http.Request) {
				limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
				entries, err := env.Ledger.GetRecentLogs(r.Context(), limit)
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
			})

			api.Get("/summary", func(w http.ResponseWriter, r *http.Request) {
				summary, err := env.Ledger.GetDailySummary(r.Context())
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, summary)
			})
		})

		r.Post("/transform/derive", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				TargetMetric string `json:"target_metric"`
				MetricA      string `json:"metric_a"`
				Op           string `json:"op"`
				MetricB      string `json:"metric_b"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			result, err := env.Transform.DeriveMetric(r.Context(), req.TargetMetric, req.MetricA, req.Op, req.MetricB)
			if err != nil {
				status := http.StatusInternalServerError
				if eris.Is(err, transform.ErrNoSourceData) {
					status = http.StatusNotFound
				}
				writeError(w, status, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// governanceStatus maps schema governance failures to HTTP statuses.
func governanceStatus(err error) int {
	switch {
	case eris.Is(err, graph.ErrSystemLocked):
		return http.StatusLocked
	case eris.Is(err, graph.ErrConstitutionalViolation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
