package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/allisson/fastpubsub/internal/auth"
	"github.com/allisson/fastpubsub/internal/config"
	"github.com/allisson/fastpubsub/internal/log"
	"github.com/allisson/fastpubsub/internal/metrics"
	"github.com/allisson/fastpubsub/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Broker is the engine surface the HTTP facade depends on. Implemented by
// *store.Store.
type Broker interface {
	CreateTopic(ctx context.Context, id string) (store.Topic, error)
	GetTopic(ctx context.Context, id string) (store.Topic, error)
	ListTopics(ctx context.Context, offset, limit int) ([]store.Topic, error)
	DeleteTopic(ctx context.Context, id string) error
	Publish(ctx context.Context, topicID string, payloads []json.RawMessage) (int64, error)

	CreateSubscription(ctx context.Context, params store.CreateSubscriptionParams) (store.Subscription, error)
	GetSubscription(ctx context.Context, id string) (store.Subscription, error)
	ListSubscriptions(ctx context.Context, offset, limit int) ([]store.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error

	Consume(ctx context.Context, subscriptionID, consumerID string, batchSize int) ([]store.Message, error)
	Ack(ctx context.Context, subscriptionID, consumerID string, messageIDs []uuid.UUID) error
	Nack(ctx context.Context, subscriptionID, consumerID string, messageIDs []uuid.UUID) error
	ListDLQMessages(ctx context.Context, subscriptionID string, offset, limit int) ([]store.Message, error)
	ReprocessDLQMessages(ctx context.Context, subscriptionID string, messageIDs []uuid.UUID) error
	Metrics(ctx context.Context, subscriptionID string) (store.SubscriptionMetrics, error)

	CreateClient(ctx context.Context, params store.CreateClientParams) (store.Client, string, error)
	GetClient(ctx context.Context, id uuid.UUID) (store.Client, error)
	ListClients(ctx context.Context, offset, limit int) ([]store.Client, error)
	UpdateClient(ctx context.Context, id uuid.UUID, params store.CreateClientParams) (store.Client, error)
	DeleteClient(ctx context.Context, id uuid.UUID) error

	Ping(ctx context.Context) error
}

type createSubscriptionRequest struct {
	ID                  string       `json:"id"`
	TopicID             string       `json:"topic_id"`
	Filter              store.Filter `json:"filter"`
	MaxDeliveryAttempts int          `json:"max_delivery_attempts"`
	BackoffMinSeconds   int          `json:"backoff_min_seconds"`
	BackoffMaxSeconds   int          `json:"backoff_max_seconds"`
}

type createTopicRequest struct {
	ID string `json:"id"`
}

type clientRequest struct {
	Name     string `json:"name"`
	Scopes   string `json:"scopes"`
	IsActive *bool  `json:"is_active"`
}

type createClientResponse struct {
	ID     uuid.UUID `json:"id"`
	Secret string    `json:"secret"`
}

type issueTokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// SetupRouter wires every route of the REST facade onto r.
func SetupRouter(r *chi.Mux, cfg *config.Config, broker Broker, authn *auth.Authenticator, m *metrics.BrokerMetrics, logger *log.Logger) {
	r.Use(m.HTTPMiddleware)
	r.Use(httprate.Limit(1000, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/liveness", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readiness", func(w http.ResponseWriter, r *http.Request) {
		if err := broker.Ping(r.Context()); err != nil {
			logger.Error("Readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Post("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		var req issueTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusUnauthorized, genericError{Detail: "Invalid client credentials"})
			return
		}
		clientID, err := uuid.Parse(req.ClientID)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, genericError{Detail: "Invalid client credentials"})
			return
		}
		token, err := authn.IssueToken(r.Context(), clientID, req.ClientSecret)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, token)
	})

	r.Group(func(r chi.Router) {
		r.Use(authn.Middleware)

		r.Route("/topics", func(r chi.Router) {
			r.With(auth.RequireScope("topics", "create")).
				Post("/", func(w http.ResponseWriter, r *http.Request) {
					var req createTopicRequest
					if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
						writeJSON(w, http.StatusUnprocessableEntity, genericError{Detail: "Invalid request body"})
						return
					}
					topic, err := broker.CreateTopic(r.Context(), req.ID)
					if err != nil {
						writeError(w, err)
						return
					}
					writeJSON(w, http.StatusCreated, topic)
				})

			r.With(auth.RequireScope("topics", "read")).
				Get("/", func(w http.ResponseWriter, r *http.Request) {
					offset, limit, err := pagination(r)
					if err != nil {
						writeError(w, err)
						return
					}
					topics, err := broker.ListTopics(r.Context(), offset, limit)
					if err != nil {
						writeError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, listResponse{Data: topics})
				})

			r.With(auth.RequireScope("topics", "read")).
				Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
					topic, err := broker.GetTopic(r.Context(), chi.URLParam(r, "id"))
					if err != nil {
						writeError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, topic)
				})

			r.With(auth.RequireScope("topics", "delete")).
				Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
					if err := broker.DeleteTopic(r.Context(), chi.URLParam(r, "id")); err != nil {
						writeError(w, err)
						return
					}
					w.WriteHeader(http.StatusNoContent)
				})

			r.With(auth.RequireScope("topics", "publish")).
				Post("/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
					topicID := chi.URLParam(r, "id")
					var payloads []json.RawMessage
					if err := json.NewDecoder(r.Body).Decode(&payloads); err != nil {
						writeJSON(w, http.StatusUnprocessableEntity, genericError{Detail: "Body must be a JSON array of objects"})
						return
					}
					count, err := broker.Publish(r.Context(), topicID, payloads)
					if err != nil {
						writeError(w, err)
						return
					}
					m.PublishedTotal.WithLabelValues(topicID).Add(float64(count))
					w.WriteHeader(http.StatusNoContent)
				})
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.With(auth.RequireScope("subscriptions", "create")).
				Post("/", func(w http.ResponseWriter, r *http.Request) {
					var req createSubscriptionRequest
					if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
						writeJSON(w, http.StatusUnprocessableEntity, genericError{Detail: "Invalid request body"})
						return
					}
					sub, err := broker.CreateSubscription(r.Context(), store.CreateSubscriptionParams{
						ID:                  req.ID,
						TopicID:             req.TopicID,
						Filter:              req.Filter,
						MaxDeliveryAttempts: req.MaxDeliveryAttempts,
						BackoffMinSeconds:   req.BackoffMinSeconds,
						BackoffMaxSeconds:   req.BackoffMaxSeconds,
					})
					if err != nil {
						writeError(w, err)
						return
					}
					writeJSON(w, http.StatusCreated, sub)
				})

			r.With(auth.RequireScope("subscriptions", "read")).
				Get("/", func(w http.ResponseWriter, r *http.Request) {
					offset, limit, err := pagination(r)
					if err != nil {
						writeError(w, err)
						return
					}
					subs, err := broker.ListSubscriptions(r.Context(), offset, limit)
					if err != nil {
						writeError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, listResponse{Data: subs})
				})

			r.With(auth.RequireScope("subscriptions", "read")).
				Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
					sub, err := broker.GetSubscription(r.Context(), chi.URLParam(r, "id"))
					if err != nil {
						writeError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, sub)
				})

			r.With(auth.RequireScope("subscriptions", "delete")).
				Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
					if err := broker.DeleteSubscription(r.Context(), chi.URLParam(r, "id")); err != nil {
						writeError(w, err)
						return
					}
					w.WriteHeader(http.StatusNoContent)
				})

			r.With(auth.RequireScope("subscriptions", "consume")).
				Get("/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
					subscriptionID := chi.URLParam(r, "id")
					consumerID := r.URL.Query().Get("consumer_id")
					batchSize, err := queryInt(r, "batch_size", 10)
					if err != nil {
						writeJSON(w, http.StatusUnprocessableEntity, genericError{Detail: "batch_size must be an integer"})
						return
					}
					messages, err := broker.Consume(r.Context(), subscriptionID, consumerID, batchSize)
					if err != nil {
						writeError(w, err)
						return
					}
					m.ConsumedTotal.WithLabelValues(subscriptionID).Add(float64(len(messages)))
					if messages == nil {
						messages = []store.Message{}
					}
					writeJSON(w, http.StatusOK, listResponse{Data: messages})
				})

			r.With(auth.RequireScope("subscriptions", "consume")).
				Post("/{id}/acks", func(w http.ResponseWriter, r *http.Request) {
					subscriptionID := chi.URLParam(r, "id")
					ids, err := decodeMessageIDs(r)
					if err != nil {
						writeError(w, err)
						return
					}
					if err := broker.Ack(r.Context(), subscriptionID, r.URL.Query().Get("consumer_id"), ids); err != nil {
						writeError(w, err)
						return
					}
					m.AckTotal.WithLabelValues(subscriptionID).Inc()
					w.WriteHeader(http.StatusNoContent)
				})

			r.With(auth.RequireScope("subscriptions", "consume")).
				Post("/{id}/nacks", func(w http.ResponseWriter, r *http.Request) {
					subscriptionID := chi.URLParam(r, "id")
					ids, err := decodeMessageIDs(r)
					if err != nil {
						writeError(w, err)
						return
					}
					if err := broker.Nack(r.Context(), subscriptionID, r.URL.Query().Get("consumer_id"), ids); err != nil {
						writeError(w, err)
						return
					}
					m.NackTotal.WithLabelValues(subscriptionID).Inc()
					w.WriteHeader(http.StatusNoContent)
				})

			r.With(auth.RequireScope("subscriptions", "read")).
				Get("/{id}/dlq", func(w http.ResponseWriter, r *http.Request) {
					offset, limit, err := pagination(r)
					if err != nil {
						writeError(w, err)
						return
					}
					messages, err := broker.ListDLQMessages(r.Context(), chi.URLParam(r, "id"), offset, limit)
					if err != nil {
						writeError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, listResponse{Data: messages})
				})

			r.With(auth.RequireScope("subscriptions", "consume")).
				Post("/{id}/dlq/reprocess", func(w http.ResponseWriter, r *http.Request) {
					subscriptionID := chi.URLParam(r, "id")
					ids, err := decodeMessageIDs(r)
					if err != nil {
						writeError(w, err)
						return
					}
					if err := broker.ReprocessDLQMessages(r.Context(), subscriptionID, ids); err != nil {
						writeError(w, err)
						return
					}
					m.ReprocessedTotal.WithLabelValues(subscriptionID).Inc()
					w.WriteHeader(http.StatusNoContent)
				})

			r.With(auth.RequireScope("subscriptions", "read")).
				Get("/{id}/metrics", func(w http.ResponseWriter, r *http.Request) {
					subMetrics, err := broker.Metrics(r.Context(), chi.URLParam(r, "id"))
					if err != nil {
						writeError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, subMetrics)
				})
		})

		r.Route("/clients", func(r chi.Router) {
			r.With(auth.RequireScope("clients", "create")).
				Post("/", func(w http.ResponseWriter, r *http.Request) {
					params, err := decodeClientRequest(r)
					if err != nil {
						writeError(w, err)
						return
					}
					client, secret, err := broker.CreateClient(r.Context(), params)
					if err != nil {
						writeError(w, err)
						return
					}
					writeJSON(w, http.StatusCreated, createClientResponse{ID: client.ID, Secret: secret})
				})

			r.With(auth.RequireScope("clients", "read")).
				Get("/", func(w http.ResponseWriter, r *http.Request) {
					offset, limit, err := pagination(r)
					if err != nil {
						writeError(w, err)
						return
					}
					clients, err := broker.ListClients(r.Context(), offset, limit)
					if err != nil {
						writeError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, listResponse{Data: clients})
				})

			r.With(auth.RequireScope("clients", "read")).
				Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
					id, err := pathClientID(r, chi.URLParam(r, "id"))
					if err != nil {
						writeError(w, err)
						return
					}
					client, err := broker.GetClient(r.Context(), id)
					if err != nil {
						writeError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, client)
				})

			r.With(auth.RequireScope("clients", "update")).
				Put("/{id}", func(w http.ResponseWriter, r *http.Request) {
					id, err := pathClientID(r, chi.URLParam(r, "id"))
					if err != nil {
						writeError(w, err)
						return
					}
					params, err := decodeClientRequest(r)
					if err != nil {
						writeError(w, err)
						return
					}
					client, err := broker.UpdateClient(r.Context(), id, params)
					if err != nil {
						writeError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, client)
				})

			r.With(auth.RequireScope("clients", "delete")).
				Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
					id, err := pathClientID(r, chi.URLParam(r, "id"))
					if err != nil {
						writeError(w, err)
						return
					}
					if err := broker.DeleteClient(r.Context(), id); err != nil {
						writeError(w, err)
						return
					}
					w.WriteHeader(http.StatusNoContent)
				})
		})
	})
}

func decodeClientRequest(r *http.Request) (store.CreateClientParams, error) {
	var req clientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return store.CreateClientParams{}, store.ErrInvalidArgument
	}
	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}
	return store.CreateClientParams{Name: req.Name, Scopes: req.Scopes, IsActive: isActive}, nil
}
