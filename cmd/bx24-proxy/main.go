package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/unnamed777/bx24wrapper/internal/config"
	"github.com/unnamed777/bx24wrapper/pkg/client"
	"github.com/unnamed777/bx24wrapper/pkg/logging"
)

func main() {
	cfg, err := config.Load(os.Getenv("BX24_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
	})

	ctx := context.Background()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	}

	clientCfg := client.DefaultConfig(cfg.Endpoint)
	clientCfg.Redis = redisClient
	clientCfg.RequestsPerSecond = cfg.RequestsPerSecond
	clientCfg.Burst = cfg.Burst
	clientCfg.CacheTTL = cfg.CacheTTL

	bx, err := client.New(clientCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create client")
	}
	defer bx.Close()

	http.HandleFunc("/health", healthHandler)
	http.HandleFunc("/ready", readyHandler(redisClient))
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/rest/", restHandler(bx))

	logger.Info().Str("addr", cfg.Addr).Msg("starting bx24 proxy")

	if err := http.ListenAndServe(cfg.Addr, nil); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler reports readiness. With Redis configured, readiness
// requires a successful ping.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()

			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, fmt.Sprintf("redis unavailable: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// restHandler forwards /rest/{method} calls to the portal through the
// full client stack and writes the envelope back.
// Example: POST /rest/crm.deal.list with a JSON parameter body.
func restHandler(bx *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/rest/"), ".json")
		if method == "" {
			http.Error(w, "method missing in path", http.StatusBadRequest)
			return
		}

		var params client.Params
		if r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, fmt.Sprintf("invalid parameter body: %v", err), http.StatusBadRequest)
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		resp, err := bx.CallMethod(ctx, method, params)

		var apiErr *client.APIError
		switch {
		case errors.As(err, &apiErr):
			writeEnvelope(w, errorStatus(apiErr), resp, apiErr)
		case err != nil:
			http.Error(w, fmt.Sprintf("portal request failed: %v", err), http.StatusBadGateway)
		default:
			writeEnvelope(w, http.StatusOK, resp, nil)
		}
	}
}

// writeEnvelope sends the portal envelope back to the caller. When the
// transport produced no envelope alongside the error, a minimal one is
// rebuilt from the error itself.
func writeEnvelope(w http.ResponseWriter, status int, resp *client.Response, apiErr *client.APIError) {
	if resp == nil && apiErr != nil {
		resp = &client.Response{
			Error:            apiErr.Code,
			ErrorDescription: apiErr.Description,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func errorStatus(apiErr *client.APIError) int {
	if apiErr.StatusCode > 0 {
		return apiErr.StatusCode
	}
	switch apiErr.Class() {
	case client.ErrorClassAuth:
		return http.StatusUnauthorized
	case client.ErrorClassLimit:
		return http.StatusTooManyRequests
	case client.ErrorClassServer:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}
