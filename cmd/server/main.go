package main

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/minernet/digracer/internal/transport"
	dws "github.com/minernet/digracer/internal/websocket"
	"github.com/minernet/digracer/utils/database"
)

func main() {
	_ = godotenv.Load()
	if lvl, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	db, err := database.Open(getEnv("DB_PATH", "resources/digracer.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	if err := database.Initialize(db); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	relay := transport.NewRelay()
	hub := dws.NewHub(relay, log.Logger, func(winner, loser string, progress int, forfeit bool) error {
		return database.SaveResult(db, database.Result{
			Winner:   winner,
			Loser:    loser,
			Progress: progress,
			Forfeit:  forfeit,
		})
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/leaderboard", func(w http.ResponseWriter, req *http.Request) {
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		entries, err := database.FetchLeaderboard(db, limit)
		if err != nil {
			log.Error().Err(err).Msg("fetch leaderboard")
			http.Error(w, "leaderboard unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, entries)
	})
	r.Get("/results", func(w http.ResponseWriter, req *http.Request) {
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		results, err := database.RecentResults(db, limit)
		if err != nil {
			log.Error().Err(err).Msg("fetch results")
			http.Error(w, "results unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, results)
	})
	r.Get("/ws", hub.Join)

	port := getEnv("PORT", "8090")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("port", port).Msg("starting digracer server")
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
