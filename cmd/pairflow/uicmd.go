package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/pairflow/pairflow/internal/bubblectx"
	"github.com/pairflow/pairflow/internal/statestore"
	"github.com/spf13/cobra"
)

// uiBubbleRow is the per-bubble shape served by the UI server, matching
// the fields `bubble list --json` already exposes so a browser client
// needs only one schema.
type uiBubbleRow struct {
	Repo  string `json:"repo"`
	ID    string `json:"id"`
	State string `json:"state"`
	Round int    `json:"round"`
}

func newUICmd() *cobra.Command {
	var (
		repos []string
		port  int
		host  string
	)
	cmd := &cobra.Command{
		Use:   "ui",
		Short: "Serve a read-only HTTP/SSE view of bubble state across repos",
		Long: "Starts a small HTTP server that polls the bubbles registered under each " +
			"--repo and serves their current state as JSON (GET /bubbles) and as a " +
			"server-sent-events stream of periodic snapshots (GET /events). This " +
			"command is a thin, read-only viewer over on-disk state; it performs no " +
			"protocol operations and holds no locks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(repos) == 0 {
				return fmt.Errorf("at least one --repo is required")
			}
			addr := fmt.Sprintf("%s:%d", host, port)
			router := newUIRouter(repos)
			srv := &http.Server{Addr: addr, Handler: router}
			fmt.Fprintf(cmd.OutOrStdout(), "pairflow ui listening on http://%s (GET /bubbles, GET /bubbles/{id}, GET /events)\n", addr)
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringArrayVar(&repos, "repo", nil, "repository path to watch (repeatable)")
	cmd.Flags().IntVar(&port, "port", 7777, "listen port")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "listen host")
	return cmd
}

// newUIRouter wires the same mux.Router-per-resource shape the teacher's
// initRouter used for its REST endpoints, substituted with the
// read-only bubble-state resources this command actually serves.
func newUIRouter(repos []string) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/bubbles", func(w http.ResponseWriter, r *http.Request) {
		rows := collectUIRows(repos)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	}).Methods(http.MethodGet)
	router.HandleFunc("/bubbles/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		for _, row := range collectUIRows(repos) {
			if row.ID == id {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(row)
				return
			}
		}
		http.NotFound(w, r)
	}).Methods(http.MethodGet)
	router.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		serveUIEvents(r.Context(), w, repos)
	}).Methods(http.MethodGet)
	return router
}

func collectUIRows(repos []string) []uiBubbleRow {
	var rows []uiBubbleRow
	for _, repo := range repos {
		root := filepath.Join(repo, ".pairflow", "bubbles")
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			res, err := bubblectx.ResolveByID(bubblectx.ResolveByIDInput{BubbleID: e.Name(), RepoPath: repo})
			if err != nil {
				continue
			}
			loaded, err := statestore.Read(res.StatePath, res.Config)
			if err != nil {
				continue
			}
			rows = append(rows, uiBubbleRow{Repo: repo, ID: e.Name(), State: string(loaded.Snapshot.State), Round: loaded.Snapshot.Round})
		}
	}
	return rows
}

// serveUIEvents writes one `data:` frame of the current snapshot every
// tick until the client disconnects or the request context is done.
func serveUIEvents(ctx context.Context, w http.ResponseWriter, repos []string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		rows := collectUIRows(repos)
		payload, err := json.Marshal(rows)
		if err == nil {
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
