package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/a-h/templ"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/studydeck/workspace/internal/app/eventlog"
	"github.com/studydeck/workspace/internal/app/identity"
	"github.com/studydeck/workspace/internal/app/query"
	"github.com/studydeck/workspace/internal/app/snapshots"
	"github.com/studydeck/workspace/internal/contracts"
	platformauth "github.com/studydeck/workspace/internal/platform/auth"
	"github.com/studydeck/workspace/internal/platform/dbpool"
	"github.com/studydeck/workspace/internal/platform/env"
	"github.com/studydeck/workspace/internal/platform/natsutil"
	"github.com/studydeck/workspace/internal/sharding"
	"github.com/studydeck/workspace/internal/workspace"
	"github.com/studydeck/workspace/services/frontend"
)

var userStreams = newUserStreamRegistry()
var workspaceStreams *workspaceStreamRegistry

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	streamerAddr := env.String("SSE_STREAMER_ADDR", env.DefaultStreamerAddr)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	tokenManager := identity.NewTokenManager(jwtSecret)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	identityRepo := identity.NewPostgresRepository(pool)
	if err := waitForIdentitySchema(runCtx, identityRepo, 30*time.Second); err != nil {
		log.Fatal(err)
	}
	events := eventlog.NewRepository(pool)
	snapshotStore := snapshots.NewPostgresStore(pool)
	loader := query.NewLoader(snapshotStore, events)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
	workspaceStreams = newWorkspaceStreamRegistry(client.JS, loader)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkStreamerReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/", templ.Handler(frontend.LoginPage()))
	mux.Handle("/login", templ.Handler(frontend.LoginPage()))
	mux.Handle("/app", templ.Handler(frontend.WorkspacePage()))
	mux.Handle("/static/", http.StripPrefix("/static/", frontend.StaticHandler()))

	mux.HandleFunc("/api/v1/workspaces", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		claims, ok := claimsFromAuthHeader(w, r, tokenManager)
		if !ok {
			return
		}
		list, err := identityRepo.ListWorkspacesForUser(r.Context(), claims.Subject)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})

	mux.HandleFunc("/api/v1/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		claims, ok := claimsFromAuthHeader(w, r, tokenManager)
		if !ok {
			return
		}
		workspaceID := strings.TrimSpace(r.URL.Query().Get("workspace_id"))
		if workspaceID == "" {
			http.Error(w, "workspace_id is required", http.StatusBadRequest)
			return
		}
		member, err := identityRepo.IsMember(r.Context(), claims.Subject, workspaceID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !member {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		state, version := loader.LoadWorkspaceState(r.Context(), workspaceID)
		writeJSON(w, http.StatusOK, map[string]any{"state": state, "version": version})
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			http.Error(w, "token is required", http.StatusUnauthorized)
			return
		}
		claims, err := tokenManager.Parse(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		streamCtx, cancelStream := context.WithCancel(r.Context())
		streamID := fmt.Sprintf("%d", time.Now().UnixNano())
		if cancelPrev := userStreams.Replace(claims.Subject, streamID, cancelStream); cancelPrev != nil {
			cancelPrev()
		}
		defer userStreams.Release(claims.Subject, streamID)
		defer cancelStream()

		workspaceID := strings.TrimSpace(r.URL.Query().Get("workspace_id"))
		if workspaceID == "" {
			http.Error(w, "workspace_id is required", http.StatusBadRequest)
			return
		}
		member, err := identityRepo.IsMember(streamCtx, claims.Subject, workspaceID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !member {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		send := func(event string, payload any) {
			data, err := json.Marshal(payload)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "event: %s\n", event)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}

		msgCh, unsubscribe, err := workspaceStreams.Subscribe(workspaceID)
		if err != nil {
			http.Error(w, "stream subscription failed", http.StatusInternalServerError)
			return
		}
		defer unsubscribe()

		// Snapshot first so late joiners render without waiting for traffic.
		state, version := loader.LoadWorkspaceState(streamCtx, workspaceID)
		send("workspace-state", stateEnvelope{State: state, Version: version})

		for {
			select {
			case <-streamCtx.Done():
				return
			case msg := <-msgCh:
				if msg.Notice != nil {
					send("workspace-event", msg.Notice)
				}
				if msg.State != nil {
					send("workspace-state", stateEnvelope{State: *msg.State, Version: msg.Version})
				}
			}
		}
	})

	mux.HandleFunc("/events/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			http.Error(w, "token is required", http.StatusUnauthorized)
			return
		}
		claims, err := tokenManager.Parse(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userStreams.Cancel(claims.Subject)
		w.WriteHeader(http.StatusNoContent)
	})

	server := &http.Server{
		Addr:              streamerAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Keep WriteTimeout unset for long-lived SSE streams.
		IdleTimeout: 120 * time.Second,
	}

	fmt.Printf("SSE Streamer listening on %s\n", streamerAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("sse-streamer graceful shutdown failed: %v", err)
	}
}

type stateEnvelope struct {
	State   workspace.State `json:"state"`
	Version int64           `json:"version"`
}

type userStreamLease struct {
	id     string
	cancel context.CancelFunc
}

// userStreamRegistry enforces one live stream per user; opening a second
// stream cancels the first.
type userStreamRegistry struct {
	mu     sync.Mutex
	byUser map[string]userStreamLease
}

func newUserStreamRegistry() *userStreamRegistry {
	return &userStreamRegistry{byUser: make(map[string]userStreamLease)}
}

func (r *userStreamRegistry) Replace(userID, streamID string, cancel context.CancelFunc) context.CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prevCancel context.CancelFunc
	if current, ok := r.byUser[userID]; ok {
		prevCancel = current.cancel
	}
	r.byUser[userID] = userStreamLease{id: streamID, cancel: cancel}
	return prevCancel
}

func (r *userStreamRegistry) Release(userID, streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byUser[userID]
	if !ok {
		return
	}
	if current.id != streamID {
		return
	}
	delete(r.byUser, userID)
}

func (r *userStreamRegistry) Cancel(userID string) {
	r.mu.Lock()
	lease, ok := r.byUser[userID]
	if ok {
		delete(r.byUser, userID)
	}
	r.mu.Unlock()

	if ok && lease.cancel != nil {
		lease.cancel()
	}
}

type workspaceStreamMessage struct {
	Notice  *contracts.EventNotice
	State   *workspace.State
	Version int64
}

// workspaceStreamRegistry multiplexes one JetStream subscription per workspace
// across all of its connected collaborators. Notices fan out immediately; a
// debounced state reload follows so every client converges on the replayed
// state without each one hitting the loader per event.
type workspaceStreamRegistry struct {
	mu          sync.Mutex
	js          nats.JetStreamContext
	loader      *query.Loader
	byWorkspace map[string]*workspaceStream
}

type workspaceStream struct {
	workspaceID string
	js          nats.JetStreamContext
	loader      *query.Loader

	mu           sync.Mutex
	sub          *nats.Subscription
	subscribers  map[string]chan workspaceStreamMessage
	nextID       uint64
	refreshTimer *time.Timer
}

func newWorkspaceStreamRegistry(js nats.JetStreamContext, loader *query.Loader) *workspaceStreamRegistry {
	return &workspaceStreamRegistry{
		js:          js,
		loader:      loader,
		byWorkspace: map[string]*workspaceStream{},
	}
}

func (r *workspaceStreamRegistry) Subscribe(workspaceID string) (<-chan workspaceStreamMessage, func(), error) {
	r.mu.Lock()
	stream, ok := r.byWorkspace[workspaceID]
	if !ok {
		stream = &workspaceStream{
			workspaceID: workspaceID,
			js:          r.js,
			loader:      r.loader,
			subscribers: map[string]chan workspaceStreamMessage{},
		}
		r.byWorkspace[workspaceID] = stream
	}
	r.mu.Unlock()

	subID, ch, err := stream.addSubscriber()
	if err != nil {
		return nil, nil, err
	}

	unsubscribe := func() {
		empty := stream.removeSubscriber(subID)
		if !empty {
			return
		}
		r.mu.Lock()
		current, ok := r.byWorkspace[workspaceID]
		if ok && current == stream {
			delete(r.byWorkspace, workspaceID)
		}
		r.mu.Unlock()
	}

	return ch, unsubscribe, nil
}

func (s *workspaceStream) addSubscriber() (string, chan workspaceStreamMessage, error) {
	ch := make(chan workspaceStreamMessage, 64)

	s.mu.Lock()
	s.nextID++
	subID := fmt.Sprintf("%s-%d", s.workspaceID, s.nextID)
	s.subscribers[subID] = ch
	s.mu.Unlock()

	if err := s.ensureSubscription(); err != nil {
		s.mu.Lock()
		delete(s.subscribers, subID)
		s.mu.Unlock()
		return "", nil, err
	}

	return subID, ch, nil
}

func (s *workspaceStream) removeSubscriber(subID string) bool {
	var (
		shouldStop bool
		sub        *nats.Subscription
		timer      *time.Timer
	)

	s.mu.Lock()
	delete(s.subscribers, subID)
	if len(s.subscribers) == 0 {
		shouldStop = true
		sub = s.sub
		timer = s.refreshTimer
		s.sub = nil
		s.refreshTimer = nil
	}
	s.mu.Unlock()

	if shouldStop {
		if timer != nil {
			timer.Stop()
		}
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}

	return shouldStop
}

func (s *workspaceStream) ensureSubscription() error {
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.js == nil {
		return fmt.Errorf("jetstream is not configured")
	}

	sub, err := s.js.Subscribe(sharding.WorkspaceWildcard(s.workspaceID), func(msg *nats.Msg) {
		var notice contracts.EventNotice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			return
		}
		s.broadcast(workspaceStreamMessage{Notice: &notice})
		s.scheduleStateRefresh()
	}, nats.DeliverNew())
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *workspaceStream) broadcast(msg workspaceStreamMessage) {
	s.mu.Lock()
	subs := make([]chan workspaceStreamMessage, 0, len(s.subscribers))
	for _, ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (s *workspaceStream) scheduleStateRefresh() {
	const refreshDebounce = 75 * time.Millisecond

	s.mu.Lock()
	if s.refreshTimer == nil {
		s.refreshTimer = time.AfterFunc(refreshDebounce, s.runStateRefresh)
		s.mu.Unlock()
		return
	}
	s.refreshTimer.Reset(refreshDebounce)
	s.mu.Unlock()
}

func (s *workspaceStream) runStateRefresh() {
	s.mu.Lock()
	s.refreshTimer = nil
	hasSubscribers := len(s.subscribers) > 0
	s.mu.Unlock()

	if !hasSubscribers {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	state, version := s.loader.LoadWorkspaceState(ctx, s.workspaceID)
	s.broadcast(workspaceStreamMessage{State: &state, Version: version})
}

func waitForIdentitySchema(ctx context.Context, repo *identity.PostgresRepository, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = repo.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for identity schema readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkStreamerReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func claimsFromAuthHeader(w http.ResponseWriter, r *http.Request, tokenManager platformauth.Manager) (platformauth.Claims, bool) {
	token := platformauth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return platformauth.Claims{}, false
	}
	claims, err := tokenManager.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return platformauth.Claims{}, false
	}
	return claims, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
