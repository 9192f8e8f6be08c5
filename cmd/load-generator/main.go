package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/studydeck/workspace/internal/platform/env"
	"github.com/studydeck/workspace/internal/platform/metrics"
)

// Synthetic mutation traffic against the workspace API. Each virtual user
// registers, creates a workspace and then streams randomized item mutations,
// which is enough sustained append volume to exercise snapshot compaction.

type config struct {
	APIBase        string
	Users          int
	Duration       time.Duration
	ActionsPerSec  float64
	RequestTimeout time.Duration
	MetricsAddr    string
	Password       string
}

func loadConfig() config {
	actionsPerSec := 2.0
	if raw := os.Getenv("LOADGEN_ACTIONS_PER_SECOND"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			actionsPerSec = parsed
		}
	}
	return config{
		APIBase:        env.String("LOADGEN_API_BASE", "http://localhost:8080"),
		Users:          env.Int("LOADGEN_USERS", 10),
		Duration:       env.Duration("LOADGEN_DURATION", 2*time.Minute),
		ActionsPerSec:  actionsPerSec,
		RequestTimeout: env.Duration("LOADGEN_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:    env.String("LOADGEN_METRICS_ADDR", ":9092"),
		Password:       env.String("LOADGEN_PASSWORD", "loadgen-password"),
	}
}

var (
	requestsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "workspace_loadgen_requests_total",
		Help: "HTTP requests sent by the load generator.",
	}, []string{"endpoint", "outcome"})

	actionsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "workspace_loadgen_actions_total",
		Help: "Mutation actions executed by the load generator.",
	}, []string{"action", "outcome"})

	virtualUsersGauge = metrics.NewGauge(metrics.Opts{
		Name: "workspace_loadgen_virtual_users",
		Help: "Active virtual users sending mutations.",
	})
)

func init() {
	metrics.Default.MustRegister(requestsTotal, actionsTotal, virtualUsersGauge)
}

type simulatedUser struct {
	Username    string
	AccessToken string
	WorkspaceID string

	mu    sync.Mutex
	items []string
}

type runner struct {
	cfg    config
	runID  string
	client *http.Client

	success atomic.Int64
	failure atomic.Int64
}

func main() {
	cfg := loadConfig()
	if cfg.Users <= 0 {
		log.Fatal("LOADGEN_USERS must be > 0")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.DefaultHandler())
		log.Printf("load-generator metrics on %s", cfg.MetricsAddr)
		log.Fatal(http.ListenAndServe(cfg.MetricsAddr, mux))
	}()

	r := &runner{
		cfg:    cfg,
		runID:  strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}

	if err := r.waitForAPI(ctx); err != nil {
		log.Fatalf("workspace API readiness failed: %v", err)
	}

	users := r.setupUsers(ctx)
	if len(users) == 0 {
		log.Fatal("failed to initialize any users")
	}
	log.Printf("initialized %d virtual users, firing %.1f actions/s each", len(users), cfg.ActionsPerSec)

	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(u *simulatedUser) {
			defer wg.Done()
			virtualUsersGauge.Inc()
			defer virtualUsersGauge.Dec()
			r.runUser(ctx, u)
		}(user)
	}
	wg.Wait()

	log.Printf("done: %d succeeded, %d failed", r.success.Load(), r.failure.Load())
}

func (r *runner) waitForAPI(ctx context.Context) error {
	deadline := time.Now().Add(60 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.APIBase+"/readyz", nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("readyz returned %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return lastErr
}

func (r *runner) setupUsers(ctx context.Context) []*simulatedUser {
	users := make([]*simulatedUser, 0, r.cfg.Users)
	for i := 0; i < r.cfg.Users; i++ {
		username := fmt.Sprintf("loadgen-%s-%d", r.runID, i)
		user, err := r.setupUser(ctx, username)
		if err != nil {
			log.Printf("setup failed for %s: %v", username, err)
			continue
		}
		users = append(users, user)
	}
	return users
}

func (r *runner) setupUser(ctx context.Context, username string) (*simulatedUser, error) {
	var auth struct {
		AccessToken string `json:"access_token"`
	}
	if err := r.doJSON(ctx, "", "auth/register", map[string]string{
		"username": username,
		"password": r.cfg.Password,
	}, &auth); err != nil {
		return nil, err
	}

	user := &simulatedUser{Username: username, AccessToken: auth.AccessToken}

	var ws struct {
		ID string `json:"id"`
	}
	if err := r.doJSON(ctx, user.AccessToken, "workspaces", map[string]string{
		"name": "Load " + username,
	}, &ws); err != nil {
		return nil, err
	}
	user.WorkspaceID = ws.ID
	return user, nil
}

func (r *runner) runUser(ctx context.Context, user *simulatedUser) {
	interval := time.Duration(float64(time.Second) / r.cfg.ActionsPerSec)
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(user.Username))))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.fireAction(ctx, user, rng)
		}
	}
}

func (r *runner) fireAction(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	action, payload := user.nextAction(rng)

	var resp struct {
		EventID string `json:"event_id"`
	}
	endpoint := "workspaces/" + user.WorkspaceID + "/events"
	err := r.doJSON(ctx, user.AccessToken, endpoint, payload, &resp)
	if err != nil {
		actionsTotal.WithLabelValues(action, "error").Inc()
		r.failure.Add(1)
		return
	}
	actionsTotal.WithLabelValues(action, "ok").Inc()
	r.success.Add(1)

	if action == "create-item" {
		user.mu.Lock()
		user.items = append(user.items, payload["item"].(map[string]any)["id"].(string))
		user.mu.Unlock()
	}
}

func (user *simulatedUser) nextAction(rng *rand.Rand) (string, map[string]any) {
	user.mu.Lock()
	itemCount := len(user.items)
	var target string
	if itemCount > 0 {
		target = user.items[rng.Intn(itemCount)]
	}
	user.mu.Unlock()

	roll := rng.Float64()
	switch {
	case itemCount == 0 || roll < 0.45:
		id := fmt.Sprintf("%s-item-%d", user.Username, rng.Int63())
		return "create-item", map[string]any{
			"action": "create-item",
			"item": map[string]any{
				"id":   id,
				"type": "note",
				"name": fmt.Sprintf("Note %d", rng.Intn(10000)),
			},
		}
	case roll < 0.70:
		return "update-item", map[string]any{
			"action":  "update-item",
			"item_id": target,
			"changes": map[string]any{
				"name": fmt.Sprintf("Renamed %d", rng.Intn(10000)),
			},
		}
	case roll < 0.90:
		return "update-layouts", map[string]any{
			"action": "update-layouts",
			"layout_updates": []map[string]any{{
				"id":     target,
				"x":      rng.Float64() * 1000,
				"y":      rng.Float64() * 1000,
				"width":  200,
				"height": 150,
			}},
		}
	default:
		return "set-title", map[string]any{
			"action": "set-title",
			"title":  fmt.Sprintf("Workspace %d", rng.Intn(10000)),
		}
	}
}

func (r *runner) doJSON(ctx context.Context, token, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.APIBase+"/api/v1/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "error").Inc()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		requestsTotal.WithLabelValues(endpoint, "error").Inc()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", endpoint, resp.StatusCode, raw)
	}
	requestsTotal.WithLabelValues(endpoint, "ok").Inc()

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
