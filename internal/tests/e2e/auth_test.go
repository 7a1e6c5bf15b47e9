//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/trailtours/apiserver/config"
	"github.com/trailtours/apiserver/internal/server"
)

const (
	serverPort  = 18080
	mailhogAPI  = "http://localhost:8025"
	defaultPass = "testpass123!"
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	root, err := repoRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate repo root: %v\n", err)
		os.Exit(1)
	}

	if err := dockerCompose(ctx, root, "up", "-d"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start docker compose: %v\n", err)
		os.Exit(1)
	}

	if err := waitForPostgres(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres not ready: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := runMigrations(root); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	srv, err := startServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	if err := waitForHealth(ctx, baseURL+"/healthz"); err != nil {
		fmt.Fprintf(os.Stderr, "server not healthy: %v\n", err)
		_ = srv.Shutdown()
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	code := m.Run()

	_ = srv.Shutdown()
	_ = dockerCompose(context.Background(), root, "down")
	os.Exit(code)
}

func TestAuthLifecycle(t *testing.T) {
	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	email := fmt.Sprintf("alice_%d@example.com", time.Now().UnixNano())

	token := signup(t, baseURL, email)

	me := getMe(t, baseURL, token, http.StatusOK)
	if me.Email != email {
		t.Fatalf("unexpected email in /me: %q", me.Email)
	}
	if me.Role != "user" {
		t.Fatalf("expected default role user, got %q", me.Role)
	}

	loginToken, status := login(t, baseURL, email, defaultPass)
	if status != http.StatusOK {
		t.Fatalf("login status %d", status)
	}
	if loginToken == "" {
		t.Fatalf("missing token in login response")
	}

	if _, status := login(t, baseURL, email, "wrong-password"); status != http.StatusUnauthorized {
		t.Fatalf("wrong-password login status %d, want 401", status)
	}

	// Rotate the password; make sure the change is observable and the
	// old tokens stop working.
	newToken := updatePassword(t, baseURL, token, defaultPass, "rotated-pass-1")
	getMe(t, baseURL, newToken, http.StatusOK)

	if _, status := login(t, baseURL, email, defaultPass); status != http.StatusUnauthorized {
		t.Fatalf("old password still accepted")
	}
	if _, status := login(t, baseURL, email, "rotated-pass-1"); status != http.StatusOK {
		t.Fatalf("new password rejected")
	}
}

func TestStaleTokenAfterPasswordChange(t *testing.T) {
	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	email := fmt.Sprintf("stale_%d@example.com", time.Now().UnixNano())

	oldToken := signup(t, baseURL, email)

	// The watermark is backdated one second, so make the old token older
	// than the change by more than that.
	time.Sleep(2 * time.Second)
	updatePassword(t, baseURL, oldToken, defaultPass, "rotated-pass-1")

	getMe(t, baseURL, oldToken, http.StatusUnauthorized)
}

func TestPasswordResetFlow(t *testing.T) {
	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	email := fmt.Sprintf("reset_%d@example.com", time.Now().UnixNano())
	signup(t, baseURL, email)

	resp := postJSON(t, baseURL+"/users/forgot-password", "", map[string]string{"email": email})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forgot-password status %d", resp.StatusCode)
	}

	secret, err := fetchResetSecret(email)
	if err != nil {
		t.Fatalf("fetch reset secret: %v", err)
	}

	reset := patchJSON(t, baseURL+"/users/reset-password/"+secret, "", map[string]string{
		"password":         "reset-pass-123",
		"password_confirm": "reset-pass-123",
	})
	defer reset.Body.Close()
	if reset.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(reset.Body)
		t.Fatalf("reset-password status %d: %s", reset.StatusCode, strings.TrimSpace(string(msg)))
	}

	if _, status := login(t, baseURL, email, "reset-pass-123"); status != http.StatusOK {
		t.Fatalf("login with reset password failed")
	}
	if _, status := login(t, baseURL, email, defaultPass); status != http.StatusUnauthorized {
		t.Fatalf("old password still accepted after reset")
	}

	// The secret is single-use.
	again := patchJSON(t, baseURL+"/users/reset-password/"+secret, "", map[string]string{
		"password":         "reset-pass-456",
		"password_confirm": "reset-pass-456",
	})
	defer again.Body.Close()
	if again.StatusCode != http.StatusBadRequest {
		t.Fatalf("reused reset secret status %d, want 400", again.StatusCode)
	}
}

func TestAdminDeactivatesUser(t *testing.T) {
	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	adminEmail := fmt.Sprintf("admin_%d@example.com", time.Now().UnixNano())
	victimEmail := fmt.Sprintf("victim_%d@example.com", time.Now().UnixNano())

	adminToken := signup(t, baseURL, adminEmail)
	victimToken := signup(t, baseURL, victimEmail)
	victim := getMe(t, baseURL, victimToken, http.StatusOK)

	// A plain user may not deactivate others.
	if status := deleteUser(t, baseURL, victimToken, victim.ID); status != http.StatusForbidden {
		t.Fatalf("non-admin delete status %d, want 403", status)
	}

	if err := promoteUserToAdmin(adminEmail); err != nil {
		t.Fatalf("promote user: %v", err)
	}

	if status := deleteUser(t, baseURL, adminToken, victim.ID); status != http.StatusNoContent {
		t.Fatalf("admin delete status %d, want 204", status)
	}

	getMe(t, baseURL, victimToken, http.StatusUnauthorized)
	if _, status := login(t, baseURL, victimEmail, defaultPass); status != http.StatusUnauthorized {
		t.Fatalf("deactivated user can still log in")
	}
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type authResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func signup(t *testing.T, baseURL, email string) string {
	t.Helper()

	resp := postJSON(t, baseURL+"/users/signup", "", map[string]string{
		"name":             "Test User",
		"email":            email,
		"password":         defaultPass,
		"password_confirm": defaultPass,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("signup status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed authResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode signup response: %v", err)
	}
	if parsed.Token == "" {
		t.Fatalf("missing token in signup response")
	}
	return parsed.Token
}

func login(t *testing.T, baseURL, email, password string) (string, int) {
	t.Helper()

	resp := postJSON(t, baseURL+"/users/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode
	}
	var parsed authResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return parsed.Token, resp.StatusCode
}

func getMe(t *testing.T, baseURL, token string, wantStatus int) userResponse {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, baseURL+"/users/me", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get /me: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("/me status %d, want %d: %s", resp.StatusCode, wantStatus, strings.TrimSpace(string(msg)))
	}

	var parsed userResponse
	if wantStatus == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			t.Fatalf("decode /me response: %v", err)
		}
	}
	return parsed
}

func updatePassword(t *testing.T, baseURL, token, current, next string) string {
	t.Helper()

	resp := patchJSON(t, baseURL+"/users/update-my-password", token, map[string]string{
		"current_password": current,
		"password":         next,
		"password_confirm": next,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("update password status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var parsed authResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode update-password response: %v", err)
	}
	return parsed.Token
}

func deleteUser(t *testing.T, baseURL, token, id string) int {
	t.Helper()

	req, err := http.NewRequest(http.MethodDelete, baseURL+"/users/"+id, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete user: %v", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func postJSON(t *testing.T, url, token string, payload any) *http.Response {
	t.Helper()
	return sendJSON(t, http.MethodPost, url, token, payload)
}

func patchJSON(t *testing.T, url, token string, payload any) *http.Response {
	t.Helper()
	return sendJSON(t, http.MethodPatch, url, token, payload)
}

func sendJSON(t *testing.T, method, url, token string, payload any) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

// fetchResetSecret pulls the latest message for the address out of the
// mailhog API and extracts the hex secret from its body.
func fetchResetSecret(email string) (string, error) {
	resp, err := http.Get(mailhogAPI + "/api/v2/search?kind=to&query=" + email)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed struct {
		Items []struct {
			Content struct {
				Body string `json:"Body"`
			} `json:"Content"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Items) == 0 {
		return "", fmt.Errorf("no mail for %s", email)
	}

	secret := regexp.MustCompile(`[0-9a-f]{64}`).FindString(parsed.Items[0].Content.Body)
	if secret == "" {
		return "", fmt.Errorf("no reset secret in mail body")
	}
	return secret, nil
}

func promoteUserToAdmin(email string) error {
	cfg := config.LoadConfig()
	dsn := buildPostgresURL(cfg)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = db.ExecContext(ctx, "UPDATE users SET role = 'admin', updated_at = NOW() WHERE email = $1", email)
	return err
}

func waitForPostgres(ctx context.Context) error {
	cfg := config.LoadConfig()
	dsn := buildPostgresURL(cfg)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres ping timeout: %w", err)
		case <-ticker.C:
		}
	}
}

func waitForHealth(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return fmt.Errorf("health check failed with status")
		case <-ticker.C:
		}
	}
}

func runMigrations(root string) error {
	cfg := config.LoadConfig()
	dsn := buildPostgresURL(cfg)
	migrationsPath := filepath.Join(root, "internal", "db", "migrations")
	migrationsURL := "file://" + migrationsPath

	migrator, err := migrate.New(migrationsURL, dsn)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func buildPostgresURL(cfg config.Config) string {
	sslmode := "disable"
	if cfg.Database.UseSSL {
		sslmode = "require"
	}
	host := fmt.Sprintf("%s:%d", cfg.Database.Host, cfg.Database.Port)
	return fmt.Sprintf(
		"postgres://%s:%s@%s/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		host,
		cfg.Database.DBName,
		sslmode,
	)
}

func startServer() (*server.Server, error) {
	_ = os.Setenv("JWT_SECRET", "test-secret")
	_ = os.Setenv("SERVER_PORT", fmt.Sprintf("%d", serverPort))
	_ = os.Setenv("DB_HOST", "localhost")
	_ = os.Setenv("DB_PORT", "5432")
	_ = os.Setenv("DB_USER", "trailtours")
	_ = os.Setenv("DB_PASSWORD", "trailtours")
	_ = os.Setenv("DB_NAME", "trailtours")
	_ = os.Setenv("EMAIL_HOST", "localhost")
	_ = os.Setenv("EMAIL_PORT", "1025")
	_ = os.Setenv("EMAIL_USERNAME", "")

	cfg := config.LoadConfig()
	srv, err := server.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	go func() {
		_ = srv.Start()
	}()

	return srv, nil
}

func dockerCompose(ctx context.Context, root string, args ...string) error {
	composeFile := filepath.Join(root, "development", "docker-compose.yml")
	baseArgs := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", baseArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
