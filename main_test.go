package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"fhir-mcp-server/internal/domain"
	"fhir-mcp-server/internal/infrastructure"
)

// TestParseFlags tests flag parsing and rejection of stray arguments.
func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--config", "c.yaml", "--log-level", "debug", "--transport", "stdio"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if opts.configPath != "c.yaml" || opts.logLevel != "debug" || opts.transport != "stdio" {
		t.Errorf("Unexpected options %+v", opts)
	}

	opts, err = parseFlags([]string{"-c", "short.yaml"}, &bytes.Buffer{})
	if err != nil || opts.configPath != "short.yaml" {
		t.Errorf("Expected shorthand -c to set config, got %+v, %v", opts, err)
	}

	if _, err := parseFlags([]string{"--bogus"}, &bytes.Buffer{}); err == nil {
		t.Error("Expected error for unknown flag")
	}
	if _, err := parseFlags([]string{"extra"}, &bytes.Buffer{}); err == nil {
		t.Error("Expected error for positional argument")
	}
}

// TestRun_Version tests that --version prints and exits without loading config.
func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	err := run(context.Background(), []string{"--version", "--config", "/does/not/exist.yaml"}, &stdout, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "fhir-mcp-server ") {
		t.Errorf("Unexpected version output %q", stdout.String())
	}
}

// TestRun_InvalidConfig tests that configuration errors are returned.
func TestRun_InvalidConfig(t *testing.T) {
	if err := run(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, &bytes.Buffer{}, &bytes.Buffer{}); err == nil {
		t.Error("Expected error for missing config file")
	}
	if err := run(context.Background(), []string{"--transport", "carrier-pigeon"}, &bytes.Buffer{}, &bytes.Buffer{}); err == nil {
		t.Error("Expected error for invalid transport override")
	}
}

// TestLoadConfig_FlagOverrides tests that flags win over the file.
func TestLoadConfig_FlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  transport: http
  port: 9000
fhir:
  base_url: https://fhir.example.org/r4
logging:
  level: warn
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := loadConfig(&options{configPath: path, logLevel: "debug", transport: "stdio"})
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Server.Transport != "stdio" {
		t.Errorf("Expected transport 'stdio', got '%s'", cfg.Server.Transport)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.Logging.Level)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Expected port 9000 from file, got %d", cfg.Server.Port)
	}
}

// TestNewTokenSource tests credential source selection per auth type.
func TestNewTokenSource(t *testing.T) {
	cfg := domain.DefaultConfig()

	src, closer, err := newTokenSource(cfg)
	if err != nil || src != nil || closer != nil {
		t.Errorf("Expected no source for auth none, got %v, %v, %v", src, closer, err)
	}

	cfg.FHIR.Auth = domain.AuthConfig{Type: "token", Token: "abc"}
	src, _, err = newTokenSource(cfg)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if token, _ := src.Token(context.Background()); token != "abc" {
		t.Errorf("Expected static token, got %q", token)
	}

	cfg.FHIR.Auth = domain.AuthConfig{Type: "token", Token: "abc\ndef"}
	if _, _, err := newTokenSource(cfg); err == nil {
		t.Error("Expected error for token with line break")
	}

	tokenFile := filepath.Join(t.TempDir(), "token")
	os.WriteFile(tokenFile, []byte("from-file\n"), 0o600)
	cfg.FHIR.Auth = domain.AuthConfig{Type: "token_file", TokenFile: tokenFile}
	src, closer, err = newTokenSource(cfg)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if closer == nil {
		t.Error("Expected a closer for the file token source")
	} else {
		defer closer.Close()
	}
	if token, _ := src.Token(context.Background()); token != "from-file" {
		t.Errorf("Expected file token, got %q", token)
	}

	cfg.FHIR.Auth = domain.AuthConfig{Type: "client_credentials", ClientID: "id", ClientSecret: "secret"}
	src, _, err = newTokenSource(cfg)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, ok := src.(*infrastructure.ClientCredentialsTokenSource); !ok {
		t.Errorf("Expected client credentials source, got %T", src)
	}

	cfg.FHIR.Auth = domain.AuthConfig{Type: "kerberos"}
	if _, _, err := newTokenSource(cfg); err == nil {
		t.Error("Expected error for unsupported auth type")
	}
}

// TestNewApp_EndToEnd tests the assembled HTTP service against a mock FHIR server.
func TestNewApp_EndToEnd(t *testing.T) {
	var authHeader atomic.Value
	fhir := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/fhir+json")
		switch r.URL.Path {
		case "/Patient/597179":
			json.NewEncoder(w).Encode(map[string]interface{}{"resourceType": "Patient", "id": "597179"})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"resourceType": "OperationOutcome",
				"issue":        []map[string]string{{"severity": "error", "code": "not-found"}},
			})
		}
	}))
	defer fhir.Close()

	cfg := domain.DefaultConfig()
	cfg.FHIR.BaseURL = fhir.URL
	cfg.FHIR.Auth = domain.AuthConfig{Type: "token", Token: "secret-token"}
	cfg.Audit.DBPath = filepath.Join(t.TempDir(), "audit.db")

	a, err := newApp(cfg)
	if err != nil {
		t.Fatalf("Failed to assemble app: %v", err)
	}
	defer a.Close()

	transport, ok := a.transport.(*domain.HTTPTransport)
	if !ok {
		t.Fatalf("Expected HTTP transport, got %T", a.transport)
	}
	server := httptest.NewServer(transport.Handler())
	defer server.Close()

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read","arguments":{"type":"Patient","id":"597179"}}}`
	resp, err := http.Post(server.URL+"/rpc", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to send HTTP request: %v", err)
	}
	defer resp.Body.Close()

	var reply struct {
		Result map[string]interface{} `json:"result"`
		Error  *domain.Error          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if reply.Error != nil {
		t.Fatalf("Expected result, got error %+v", reply.Error)
	}
	if reply.Result["id"] != "597179" {
		t.Errorf("Expected patient 597179, got %v", reply.Result)
	}
	if got, _ := authHeader.Load().(string); got != "Bearer secret-token" {
		t.Errorf("Expected bearer token upstream, got %q", got)
	}

	health, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to send HTTP request: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("Expected health 200, got %d", health.StatusCode)
	}
}

// TestNewApp_Stdio tests that the stdio transport is selected.
func TestNewApp_Stdio(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.Server.Transport = "stdio"

	a, err := newApp(cfg)
	if err != nil {
		t.Fatalf("Failed to assemble app: %v", err)
	}
	defer a.Close()

	if _, ok := a.transport.(*domain.StdioTransport); !ok {
		t.Errorf("Expected stdio transport, got %T", a.transport)
	}
}

// TestNewApp_BadAuditPath tests that an unusable audit path fails startup.
func TestNewApp_BadAuditPath(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.Audit.DBPath = filepath.Join(t.TempDir(), "missing", "dir", "audit.db")

	if _, err := newApp(cfg); err == nil {
		t.Error("Expected error for unusable audit path")
	}
}
