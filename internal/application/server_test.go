package application

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sourcegraph/jsonrpc2"

	"fhir-mcp-server/internal/domain"
	"fhir-mcp-server/internal/logger"
)

func newTestService(t *testing.T, up *fakeUpstream, caps domain.CapabilityProvider) *Server {
	t.Helper()
	cfg := domain.DefaultConfig()
	s, err := NewService(cfg, Dependencies{
		Client:       up,
		Capabilities: caps,
		Info:         ServerInfo{Name: "fhir-mcp-server", Version: "test"},
		Logger:       logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Failed to build service: %v", err)
	}
	return s
}

func newTestHTTPServer(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	transport := domain.NewHTTPTransport(domain.HTTPTransportOptions{
		Handler: s,
		Routes:  s.Routes(),
		Logger:  logger.Discard(),
	})
	server := httptest.NewServer(transport.Handler())
	t.Cleanup(server.Close)
	return server
}

// rpcResponse is the decoded wire form of a response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *domain.Error   `json:"error"`
}

func postRPC(t *testing.T, url, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func rpc(t *testing.T, url, body string) rpcResponse {
	t.Helper()
	status, data := postRPC(t, url, body)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, data)
	}
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("Failed to decode response %s: %v", data, err)
	}
	return resp
}

func TestServer_ReadPatient(t *testing.T) {
	server := newTestHTTPServer(t, newTestService(t, newFakeUpstream(), &fakeCapabilities{}))

	resp := rpc(t, server.URL+"/rpc", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read","arguments":{"resourceType":"Patient","id":"597179"}}}`)
	if resp.Error != nil {
		t.Fatalf("Expected no error, got %+v", resp.Error)
	}
	if string(resp.ID) != "1" {
		t.Errorf("Expected id 1, got %s", resp.ID)
	}

	var patient map[string]interface{}
	json.Unmarshal(resp.Result, &patient)
	if patient["resourceType"] != "Patient" || patient["id"] != "597179" {
		t.Errorf("Expected Patient/597179, got %v", patient)
	}
}

func TestServer_ReadMissingPatient(t *testing.T) {
	server := newTestHTTPServer(t, newTestService(t, newFakeUpstream(), &fakeCapabilities{}))

	resp := rpc(t, server.URL+"/rpc", `{"jsonrpc":"2.0","id":"abc","method":"tools/call","params":{"name":"read","arguments":{"type":"Patient","id":"does-not-exist"}}}`)
	if resp.Error == nil {
		t.Fatal("Expected error")
	}
	if resp.Error.Code != -32007 {
		t.Errorf("Expected code -32007, got %d", resp.Error.Code)
	}
	if !strings.HasPrefix(resp.Error.Message, "ResourceNotFound") {
		t.Errorf("Expected kind prefix, got %q", resp.Error.Message)
	}
	if resp.Error.Data != nil {
		t.Errorf("Expected no data member, got %v", resp.Error.Data)
	}
	if string(resp.ID) != `"abc"` {
		t.Errorf("Expected string id to round-trip, got %s", resp.ID)
	}
}

func TestServer_ErrorCodes(t *testing.T) {
	server := newTestHTTPServer(t, newTestService(t, newFakeUpstream(), &fakeCapabilities{}))

	tests := []struct {
		name string
		body string
		code int
	}{
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, -32601},
		{"unknown tool", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"create_resource","arguments":{}}}`, -32601},
		{"invalid arguments", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read","arguments":{"type":"Patient"}}}`, -32602},
		{"missing params", `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`, -32600},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, -32600},
		{"parse error", `{"jsonrpc":`, -32700},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rpc(t, server.URL+"/rpc", tt.body)
			if resp.Error == nil {
				t.Fatalf("Expected error, got result %s", resp.Result)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("Expected code %d, got %d (%s)", tt.code, resp.Error.Code, resp.Error.Message)
			}
		})
	}
}

func TestServer_ProtocolMethods(t *testing.T) {
	server := newTestHTTPServer(t, newTestService(t, newFakeUpstream(), &fakeCapabilities{}))

	resp := rpc(t, server.URL+"/mcp", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`)
	var init struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
	}
	json.Unmarshal(resp.Result, &init)
	if init.ProtocolVersion != domain.ProtocolVersion || init.ServerInfo.Name != "fhir-mcp-server" {
		t.Errorf("Unexpected initialize result: %s", resp.Result)
	}

	resp = rpc(t, server.URL+"/", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	var list struct {
		Tools []domain.ToolDefinition `json:"tools"`
	}
	json.Unmarshal(resp.Result, &list)
	if len(list.Tools) != 5 {
		t.Errorf("Expected 5 tools, got %d", len(list.Tools))
	}

	resp = rpc(t, server.URL+"/rpc", `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	if resp.Error != nil || string(resp.Result) != "{}" {
		t.Errorf("Expected empty ping result, got %s / %v", resp.Result, resp.Error)
	}
}

func TestServer_NotificationGetsNoBody(t *testing.T) {
	server := newTestHTTPServer(t, newTestService(t, newFakeUpstream(), &fakeCapabilities{}))

	status, body := postRPC(t, server.URL+"/rpc", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if status != http.StatusAccepted {
		t.Errorf("Expected 202, got %d", status)
	}
	if len(body) != 0 {
		t.Errorf("Expected empty body, got %s", body)
	}
}

func TestServer_CapabilitiesAndToolConfig(t *testing.T) {
	caps := &fakeCapabilities{snap: snapshotWith(map[string][]string{"Patient": {"name"}}), stale: true}
	s := newTestService(t, newFakeUpstream(), caps)

	id := jsonrpc2.ID{Num: 7}
	resp := s.HandleRequest(context.Background(), &domain.Request{
		JSONRPC: domain.Version,
		ID:      &id,
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"get_capabilities"}`),
	})
	if resp.Error != nil {
		t.Fatalf("Expected no error, got %+v", resp.Error)
	}
	data, _ := json.Marshal(resp.Result)
	var result map[string]interface{}
	json.Unmarshal(data, &result)
	if result["stale"] != true || result["base_url"] != "http://fhir.test/baseR4" || result["fhirVersion"] != "4.0.1" {
		t.Errorf("Unexpected capabilities result: %s", data)
	}

	resp = s.HandleRequest(context.Background(), &domain.Request{
		JSONRPC: domain.Version,
		ID:      &id,
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"get_tool_config","arguments":{}}`),
	})
	config, ok := resp.Result.(*ToolConfigResult)
	if !ok {
		t.Fatalf("Expected ToolConfigResult, got %T", resp.Result)
	}
	if config.ToolUse != ToolUseFHIR || !config.Config.Enabled || len(config.Config.Capabilities) != 7 {
		t.Errorf("Unexpected tool config: %+v", config)
	}
	if len(config.Tools) != 5 || config.Server.FHIRVersion != "4.0.1" {
		t.Errorf("Expected catalog and fhir version, got %d tools, version %q", len(config.Tools), config.Server.FHIRVersion)
	}
}

func TestServer_HealthAndInfo(t *testing.T) {
	up := newFakeUpstream()
	server := newTestHTTPServer(t, newTestService(t, up, &fakeCapabilities{}))

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	var health map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&health)
	if health["status"] != "healthy" || health["fhir_url"] != up.BaseURL() {
		t.Errorf("Unexpected health body: %v", health)
	}

	resp, err = http.Get(server.URL + "/info")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	var info map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&info)
	if info["status"] != "running" || info["endpoints"] == nil || info["build"] == nil {
		t.Errorf("Unexpected info body: %v", info)
	}

	if up.readCount() != 0 || up.searchCount() != 0 {
		t.Error("Expected health and info not to touch the upstream")
	}
}
