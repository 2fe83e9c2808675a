package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPTool_Name(t *testing.T) {
	tool := NewHTTPTool()
	if tool.Name() != "http_request" {
		t.Errorf("Name() = %q, want %q", tool.Name(), "http_request")
	}
}

func TestHTTPTool_GETSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "success"})
	}))
	defer server.Close()

	tool := NewHTTPTool()
	result, err := tool.Call(context.Background(), map[string]interface{}{"url": server.URL})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	statusCode, ok := result["status_code"].(int)
	if !ok || statusCode != 200 {
		t.Fatalf("expected status_code 200, got %v (%T)", result["status_code"], result["status_code"])
	}

	body, ok := result["body"].(string)
	if !ok {
		t.Fatalf("body has type %T, want string", result["body"])
	}
	var bodyData map[string]string
	if err := json.Unmarshal([]byte(body), &bodyData); err != nil {
		t.Fatalf("failed to parse response body: %v", err)
	}
	if bodyData["message"] != "success" {
		t.Errorf("expected message=success, got %q", bodyData["message"])
	}
}

func TestHTTPTool_POSTSendsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var reqBody map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if reqBody["name"] != "test" {
			t.Errorf("expected name=test, got %v", reqBody["name"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": 123})
	}))
	defer server.Close()

	tool := NewHTTPTool()
	result, err := tool.Call(context.Background(), map[string]interface{}{
		"method":  "post",
		"url":     server.URL,
		"body":    `{"name":"test"}`,
		"headers": map[string]interface{}{"Content-Type": "application/json"},
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result["status_code"].(int) != http.StatusCreated {
		t.Errorf("expected status 201, got %v", result["status_code"])
	}
}

func TestHTTPTool_RequiresURL(t *testing.T) {
	tool := NewHTTPTool()
	if _, err := tool.Call(context.Background(), map[string]interface{}{}); err == nil {
		t.Fatal("expected error when url is missing")
	}
}

func TestHTTPTool_RejectsUnsupportedMethod(t *testing.T) {
	tool := NewHTTPTool()
	_, err := tool.Call(context.Background(), map[string]interface{}{
		"method": "DELETE",
		"url":    "http://example.invalid",
	})
	if err == nil {
		t.Fatal("expected error for unsupported method")
	}
}

func TestHTTPTool_PropagatesResponseHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom", "value")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tool := NewHTTPTool()
	result, err := tool.Call(context.Background(), map[string]interface{}{"url": server.URL})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	headers, ok := result["headers"].(map[string]interface{})
	if !ok {
		t.Fatalf("headers has type %T, want map", result["headers"])
	}
	if headers["X-Custom"] != "value" {
		t.Errorf("expected X-Custom=value, got %v", headers["X-Custom"])
	}
}

func TestHTTPTool_RespectsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tool := NewHTTPTool()
	if _, err := tool.Call(ctx, map[string]interface{}{"url": server.URL}); err == nil {
		t.Fatal("expected an error from a cancelled request")
	}
}
