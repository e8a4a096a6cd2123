package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", APIKey: "sk-test", Model: "test-model"}, nil)
}

func TestComplete_Success(t *testing.T) {
	var got chatRequest
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"model":"test-model","choices":[{"message":{"role":"assistant","content":"  Clean text. \n"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	})

	res, err := c.Polish(context.Background(), "um so like clean text")
	if err != nil {
		t.Fatalf("Polish() error: %v", err)
	}
	if res.Text != "Clean text." || res.PromptTokens != 12 || res.CompletionTokens != 3 {
		t.Errorf("result = %+v", res)
	}
	if got.Model != "test-model" || len(got.Messages) != 2 || got.Messages[1].Content != "um so like clean text" {
		t.Errorf("request = %+v", got)
	}
}

func TestTranslate_PromptNamesLanguage(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !strings.Contains(req.Messages[0].Content, "German") {
			t.Errorf("system prompt = %q", req.Messages[0].Content)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"Hallo"}}]}`))
	})

	res, err := c.Translate(context.Background(), "Hello", "German")
	if err != nil || res.Text != "Hallo" {
		t.Fatalf("Translate() = %+v, %v", res, err)
	}
	if _, err := c.Translate(context.Background(), "Hello", " "); err == nil {
		t.Error("Translate() without language should fail")
	}
}

func TestLanguageName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"es", "Spanish"},
		{"de", "German"},
		{" ja ", "Japanese"},
		{"Spanish", "Spanish"},
		{"Klingon!", "Klingon!"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := LanguageName(tt.input); got != tt.want {
				t.Errorf("LanguageName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestComplete_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantSub string
	}{
		{"api error", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, "bad key"},
		{"plain error", http.StatusBadGateway, `upstream down`, "upstream down"},
		{"garbage", http.StatusOK, `not json`, "decode"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no choices"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.Polish(context.Background(), "text")
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error = %v, want containing %q", err, tt.wantSub)
			}
		})
	}
}

func TestComplete_NotConfiguredAndEmpty(t *testing.T) {
	c := New(Config{}, nil)
	if _, err := c.Polish(context.Background(), "x"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}

	calls := 0
	c = newTestServer(t, func(http.ResponseWriter, *http.Request) { calls++ })
	if _, err := c.Polish(context.Background(), "   "); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("error = %v, want ErrEmptyInput", err)
	}
	if calls != 0 {
		t.Error("empty input reached the server")
	}
}

func TestComplete_OmitsEmptySystem(t *testing.T) {
	var got chatRequest
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})
	if _, err := c.Complete(context.Background(), "", "just the prompt"); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Errorf("messages = %+v, want a single user message", got.Messages)
	}
}
