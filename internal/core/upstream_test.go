package core

import (
	"net/http"
	"strings"
	"testing"

	"github.com/xiaopang/unlimitedproxy/internal/model"
)

func TestBuildChatBody_Basic(t *testing.T) {
	req := &model.ChatCompletionRequest{
		Model: "chat-model-reasoning",
		Messages: []model.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
	}
	body := buildChatBody(req, "chat-1")

	if body.ID != "chat-1" {
		t.Fatalf("id = %q", body.ID)
	}
	if body.SelectedChatModel != "chat-model-reasoning" {
		t.Fatalf("model = %q", body.SelectedChatModel)
	}
	if body.Thinking != nil {
		t.Fatal("thinking should be off by default")
	}
	if len(body.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(body.Messages))
	}
	for _, m := range body.Messages {
		if m.ID == "" || m.CreatedAt == "" {
			t.Fatalf("message missing id/createdAt: %+v", m)
		}
		if len(m.Parts) != 1 || m.Parts[0].Type != "text" || m.Parts[0].Text != m.Content {
			t.Fatalf("parts out of sync with content: %+v", m)
		}
	}
}

func TestBuildChatBody_ThinkingModelAlias(t *testing.T) {
	req := &model.ChatCompletionRequest{
		Model:    "chat-model-reasoning-thinking",
		Messages: []model.Message{{Role: "user", Content: "why"}},
	}
	body := buildChatBody(req, "chat-2")

	// alias maps to the base upstream model with thinking enabled
	if body.SelectedChatModel != "chat-model-reasoning" {
		t.Fatalf("model = %q, want base model", body.SelectedChatModel)
	}
	if body.Thinking == nil || body.Thinking.Type != "enabled" {
		t.Fatal("thinking should be enabled for the thinking alias")
	}
	if body.Thinking.BudgetTokens != defaultBudgetTokens {
		t.Fatalf("budget = %d, want default %d", body.Thinking.BudgetTokens, defaultBudgetTokens)
	}

	// a system message nudging reasoning gets injected
	if body.Messages[0].Role != "system" {
		t.Fatal("expected injected system message first")
	}
	if !strings.Contains(body.Messages[0].Content, "深度思考") {
		t.Fatalf("system message lacks reasoning nudge: %q", body.Messages[0].Content)
	}
}

func TestBuildChatBody_ThinkingAmendsExistingSystem(t *testing.T) {
	req := &model.ChatCompletionRequest{
		Model:    "chat-model-reasoning",
		Thinking: true,
		Messages: []model.Message{
			{Role: "system", Content: "you are terse"},
			{Role: "user", Content: "q"},
		},
	}
	body := buildChatBody(req, "chat-3")

	if len(body.Messages) != 2 {
		t.Fatalf("got %d messages, no extra system message expected", len(body.Messages))
	}
	sys := body.Messages[0]
	if !strings.HasPrefix(sys.Content, "you are terse") || !strings.Contains(sys.Content, "深度思考") {
		t.Fatalf("system message not amended: %q", sys.Content)
	}
	if sys.Parts[0].Text != sys.Content {
		t.Fatal("parts text must track amended content")
	}
}

func TestBuildChatBody_Params(t *testing.T) {
	temp := 0.7
	maxTok := 256
	req := &model.ChatCompletionRequest{
		Model:        "chat-model-reasoning",
		Temperature:  &temp,
		MaxTokens:    &maxTok,
		Thinking:     true,
		BudgetTokens: 1234,
		Messages:     []model.Message{{Role: "user", Content: "q"}},
	}
	body := buildChatBody(req, "chat-4")

	if body.Temperature == nil || *body.Temperature != 0.7 {
		t.Fatal("temperature not carried over")
	}
	if body.MaxOutputTokens != 256 {
		t.Fatalf("maxOutputTokens = %d", body.MaxOutputTokens)
	}
	if body.Thinking.BudgetTokens != 1234 {
		t.Fatalf("budget = %d, want explicit 1234", body.Thinking.BudgetTokens)
	}
}

func TestDecodeQuoted(t *testing.T) {
	cases := []struct{ in, want string }{
		{`"hello"`, "hello"},
		{`"line\nbreak"`, "line\nbreak"},
		{`"中文内容"`, "中文内容"},
		{`bare text`, "bare text"},
		{`escaped\nbare`, "escaped\nbare"},
	}
	for _, tc := range cases {
		if got := decodeQuoted(tc.in); got != tc.want {
			t.Fatalf("decodeQuoted(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBrowserProfiles_ApplyHeaders(t *testing.T) {
	for _, p := range browserProfiles {
		h := make(http.Header)
		p.apply(h)
		if h.Get("User-Agent") == "" {
			t.Fatal("profile missing user agent")
		}
		// Firefox/Safari profiles omit client hint headers entirely
		if p.SecChUA == "" && h.Get("sec-ch-ua") != "" {
			t.Fatalf("profile %q should not send sec-ch-ua", p.UserAgent)
		}
	}
}
