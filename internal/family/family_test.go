package family_test

import (
	"testing"

	"github.com/Hiih-u/async-chat/internal/config"
	"github.com/Hiih-u/async-chat/internal/family"
)

func testConfig() config.Config {
	cfg := config.Config{}
	cfg.Families = []config.FamilyConfig{
		{ID: "gemini", MatchSubstrings: []string{"gemini"}, StreamKey: "gemini_stream", UsesNodePool: true},
		{ID: "deepseek", MatchSubstrings: []string{"deepseek"}, StreamKey: "deepseek_stream"},
		{ID: "qwen", MatchSubstrings: []string{"qwen", "千问"}, StreamKey: "qwen_stream"},
		{ID: "stable_diffusion", MatchSubstrings: []string{"sd", "stable"}, StreamKey: "sd_stream"},
	}
	return cfg
}

func TestResolveMatchesSubstring(t *testing.T) {
	r, err := family.NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cases := map[string]string{
		"gemini-2.5-flash": "gemini",
		"DeepSeek-V3":       "deepseek",
		"qwen-max":          "qwen",
		"千问-plus":          "qwen",
		"stable-diffusion-xl": "stable_diffusion",
		"sd-3.5":            "stable_diffusion",
	}
	for model, want := range cases {
		got := r.Resolve(model)
		if got.ID != want {
			t.Errorf("Resolve(%q) = %q, want %q", model, got.ID, want)
		}
	}
}

func TestResolveDefaultsToGemini(t *testing.T) {
	r, err := family.NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	got := r.Resolve("some-unknown-model")
	if got.ID != "gemini" {
		t.Fatalf("expected fallback to gemini, got %q", got.ID)
	}
}

func TestIsGemini(t *testing.T) {
	r, err := family.NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if !r.IsGemini("gemini-2.5-pro") {
		t.Fatal("expected gemini model to report IsGemini=true")
	}
	if r.IsGemini("deepseek-v3") {
		t.Fatal("expected deepseek model to report IsGemini=false")
	}
}

func TestNewRegistryRequiresDefaultFamily(t *testing.T) {
	cfg := config.Config{Families: []config.FamilyConfig{{ID: "deepseek"}}}
	if _, err := family.NewRegistry(cfg); err == nil {
		t.Fatal("expected error when default family gemini is missing")
	}
}
