package analysisproc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func validEvaluation() Evaluation {
	return Evaluation{
		Attempted:        "yes",
		QualityScore:     2,
		Categories:       []string{"dessert", "syrup"},
		ClosingQuestion:  true,
		CustomerReaction: "accepted",
		EvidenceQuotes:   []string{"возьмите чизкейк к кофе"},
		Summary:          "Кассир предложил десерт, клиент согласился.",
		Confidence:       0.9,
	}
}

func TestNormalizeValid(t *testing.T) {
	t.Parallel()

	ev := validEvaluation()
	if err := ev.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
}

func TestNormalizeRejectsBadEnums(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*Evaluation){
		"attempted":         func(ev *Evaluation) { ev.Attempted = "maybe" },
		"quality too high":  func(ev *Evaluation) { ev.QualityScore = 4 },
		"quality negative":  func(ev *Evaluation) { ev.QualityScore = -1 },
		"category":          func(ev *Evaluation) { ev.Categories = []string{"ice_cream"} },
		"customer_reaction": func(ev *Evaluation) { ev.CustomerReaction = "happy" },
	}
	for name, mutate := range cases {
		ev := validEvaluation()
		mutate(&ev)
		if err := ev.normalize(); err == nil {
			t.Errorf("%s: invalid value accepted", name)
		}
	}
}

func TestNormalizeTrimsAndClamps(t *testing.T) {
	t.Parallel()

	ev := validEvaluation()
	ev.EvidenceQuotes = []string{
		strings.Repeat("ц", 150),
		"вторая", "третья", "четвертая",
	}
	ev.Summary = strings.Repeat("о", 250)
	ev.Confidence = 1.7

	if err := ev.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(ev.EvidenceQuotes) != 3 {
		t.Errorf("quotes = %d, want 3", len(ev.EvidenceQuotes))
	}
	if n := len([]rune(ev.EvidenceQuotes[0])); n != 100 {
		t.Errorf("first quote = %d runes, want 100", n)
	}
	if n := len([]rune(ev.Summary)); n != 200 {
		t.Errorf("summary = %d runes, want 200", n)
	}
	if ev.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", ev.Confidence)
	}

	ev.Confidence = -0.2
	if err := ev.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", ev.Confidence)
	}
}

func TestNormalizeFillsNilArrays(t *testing.T) {
	t.Parallel()

	ev := validEvaluation()
	ev.Categories = nil
	ev.EvidenceQuotes = nil
	if err := ev.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Categories == nil || ev.EvidenceQuotes == nil {
		t.Error("nil arrays not replaced with empty slices")
	}
}

func TestShouldFallBackToJSONMode(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"response_format json_schema is not supported":   true,
		"Structured Outputs not available on this model": true,
		"invalid response format":                        true,
		"rate limit exceeded":                            false,
		"connection refused":                             false,
	}
	for msg, want := range cases {
		if got := shouldFallBackToJSONMode(errors.New(msg)); got != want {
			t.Errorf("%q: fallback = %v, want %v", msg, got, want)
		}
	}

	if shouldFallBackToJSONMode(context.Canceled) {
		t.Error("context cancellation must not trigger the fallback")
	}
}

func TestBuildUserPrompt(t *testing.T) {
	t.Parallel()

	prompt := buildUserPrompt("- Добрый день!\n- Капучино, пожалуйста.", 42.375, "point-1", "reg-7")
	for _, want := range []string{
		"=== ТРАНСКРИПТ ===",
		"Капучино, пожалуйста.",
		"Длительность диалога: 42.4 секунд",
		"Точка: point-1",
		"Касса: reg-7",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestUpsellSchemaMarshals(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(upsellSchema)
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	var decoded struct {
		Required             []string `json:"required"`
		AdditionalProperties bool     `json:"additionalProperties"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if len(decoded.Required) != 8 {
		t.Errorf("required fields = %d, want 8", len(decoded.Required))
	}
	if decoded.AdditionalProperties {
		t.Error("schema must forbid additional properties")
	}
}
