package research

import (
	"context"
	"testing"
)

func TestQuoteSupported(t *testing.T) {
	text := "Zinc is a chemical element.  It has a melting point of 419.5 degrees Celsius,\nand boils at 907 degrees."

	tests := []struct {
		name  string
		quote string
		want  bool
	}{
		{"exact", "melting point of 419.5 degrees", true},
		{"case folded", "ZINC IS A CHEMICAL ELEMENT", true},
		{"whitespace collapsed", "chemical element. It has", true},
		{"ellipsis joined spans in order", "melting point ... boils at 907", true},
		{"unicode ellipsis", "melting point … boils at 907", true},
		{"spans out of order", "boils at 907 ... melting point", false},
		{"fabricated", "zinc was discovered in 1746", false},
		{"empty quote", "", false},
		{"partial span missing", "melting point ... freezes solid", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QuoteSupported(tt.quote, text); got != tt.want {
				t.Errorf("QuoteSupported(%q) = %v, want %v", tt.quote, got, tt.want)
			}
		})
	}
}

func TestVerifierDowngradesFabricatedQuote(t *testing.T) {
	// The model reports two supported claims; only the first quote
	// actually exists in the cited source.
	chat := newFakeChat().on("extract and verify claims", `{
		"claims": [
			{
				"claim": "zinc melts at 419.5 C",
				"status": "supported",
				"citations": ["D1"],
				"evidence": [{"citation": "D1", "quote": "melting point of 419.5 degrees"}]
			},
			{
				"claim": "zinc was discovered in 1746",
				"status": "supported",
				"citations": ["D1"],
				"evidence": [{"citation": "D1", "quote": "discovered by Marggraf in 1746"}]
			}
		]
	}`)

	textByTag := map[string]string{
		"D1": "Zinc has a melting point of 419.5 degrees Celsius.",
	}
	claims, err := NewVerifier(chat).Verify(context.Background(), "zinc?", []string{"[D1] ..."}, textByTag)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("got %d claims, want 2", len(claims))
	}
	if claims[0].Status != ClaimSupported {
		t.Errorf("claim 0 status = %s, want supported", claims[0].Status)
	}
	if claims[1].Status != ClaimUnclear {
		t.Errorf("claim 1 status = %s, want unclear (fabricated quote)", claims[1].Status)
	}
	if claims[1].Notes == "" {
		t.Error("downgraded claim should carry a note")
	}
}

func TestVerifierUnknownCitationTagDowngrades(t *testing.T) {
	chat := newFakeChat().on("extract and verify claims", `{
		"claims": [{
			"claim": "x",
			"status": "supported",
			"evidence": [{"citation": "W9", "quote": "anything"}]
		}]
	}`)
	claims, err := NewVerifier(chat).Verify(context.Background(), "q", nil, map[string]string{"D1": "text"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims[0].Status != ClaimUnclear {
		t.Errorf("status = %s, want unclear for nonexistent tag", claims[0].Status)
	}
}

func TestVerifierMalformedResponse(t *testing.T) {
	chat := newFakeChat().on("extract and verify claims", "I could not find any claims, sorry!")
	_, err := NewVerifier(chat).Verify(context.Background(), "q", nil, nil)
	if err == nil {
		t.Fatal("expected parse error for non-JSON response")
	}
}

func TestGapCheckerDegradesOnFailure(t *testing.T) {
	chat := newFakeChat().on("judge whether research is complete", "not json at all")
	got := NewGapChecker(chat).Check(context.Background(), &Plan{Topics: []string{"t"}}, nil)
	if got.Done {
		t.Error("failed gap check must not report done")
	}
}

func TestDoneIfChecker(t *testing.T) {
	chat := newFakeChat().on("completion criteria", `{"met": true}`)
	d := NewDoneIfChecker(chat)

	supported := []Claim{{Claim: "a", Status: ClaimSupported}}
	if !d.Met(context.Background(), []string{"know a"}, supported) {
		t.Error("expected met=true")
	}
	if d.Met(context.Background(), nil, supported) {
		t.Error("no criteria must never be met")
	}
	if d.Met(context.Background(), []string{"know a"}, nil) {
		t.Error("no supported claims must never be met")
	}
}
