package lexicon

import "testing"

func TestPronunciations_WholeWordReplacement(t *testing.T) {
	p := NewPronunciations(map[string]string{
		"nginx": "engine x",
		"SQL":   "sequel",
	})

	tests := []struct {
		in   string
		want string
	}{
		{"restart nginx now", "restart engine x now"},
		{"Nginx is down", "engine x is down"},
		{"NGINX", "engine x"},
		{"the SQL query", "the sequel query"},
		{"no matches here", "no matches here"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := p.Apply(tt.in); got != tt.want {
			t.Errorf("Apply(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPronunciations_SubstringsNotReplaced(t *testing.T) {
	p := NewPronunciations(map[string]string{"cache": "cash"})

	// "cached" contains "cache" but is a different word.
	if got := p.Apply("the cached response"); got != "the cached response" {
		t.Errorf("Apply = %q, substring must not match", got)
	}
	if got := p.Apply("clear the cache now"); got != "clear the cash now" {
		t.Errorf("Apply = %q, want whole-word replacement", got)
	}
}

func TestPronunciations_PunctuationPreserved(t *testing.T) {
	p := NewPronunciations(map[string]string{"kubectl": "cube control"})

	if got := p.Apply("Run kubectl, then wait."); got != "Run cube control, then wait." {
		t.Errorf("Apply = %q, want punctuation preserved", got)
	}
	if got := p.Apply("(kubectl)"); got != "(cube control)" {
		t.Errorf("Apply = %q, want parens preserved", got)
	}
}

func TestPronunciations_LeftToRightNonOverlapping(t *testing.T) {
	// Replacement output must not itself be re-scanned: "a b" produces "b c"
	// exactly once, not cascading through the "b" entry.
	p := NewPronunciations(map[string]string{
		"a b": "b c",
		"b":   "x",
	})
	if got := p.Apply("a b b"); got != "b c x" {
		t.Errorf("Apply = %q, want %q", got, "b c x")
	}
}

func TestPronunciations_LongestMatchWins(t *testing.T) {
	p := NewPronunciations(map[string]string{
		"new york":      "New York City",
		"new":           "NEW",
		"york":          "YORK",
		"new york city": "NYC",
	})

	// Three-word entry beats the two-word and single-word entries.
	if got := p.Apply("visit new york city today"); got != "visit NYC today" {
		t.Errorf("Apply = %q, want three-word entry to win", got)
	}
	// Two words present: the two-word entry wins over singles.
	if got := p.Apply("in new york now"); got != "in New York City now" {
		t.Errorf("Apply = %q, want two-word entry to win", got)
	}
}

func TestPronunciations_MultiWordRequiresWhitespaceGap(t *testing.T) {
	p := NewPronunciations(map[string]string{"new york": "NYC"})

	// Punctuation between the words breaks adjacency, so the single words
	// pass through untouched.
	if got := p.Apply("new, york"); got != "new, york" {
		t.Errorf("Apply = %q, want no replacement across punctuation", got)
	}
}

func TestPronunciations_ApostropheInsideWord(t *testing.T) {
	p := NewPronunciations(map[string]string{"don't": "do not"})
	if got := p.Apply("please don't stop"); got != "please do not stop" {
		t.Errorf("Apply = %q, want apostrophe word matched", got)
	}
}

func TestPronunciations_EmptyDictionary(t *testing.T) {
	p := NewPronunciations(nil)
	if got := p.Apply("unchanged text"); got != "unchanged text" {
		t.Errorf("Apply = %q, want passthrough", got)
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d, want 0", p.Len())
	}
}
