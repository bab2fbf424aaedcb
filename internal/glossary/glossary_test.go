package glossary_test

import (
	"testing"

	"github.com/MrWong99/scriberelay/internal/glossary"
)

var terms = []string{"Garibaldi", "Conte di Cavour", "Risorgimento"}

func TestCorrect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
		subs int
	}{
		{
			name: "misspelled single and multi-word terms",
			in:   "oggi parliamo di garibaldy e del conte di cavur nel risorgimiento.",
			want: "oggi parliamo di Garibaldi e del Conte di Cavour nel Risorgimento.",
			subs: 3,
		},
		{
			name: "split word",
			in:   "gari baldi sbarca in sicilia",
			want: "Garibaldi sbarca in sicilia",
			subs: 1,
		},
		{
			name: "ordinary sentence untouched",
			in:   "la lezione di oggi riguarda la storia del paese",
			want: "la lezione di oggi riguarda la storia del paese",
		},
		{
			name: "exact terms are not corrections",
			in:   "Garibaldi e Cavour",
			want: "Garibaldi e Cavour",
		},
		{
			name: "casing fixed",
			in:   "il generale garibaldi partì da quarto",
			want: "il generale Garibaldi partì da quarto",
			subs: 1,
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}
	g := glossary.New(terms)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, subs := g.Correct(tt.in)
			if got != tt.want {
				t.Errorf("Correct(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if len(subs) != tt.subs {
				t.Errorf("corrections = %+v, want %d", subs, tt.subs)
			}
			for _, c := range subs {
				if c.Score < glossary.DefaultPhoneticThreshold || c.Score > 1 {
					t.Errorf("correction %q -> %q has score %f", c.Original, c.Corrected, c.Score)
				}
			}
		})
	}
}

func TestCorrect_ReportsOriginal(t *testing.T) {
	t.Parallel()
	_, subs := glossary.New(terms).Correct("il conte di cavur, primo ministro")
	if len(subs) != 1 {
		t.Fatalf("corrections = %+v", subs)
	}
	if subs[0].Original != "conte di cavur" || subs[0].Corrected != "Conte di Cavour" {
		t.Errorf("correction = %+v", subs[0])
	}
}

func TestCorrect_KeepsPunctuation(t *testing.T) {
	t.Parallel()
	got := glossary.New(terms).Rewrite(`"garibaldy," disse`)
	if want := `"Garibaldi," disse`; got != want {
		t.Errorf("Rewrite = %q, want %q", got, want)
	}
}

func TestNew_IgnoresBlankAndDuplicateTerms(t *testing.T) {
	t.Parallel()
	g := glossary.New([]string{"Cavour", " ", "cavour", "  Conte   di Cavour "})
	if g.Len() != 2 {
		t.Errorf("Len = %d, want 2", g.Len())
	}
	if got := glossary.New(nil).Rewrite("conte di cavur"); got != "conte di cavur" {
		t.Errorf("empty glossary rewrote text: %q", got)
	}
}

func TestThresholds(t *testing.T) {
	t.Parallel()
	strict := glossary.New(terms, glossary.WithPhoneticThreshold(0.99), glossary.WithFuzzyThreshold(0.99))
	if got := strict.Rewrite("garibaldy"); got != "garibaldy" {
		t.Errorf("strict glossary rewrote %q", got)
	}
}
