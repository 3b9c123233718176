package merger

import "testing"

func TestCleanText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"collapse whitespace", "hello   there \t friend", "hello there friend"},
		{"repeated punctuation", "wait... what??!", "wait. what?"},
		{"strip glyphs", "♪ music plays ♪ and 🎉 party", "music plays and party"},
		{"keep accents", "ação über café", "ação über café"},
		{"keep quotes and parens", `he said "stop" (twice)`, `he said "stop" (twice)`},
		{"empty", "   ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanText(tc.in); got != tc.want {
				t.Errorf("CleanText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCapitalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"hello", "Hello"},
		{"Hello", "Hello"},
		{"ação", "Ação"},
		{"123 go", "123 go"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := capitalize(tc.in); got != tc.want {
			t.Errorf("capitalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestVocabularyCorrectsPhoneticMatches(t *testing.T) {
	v := NewVocabulary([]string{"kubernetes", "Grafana"})

	cases := []struct{ in, want string }{
		{"we deployed it on kubernetis yesterday", "we deployed it on kubernetes yesterday"},
		{"check the grafanna dashboard", "check the Grafana dashboard"},
		{"an exact kubernetes match stays", "an exact kubernetes match stays"},
		{"nothing resembles the terms here", "nothing resembles the terms here"},
	}
	for _, tc := range cases {
		if got := v.Correct(tc.in); got != tc.want {
			t.Errorf("Correct(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestVocabularyPreservesCaseAndPunctuation(t *testing.T) {
	v := NewVocabulary([]string{"kubernetes"})

	if got := v.Correct("Kubernetis is down."); got != "Kubernetes is down." {
		t.Errorf("got %q", got)
	}
	if got := v.Correct("restart kubernetis, please"); got != "restart kubernetes, please" {
		t.Errorf("got %q", got)
	}
}

func TestVocabularyMultiWordTerm(t *testing.T) {
	v := NewVocabulary([]string{"load balancer"})

	if got := v.Correct("the loade balancer failed"); got != "the load balancer failed" {
		t.Errorf("got %q", got)
	}
}

func TestVocabularyIgnoresShortTokens(t *testing.T) {
	v := NewVocabulary([]string{"kubernetes"})
	if got := v.Correct("ku is ok"); got != "ku is ok" {
		t.Errorf("short token corrected: %q", got)
	}
}
