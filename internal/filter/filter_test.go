package filter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccepts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		spec Spec
		want bool
	}{
		{"contains case-insensitive", "Big LEAK today", Spec{Kind: Contains, Terms: []string{"leak"}}, true},
		{"contains none", "nothing here", Spec{Kind: Contains, Terms: []string{"leak", "dump"}}, false},
		{"contains any", "fresh dump", Spec{Kind: Contains, Terms: []string{"leak", "dump"}}, true},
		{"contains_all yes", "bank leak dump", Spec{Kind: ContainsAll, Terms: []string{"leak", "bank"}}, true},
		{"contains_all partial", "bank news", Spec{Kind: ContainsAll, Terms: []string{"leak", "bank"}}, false},
		{"starts_with", "CVE-2024-1 found", Spec{Kind: StartsWith, Terms: []string{"cve-"}}, true},
		{"starts_with miss", "new CVE-2024-1", Spec{Kind: StartsWith, Terms: []string{"cve-"}}, false},
		{"ends_with", "download at EXAMPLE.COM", Spec{Kind: EndsWith, Terms: []string{"example.com"}}, true},
		{"not_contains accepts", "clean text", Spec{Kind: NotContains, Terms: []string{"spam"}}, true},
		{"not_contains rejects", "buy SPAM", Spec{Kind: NotContains, Terms: []string{"spam"}}, false},
		{"regex ignore case", "Found CVE-2024-12345", Spec{Kind: Regex, Terms: []string{`cve-\d{4}-\d+`}, IgnoreCase: true}, true},
		{"regex case sensitive", "Found cve-2024-12345", Spec{Kind: Regex, Terms: []string{`CVE-\d{4}-\d+`}}, false},
		{"regex invalid rejects", "anything", Spec{Kind: Regex, Terms: []string{`(`}}, false},
		{"empty spec passes", "anything", Spec{}, true},
		{"blank terms pass", "anything", Spec{Kind: ContainsAll, Terms: []string{" ", ""}}, true},
		{"empty text passes", "", Spec{Kind: Contains, Terms: []string{"leak"}}, true},
		{"unicode folding", "STRASSE ÜBER", Spec{Kind: Contains, Terms: []string{"über"}}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Accepts(tt.text, tt.spec))
		})
	}
}

func TestNotContainsIsNegationOfContains(t *testing.T) {
	t.Parallel()
	terms := []string{"alpha", "beta"}
	for _, text := range []string{"alpha", "BETA gamma", "gamma", "alphabet soup", "x"} {
		c := Accepts(text, Spec{Kind: Contains, Terms: terms})
		n := Accepts(text, Spec{Kind: NotContains, Terms: terms})
		assert.NotEqual(t, c, n, text)
	}
}

func TestMatchReportsTerms(t *testing.T) {
	t.Parallel()
	ok, hits := Match("Leak of bank data", Spec{Kind: Contains, Terms: []string{"bank", "leak", "card"}})
	require.True(t, ok)
	assert.Equal(t, []string{"bank", "leak"}, hits)

	ok, hits = Match("ticket CVE-2023-4863", Spec{Kind: Regex, Terms: []string{`cve-\d+-\d+`}, IgnoreCase: true})
	require.True(t, ok)
	assert.Equal(t, []string{"CVE-2023-4863"}, hits)

	ok, hits = Match("quiet", Spec{Kind: NotContains, Terms: []string{"noise"}})
	require.True(t, ok)
	assert.Empty(t, hits)
}

func TestMatchConcurrent(t *testing.T) {
	t.Parallel()
	spec := Spec{Kind: Regex, Terms: []string{`leak`}, IgnoreCase: true}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.True(t, Accepts("LEAK", spec))
				assert.True(t, Accepts("Leak", Spec{Kind: Contains, Terms: []string{"leak"}}))
			}
		}()
	}
	wg.Wait()
}

func TestKeywords(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"a", "b"}, Spec{Kind: Contains, Terms: []string{"a", "", "b"}}.Keywords())
	assert.Equal(t, []string{"a"}, Spec{Kind: ContainsAll, Terms: []string{"a"}}.Keywords())
	assert.Nil(t, Spec{Kind: Regex, Terms: []string{"a"}}.Keywords())
	assert.Nil(t, Spec{Kind: StartsWith, Terms: []string{"a"}}.Keywords())
}

func TestValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Validate(Spec{Kind: Contains, Terms: []string{"x"}}))
	require.NoError(t, Validate(Spec{Kind: Regex, Terms: []string{`^\d+$`}}))
	require.Error(t, Validate(Spec{Kind: Regex, Terms: []string{`[`}}))
	require.Error(t, Validate(Spec{Kind: Regex, Terms: []string{"a", "b"}}))
	require.Error(t, Validate(Spec{Kind: "fuzzy", Terms: []string{"x"}}))
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, Contains, k)
	k, err = ParseKind(" Contains_All ")
	require.NoError(t, err)
	assert.Equal(t, ContainsAll, k)
	_, err = ParseKind("nope")
	assert.Error(t, err)
}
