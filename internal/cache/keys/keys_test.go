package keys

import (
	"regexp"
	"strings"
	"testing"
	"unicode"
)

func TestDeterminism_SameInputsSameKey(t *testing.T) {
	k1 := Key(Search, "fts", "q=deploy failures&limit=20")
	k2 := Key(Search, "fts", "q=deploy failures&limit=20")
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
}

func TestNormalization_SpacingVariantsProduceSameKey(t *testing.T) {
	k1 := Key(FlowAnalysis, " conversation ", "  id =  42 ,  depth = 3 ")
	k2 := Key(FlowAnalysis, "conversation", "id=42,depth=3")
	if k1 != k2 {
		t.Fatalf("normalized keys differ:\n k1=%s\n k2=%s", k1, k2)
	}
	if !regexp.MustCompile(`^[A-Za-z0-9:_=.\-]+$`).MatchString(k1) {
		t.Fatalf("key contains disallowed characters: %s", k1)
	}
}

func TestDifference_DifferentParamsAreDifferent(t *testing.T) {
	if Key(Search, "fts", "a=1,b=2") == Key(Search, "fts", "b=2,a=1") {
		t.Fatalf("different params must produce different keys")
	}
}

func TestUnicodeSafety_NoPanicAndHashSuffixPresent(t *testing.T) {
	k := Key(KnowledgeGap, "topics", "name = 'Göteborg' AND note = '雪'")

	for _, r := range k {
		if r > unicode.MaxASCII {
			t.Fatalf("non-ASCII rune leaked into key: %q in %s", r, k)
		}
	}
	m := regexp.MustCompile(`:h=([0-9a-f]{16})$`).FindStringSubmatch(k)
	if len(m) != 2 {
		t.Fatalf("missing or invalid :h=<hex64> suffix in key: %s", k)
	}
	if !strings.HasPrefix(k, "knowledge_gap:topics:p=") {
		t.Fatalf("unexpected key layout: %s", k)
	}
}

func TestParseCategory(t *testing.T) {
	cases := []struct {
		key  string
		want Category
	}{
		{Key(Productivity, "daily", "user=1"), Productivity},
		{Key(Generic, "x", ""), Generic},
		{"flow_analysis:conv:7", FlowAnalysis},
		{"conversation-flow-42", FlowAnalysis},
		{"detect_knowledge_gaps:all", KnowledgeGap},
		{"SEARCH_semantic:deploy", Search},
		{"user:productivity:weekly", Productivity},
		{"messages:recent", Generic},
		{"", Generic},
	}
	for _, c := range cases {
		if got := ParseCategory(c.key); got != c.want {
			t.Fatalf("ParseCategory(%q)=%q want %q", c.key, got, c.want)
		}
	}
}
