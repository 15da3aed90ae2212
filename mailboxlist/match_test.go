package mailboxlist

import "testing"

func TestMatchPatternStarCrossesHierarchy(t *testing.T) {
	if !MatchPattern("user/jdoe*", "user/jdoe/Sent/2024", '/') {
		t.Fatalf("expected * to cross separators")
	}
}

func TestMatchPatternPercentStopsAtSeparator(t *testing.T) {
	if MatchPattern("user/jdoe%", "user/jdoe/Sent", '/') {
		t.Fatalf("expected %% to not cross separators")
	}
	if !MatchPattern("user/jdoe%", "user/jdoeArchive", '/') {
		t.Fatalf("expected %% to match within one hierarchy level")
	}
}

func TestMatchPatternExactLiteral(t *testing.T) {
	if !MatchPattern("user/jdoe/INBOX", "user/jdoe/INBOX", '/') {
		t.Fatalf("expected literal exact match")
	}
	if MatchPattern("user/jdoe/INBOX", "user/jdoe/inbox", '/') {
		t.Fatalf("expected case-sensitive literal mismatch")
	}
}

func TestMatchPatternEmptyPatternOnlyMatchesEmptyName(t *testing.T) {
	if !MatchPattern("", "", '/') {
		t.Fatalf("empty pattern should match empty name")
	}
	if MatchPattern("", "x", '/') {
		t.Fatalf("empty pattern should not match non-empty name")
	}
}

func TestMatchPatternSeparatorIsConfigurable(t *testing.T) {
	if !MatchPattern("user.jdoe.*", "user.jdoe.Sent.2024", '.') {
		t.Fatalf("expected * to cross '.' separators when sep is '.'")
	}
	if MatchPattern("user/jdoe%", "user/jdoe.Sent", '.') {
		t.Fatalf("with sep='.', %% should not cross a '.' separator")
	}
}
