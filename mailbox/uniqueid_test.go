package mailbox

import "testing"

func TestHashNameDeterministic(t *testing.T) {
	a := hashName("user/inbox")
	b := hashName("user/inbox")
	if a != b {
		t.Fatalf("hashName not deterministic: %d != %d", a, b)
	}
}

func TestHashNameDistinguishesNames(t *testing.T) {
	a := hashName("user/inbox")
	b := hashName("user/inbox.Sent")
	if a == b {
		t.Fatalf("expected distinct hashes for distinct names, got %d for both", a)
	}
}

func TestMakeUniqueIDFormat(t *testing.T) {
	id := makeUniqueID("user/inbox", 0x1234)
	if len(id) != 16 {
		t.Fatalf("expected 16 hex chars, got %q (len %d)", id, len(id))
	}
	again := makeUniqueID("user/inbox", 0x1234)
	if id != again {
		t.Fatalf("makeUniqueID not deterministic: %q != %q", id, again)
	}
}

func TestMakeUniqueIDVariesWithUIDValidity(t *testing.T) {
	a := makeUniqueID("user/inbox", 1)
	b := makeUniqueID("user/inbox", 2)
	if a == b {
		t.Fatalf("expected different unique-ids for different uidvalidity")
	}
}
