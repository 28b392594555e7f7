package signaling

import "testing"

func TestRoomPasswordImmutableOnceSet(t *testing.T) {
	r := newRoom("ABC234")

	if r.HasPassword() {
		t.Fatal("new room should have no password")
	}
	if !r.CheckPassword("") {
		t.Fatal("room without a password should accept any joiner")
	}

	if !r.SetPasswordHash("hash1") {
		t.Fatal("first SetPasswordHash should succeed")
	}
	if !r.HasPassword() {
		t.Fatal("HasPassword should be true after SetPasswordHash")
	}

	// Invariant 6: a subsequent set-password request must fail and must
	// not mutate the stored hash.
	if r.SetPasswordHash("hash2") {
		t.Fatal("second SetPasswordHash should fail")
	}
	if !r.CheckPassword("hash1") {
		t.Fatal("original hash should still be in effect")
	}
	if r.CheckPassword("hash2") {
		t.Fatal("second hash must not have been stored")
	}
}

func TestRoomMembership(t *testing.T) {
	r := newRoom("ABC234")
	a := &Session{PeerID: "aaa"}
	b := &Session{PeerID: "bbb"}
	r.addSession(a)
	r.addSession(b)

	if r.memberCount() != 2 {
		t.Fatalf("memberCount = %d, want 2", r.memberCount())
	}

	others := r.otherSessions("aaa")
	if len(others) != 1 || others[0].PeerID != "bbb" {
		t.Fatalf("otherSessions(aaa) = %+v, want [bbb]", others)
	}

	r.removeSession("aaa")
	if r.memberCount() != 1 {
		t.Fatalf("memberCount after remove = %d, want 1", r.memberCount())
	}
	if _, ok := r.session("aaa"); ok {
		t.Fatal("removed session should no longer be found")
	}
}
