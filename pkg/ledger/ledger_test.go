package ledger

import (
	"errors"
	"testing"
	"time"

	"lockbox/pkg/seal"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLedger(t *testing.T) (*Ledger, *seal.Engine, *fakeClock) {
	t.Helper()
	eng, err := seal.NewEngine(seal.KeyFromSecret("ledger-test"))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	clk := &fakeClock{now: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
	return New(eng, clk.Now), eng, clk
}

func mustCreate(t *testing.T, l *Ledger, creator, title string) uint64 {
	t.Helper()
	id, evs, err := l.CreateContent(seal.PrincipalID(creator), []byte("payload"), []byte("9.99"), title, "desc")
	if err != nil {
		t.Fatalf("CreateContent: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	return id
}

func mustPurchase(t *testing.T, l *Ledger, buyer string, contentID uint64, d time.Duration) AccessToken {
	t.Helper()
	token, evs, err := l.PurchaseAccess(seal.PrincipalID(buyer), contentID, d)
	if err != nil {
		t.Fatalf("PurchaseAccess: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	return token
}

func TestCreateContentValidation(t *testing.T) {
	l, _, _ := newTestLedger(t)
	tests := []struct {
		name    string
		creator string
		title   string
		desc    string
	}{
		{"empty title", "alice", "", "d"},
		{"empty description", "alice", "t", ""},
		{"empty creator", "", "t", "d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := l.CreateContent(seal.PrincipalID(tt.creator), nil, nil, tt.title, tt.desc)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	if l.TotalContentCount() != 0 {
		t.Fatalf("failed creations must not register content, count=%d", l.TotalContentCount())
	}
}

func TestCreateContentRegistersItem(t *testing.T) {
	l, eng, clk := newTestLedger(t)
	id := mustCreate(t, l, "alice", "Report")
	if id != 1 {
		t.Fatalf("first content id should be 1, got %d", id)
	}
	info, err := l.GetInfo(id)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.Creator != "alice" || info.Title != "Report" || !info.Active {
		t.Fatalf("unexpected info: %+v", info)
	}
	if !info.CreatedAt.Equal(clk.now) {
		t.Fatalf("expected createdAt %v, got %v", clk.now, info.CreatedAt)
	}
	owned := l.ListContentByOwner("alice")
	if len(owned) != 1 || owned[0] != id {
		t.Fatalf("owner index wrong: %v", owned)
	}
	item, ok := l.Content(id)
	if !ok {
		t.Fatal("Content lookup failed")
	}
	for _, h := range []string{item.Payload, item.Price} {
		if !eng.CanDecrypt(h, "alice") {
			t.Fatalf("creator must hold decrypt rights on handle %s", h)
		}
		if !eng.CanDecrypt(h, seal.System) {
			t.Fatalf("system must hold decrypt rights on handle %s", h)
		}
	}
}

func TestUnknownContentFailsNotFound(t *testing.T) {
	l, _, _ := newTestLedger(t)
	if _, err := l.GetInfo(99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetInfo: expected ErrNotFound, got %v", err)
	}
	if _, _, err := l.AccessContent("alice", 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AccessContent: expected ErrNotFound, got %v", err)
	}
	if _, _, err := l.PurchaseAccess("bob", 99, time.Hour); !errors.Is(err, ErrNotFound) {
		t.Fatalf("PurchaseAccess: expected ErrNotFound, got %v", err)
	}
	if _, err := l.RevokeAccess("alice", 99, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RevokeAccess: expected ErrNotFound, got %v", err)
	}
	if _, err := l.GetTokenInfo(99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTokenInfo: expected ErrNotFound, got %v", err)
	}
}

func TestPurchaseRoundTrip(t *testing.T) {
	l, eng, _ := newTestLedger(t)
	id := mustCreate(t, l, "alice", "Report")

	token := mustPurchase(t, l, "bob", id, time.Hour)
	if token.ID != 1 {
		t.Fatalf("first token id should be 1, got %d", token.ID)
	}
	if !l.CheckAccess(id, "bob") {
		t.Fatal("purchase must grant access")
	}
	item, _ := l.Content(id)
	if !eng.CanDecrypt(item.Payload, "bob") {
		t.Fatal("purchase must extend decrypt rights on the payload handle")
	}
	if !eng.CanDecrypt(token.AccessKey, "bob") {
		t.Fatal("buyer must hold decrypt rights on the token key handle")
	}

	if _, err := l.RevokeAccess("alice", id, "bob"); err != nil {
		t.Fatalf("RevokeAccess: %v", err)
	}
	if l.CheckAccess(id, "bob") {
		t.Fatal("revocation must remove access")
	}
	// The cryptographic permission stays; the token gate is what closed.
	if !eng.CanDecrypt(item.Payload, "bob") {
		t.Fatal("revocation must not retract the decrypt permission")
	}
	tokenInfo, err := l.GetTokenInfo(token.ID)
	if err != nil {
		t.Fatalf("GetTokenInfo: %v", err)
	}
	if tokenInfo.Valid {
		t.Fatal("revocation must invalidate the token")
	}
}

func TestPurchaseErrors(t *testing.T) {
	l, _, _ := newTestLedger(t)
	id := mustCreate(t, l, "alice", "Report")
	inactive := mustCreate(t, l, "alice", "Archived")
	if err := l.SetActive(inactive, "alice", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	mustPurchase(t, l, "bob", id, time.Hour)

	tests := []struct {
		name     string
		buyer    string
		content  uint64
		duration time.Duration
		want     error
	}{
		{"unknown content", "bob", 99, time.Hour, ErrNotFound},
		{"inactive content", "bob", inactive, time.Hour, ErrInactive},
		{"zero duration", "carol", id, 0, ErrInvalidInput},
		{"negative duration", "carol", id, -time.Second, ErrInvalidInput},
		{"empty buyer", "", id, time.Hour, ErrInvalidInput},
		{"double purchase", "bob", id, time.Hour, ErrAlreadyGranted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := l.PurchaseAccess(seal.PrincipalID(tt.buyer), tt.content, tt.duration)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if l.TotalTokenCount() != 1 {
		t.Fatalf("failed purchases must not mint tokens, count=%d", l.TotalTokenCount())
	}
}

func TestExpiryBoundaryIsStrict(t *testing.T) {
	l, _, clk := newTestLedger(t)
	id := mustCreate(t, l, "alice", "Report")
	mustPurchase(t, l, "bob", id, 3600*time.Second)

	clk.advance(3599 * time.Second)
	if !l.CheckAccess(id, "bob") {
		t.Fatal("token should still be live one second before expiry")
	}
	clk.advance(time.Second)
	// expiresAt == now: expired, strict inequality required for validity.
	if l.CheckAccess(id, "bob") {
		t.Fatal("token expiring exactly now must be treated as expired")
	}
}

func TestExpiredTokenDeniesAccess(t *testing.T) {
	l, _, clk := newTestLedger(t)
	id := mustCreate(t, l, "alice", "Report")
	if id != 1 {
		t.Fatalf("expected content id 1, got %d", id)
	}
	token := mustPurchase(t, l, "bob", id, 3600*time.Second)
	if token.ID != 1 {
		t.Fatalf("expected token id 1, got %d", token.ID)
	}
	if !l.CheckAccess(id, "bob") {
		t.Fatal("fresh purchase must grant access")
	}

	clk.advance(3601 * time.Second)
	if l.CheckAccess(id, "bob") {
		t.Fatal("access must lapse after expiry")
	}
	if _, _, err := l.AccessContent("bob", id); !errors.Is(err, ErrNoAccess) {
		t.Fatalf("expected ErrNoAccess after expiry, got %v", err)
	}
	// Not revoked, just expired: the token flag is still set.
	info, err := l.GetTokenInfo(token.ID)
	if err != nil {
		t.Fatalf("GetTokenInfo: %v", err)
	}
	if !info.Valid {
		t.Fatal("expiry must not flip the validity flag")
	}
}

func TestDeactivationBlocksEveryone(t *testing.T) {
	l, _, _ := newTestLedger(t)
	id := mustCreate(t, l, "alice", "Report")
	mustPurchase(t, l, "bob", id, time.Hour)

	if err := l.SetActive(id, "alice", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	for _, p := range []string{"bob", "alice"} {
		if _, _, err := l.AccessContent(seal.PrincipalID(p), id); !errors.Is(err, ErrInactive) {
			t.Fatalf("AccessContent by %s: expected ErrInactive, got %v", p, err)
		}
	}
	// The access predicate itself is unchanged by deactivation.
	if !l.CheckAccess(id, "alice") || !l.CheckAccess(id, "bob") {
		t.Fatal("CheckAccess should not consult the active flag")
	}

	if err := l.SetActive(id, "alice", true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, _, err := l.AccessContent("bob", id); err != nil {
		t.Fatalf("AccessContent after reactivation: %v", err)
	}
}

func TestSetActiveAuthorization(t *testing.T) {
	l, _, _ := newTestLedger(t)
	id := mustCreate(t, l, "alice", "Report")
	if err := l.SetActive(id, "bob", false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := l.SetActive(99, "alice", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeAuthorizationAndIdempotence(t *testing.T) {
	l, _, _ := newTestLedger(t)
	id := mustCreate(t, l, "alice", "Report")
	mustPurchase(t, l, "bob", id, time.Hour)

	if _, err := l.RevokeAccess("bob", id, "bob"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-creator revoke: expected ErrUnauthorized, got %v", err)
	}
	if _, err := l.RevokeAccess("alice", id, "bob"); err != nil {
		t.Fatalf("RevokeAccess: %v", err)
	}
	// Second revoke with no intervening purchase fails and changes nothing.
	if _, err := l.RevokeAccess("alice", id, "bob"); !errors.Is(err, ErrNoAccess) {
		t.Fatalf("double revoke: expected ErrNoAccess, got %v", err)
	}
	if _, err := l.RevokeAccess("alice", id, "carol"); !errors.Is(err, ErrNoAccess) {
		t.Fatalf("revoking a non-holder: expected ErrNoAccess, got %v", err)
	}
}

func TestCreatorImplicitAccess(t *testing.T) {
	l, _, _ := newTestLedger(t)
	id := mustCreate(t, l, "alice", "Report")
	if !l.CheckAccess(id, "alice") {
		t.Fatal("creator must have implicit access")
	}
	if _, _, err := l.AccessContent("alice", id); err != nil {
		t.Fatalf("creator AccessContent: %v", err)
	}
	// No grant exists for the creator, so there is nothing to revoke.
	if _, err := l.RevokeAccess("alice", id, "alice"); !errors.Is(err, ErrNoAccess) {
		t.Fatalf("expected ErrNoAccess, got %v", err)
	}
	if !l.CheckAccess(id, "alice") {
		t.Fatal("creator access must be irrevocable")
	}
}

func TestRepurchaseAfterRevoke(t *testing.T) {
	l, _, _ := newTestLedger(t)
	id := mustCreate(t, l, "alice", "Report")
	first := mustPurchase(t, l, "bob", id, time.Hour)
	if _, err := l.RevokeAccess("alice", id, "bob"); err != nil {
		t.Fatalf("RevokeAccess: %v", err)
	}
	second := mustPurchase(t, l, "bob", id, time.Hour)
	if second.ID != first.ID+1 {
		t.Fatalf("expected fresh token id %d, got %d", first.ID+1, second.ID)
	}
	if !l.CheckAccess(id, "bob") {
		t.Fatal("re-purchase must restore access")
	}
	tokens := l.ListTokensByOwner("bob")
	if len(tokens) != 2 {
		t.Fatalf("both tokens should be indexed, got %v", tokens)
	}
}

func TestRepurchaseAfterExpiry(t *testing.T) {
	l, _, clk := newTestLedger(t)
	id := mustCreate(t, l, "alice", "Report")
	mustPurchase(t, l, "bob", id, time.Hour)
	clk.advance(2 * time.Hour)
	if l.CheckAccess(id, "bob") {
		t.Fatal("token should have lapsed")
	}
	mustPurchase(t, l, "bob", id, time.Hour)
	if !l.CheckAccess(id, "bob") {
		t.Fatal("re-purchase after expiry must restore access")
	}
}

func TestInvalidateTokenIdempotent(t *testing.T) {
	l, _, _ := newTestLedger(t)
	id := mustCreate(t, l, "alice", "Report")
	token := mustPurchase(t, l, "bob", id, time.Hour)
	if err := l.InvalidateToken(token.ID); err != nil {
		t.Fatalf("InvalidateToken: %v", err)
	}
	if err := l.InvalidateToken(token.ID); err != nil {
		t.Fatalf("second InvalidateToken should be a no-op, got %v", err)
	}
	if err := l.InvalidateToken(99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if l.CheckAccess(id, "bob") {
		t.Fatal("invalidated token must not grant access")
	}
}

func TestMonotonicIdentifiers(t *testing.T) {
	l, _, _ := newTestLedger(t)
	a := mustCreate(t, l, "alice", "One")
	b := mustCreate(t, l, "alice", "Two")
	if b != a+1 {
		t.Fatalf("content ids must increase: %d then %d", a, b)
	}
	t1 := mustPurchase(t, l, "bob", a, time.Hour)
	t2 := mustPurchase(t, l, "bob", b, time.Hour)
	if t2.ID != t1.ID+1 {
		t.Fatalf("token ids must increase: %d then %d", t1.ID, t2.ID)
	}
	if l.TotalContentCount() != 2 || l.TotalTokenCount() != 2 {
		t.Fatalf("counts wrong: %d contents, %d tokens", l.TotalContentCount(), l.TotalTokenCount())
	}
}

func TestDurationFromSeconds(t *testing.T) {
	tests := []struct {
		name    string
		sec     int64
		want    time.Duration
		wantErr bool
	}{
		{"hour", 3600, time.Hour, false},
		{"zero", 0, 0, true},
		{"negative", -5, 0, true},
		{"overflow", int64(1) << 62, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DurationFromSeconds(tt.sec)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Fatalf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DurationFromSeconds: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

type failGrantEnc struct {
	*seal.Engine
	failID string
}

func (f *failGrantEnc) GrantDecrypt(handleID string, p seal.PrincipalID) error {
	if handleID == f.failID {
		return errors.New("capability unavailable")
	}
	return f.Engine.GrantDecrypt(handleID, p)
}

func TestPurchaseIsAtomicOnCapabilityFailure(t *testing.T) {
	l, eng, _ := newTestLedger(t)
	id := mustCreate(t, l, "alice", "Report")
	item, _ := l.Content(id)

	// Fail the final capability call of the purchase, after the token key
	// grant succeeded.
	l.Enc = &failGrantEnc{Engine: eng, failID: item.Payload}
	_, _, err := l.PurchaseAccess("bob", id, time.Hour)
	if err == nil {
		t.Fatal("expected purchase to fail")
	}
	if l.TotalTokenCount() != 0 {
		t.Fatalf("no token may be minted on failure, count=%d", l.TotalTokenCount())
	}
	if l.CheckAccess(id, "bob") {
		t.Fatal("no access may be granted on failure")
	}
	if got := l.ListTokensByOwner("bob"); len(got) != 0 {
		t.Fatalf("owner index must stay clean, got %v", got)
	}

	// The next successful purchase still gets the first token id.
	l.Enc = eng
	token := mustPurchase(t, l, "bob", id, time.Hour)
	if token.ID != 1 {
		t.Fatalf("failed purchase must not consume a token id, got %d", token.ID)
	}
}

func TestAuditSequenceOrdering(t *testing.T) {
	l, _, _ := newTestLedger(t)
	id := mustCreate(t, l, "alice", "Report")
	mustPurchase(t, l, "bob", id, time.Hour)
	_, evs, err := l.AccessContent("bob", id)
	if err != nil {
		t.Fatalf("AccessContent: %v", err)
	}
	if evs[0].Seq != 3 {
		t.Fatalf("expected seq 3, got %d", evs[0].Seq)
	}
	ev := l.AppendDecryptionRequested("req-1", id, "bob")
	if ev.Seq != 4 {
		t.Fatalf("expected seq 4, got %d", ev.Seq)
	}
	done := l.AppendDecryptionCompleted("req-1", "complete")
	if done.Seq != 5 {
		t.Fatalf("expected seq 5, got %d", done.Seq)
	}
	if l.Seq() != 5 {
		t.Fatalf("ledger seq should be 5, got %d", l.Seq())
	}
}

func TestRestoreRebuildsState(t *testing.T) {
	l, eng, clk := newTestLedger(t)
	a := mustCreate(t, l, "alice", "One")
	b := mustCreate(t, l, "alice", "Two")
	mustPurchase(t, l, "bob", a, time.Hour)

	var contents []ContentItem
	for _, id := range []uint64{a, b} {
		item, _ := l.Content(id)
		contents = append(contents, item)
	}
	grant, _ := l.Grant(a, "bob")
	token, _ := l.Token(1)

	restored := New(eng, clk.Now)
	restored.Restore(contents, []AccessGrant{grant}, []AccessToken{token}, l.Seq())

	if restored.TotalContentCount() != 2 || restored.TotalTokenCount() != 1 {
		t.Fatalf("restore counts wrong: %d contents, %d tokens",
			restored.TotalContentCount(), restored.TotalTokenCount())
	}
	if !restored.CheckAccess(a, "bob") {
		t.Fatal("restored grant must still gate access")
	}
	if restored.CheckAccess(b, "bob") {
		t.Fatal("bob never purchased content two")
	}
	if got := restored.ListContentByOwner("alice"); len(got) != 2 {
		t.Fatalf("owner index not rebuilt: %v", got)
	}

	// Fresh ids continue after the restored maximum.
	next := mustCreate(t, restored, "alice", "Three")
	if next != b+1 {
		t.Fatalf("expected next content id %d, got %d", b+1, next)
	}
	nextToken := mustPurchase(t, restored, "carol", a, time.Hour)
	if nextToken.ID != 2 {
		t.Fatalf("expected next token id 2, got %d", nextToken.ID)
	}
	ev := restored.AppendDecryptionRequested("req-9", a, "carol")
	if ev.Seq <= l.Seq() {
		t.Fatalf("sequence must continue after restore, got %d", ev.Seq)
	}
}

func TestCheckAccessUnknownContent(t *testing.T) {
	l, _, _ := newTestLedger(t)
	if l.CheckAccess(12, "alice") {
		t.Fatal("unknown content must not grant access")
	}
}
