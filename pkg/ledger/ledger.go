// Package ledger is the access-control core: a single-writer state machine
// over content items, per-user grants, and time-bounded tokens. Operations
// validate first and mutate last, so any error leaves the state untouched.
// Callers serialize writes; the ledger itself carries no locking.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"time"

	"lockbox/pkg/events"
	"lockbox/pkg/seal"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrInactive       = errors.New("content inactive")
	ErrAlreadyGranted = errors.New("access already granted")
	ErrNoAccess       = errors.New("no access")
	ErrUnauthorized   = errors.New("unauthorized")
)

// ContentItem is a registered piece of content. Payload and Price reference
// ciphertext handles; the ledger never sees the raw values after creation.
type ContentItem struct {
	ID          uint64
	Creator     seal.PrincipalID
	Payload     string
	Price       string
	CreatedAt   time.Time
	Active      bool
	Title       string
	Description string
}

// AccessGrant records that a user purchased access to a content item. One
// record per (content, user) pair; it survives revocation as an audit trail
// and is re-pointed at a fresh token on re-purchase after a lapse.
type AccessGrant struct {
	ContentID uint64
	User      seal.PrincipalID
	TokenID   *uint64
	Active    bool
}

// AccessToken is a time-bounded capability backing a grant. Tokens are
// append-only; invalidation flips Valid, expiry is evaluated lazily at each
// check against the clock.
type AccessToken struct {
	ID        uint64
	ContentID uint64
	Owner     seal.PrincipalID
	ExpiresAt time.Time
	Valid     bool
	AccessKey string
}

// ContentInfo is the public view served by GetInfo.
type ContentInfo struct {
	ID          uint64           `json:"id"`
	Creator     seal.PrincipalID `json:"creator"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	CreatedAt   time.Time        `json:"created_at"`
	Active      bool             `json:"active"`
}

// TokenInfo is the public view served by GetTokenInfo.
type TokenInfo struct {
	ID        uint64           `json:"id"`
	ContentID uint64           `json:"content_id"`
	Owner     seal.PrincipalID `json:"owner"`
	ExpiresAt time.Time        `json:"expires_at"`
	Valid     bool             `json:"valid"`
}

type grantKey struct {
	content uint64
	user    seal.PrincipalID
}

// State holds the registry, grant ledger, token store, and owner indexes.
// Identifiers are assigned monotonically from 1 and never reused; nothing is
// ever physically deleted.
type State struct {
	nextContentID  uint64
	nextTokenID    uint64
	contents       map[uint64]*ContentItem
	grants         map[grantKey]*AccessGrant
	tokens         map[uint64]*AccessToken
	contentByOwner map[seal.PrincipalID][]uint64
	tokensByOwner  map[seal.PrincipalID][]uint64
	seq            uint64
}

// Empty returns an initialized zero state.
func Empty() *State {
	return &State{
		nextContentID:  1,
		nextTokenID:    1,
		contents:       map[uint64]*ContentItem{},
		grants:         map[grantKey]*AccessGrant{},
		tokens:         map[uint64]*AccessToken{},
		contentByOwner: map[seal.PrincipalID][]uint64{},
		tokensByOwner:  map[seal.PrincipalID][]uint64{},
	}
}

// Ledger applies operations against a State using an injected clock and the
// external encryption capability. All fallible capability calls happen
// before the first state mutation of an operation.
type Ledger struct {
	Enc   seal.Encryptor
	Now   func() time.Time
	state *State
}

func New(enc seal.Encryptor, now func() time.Time) *Ledger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{Enc: enc, Now: now, state: Empty()}
}

func (l *Ledger) now() time.Time { return l.Now().UTC() }

// DurationFromSeconds converts a requested access duration, rejecting
// non-positive values and values that overflow time.Duration.
func DurationFromSeconds(sec int64) (time.Duration, error) {
	if sec <= 0 {
		return 0, fmt.Errorf("duration must be positive: %w", ErrInvalidInput)
	}
	if sec > math.MaxInt64/int64(time.Second) {
		return 0, fmt.Errorf("duration overflows: %w", ErrInvalidInput)
	}
	return time.Duration(sec) * time.Second, nil
}

// CreateContent encrypts payload and price into fresh handles, grants the
// creator decrypt rights on both, and registers the item active.
func (l *Ledger) CreateContent(creator seal.PrincipalID, rawPayload, rawPrice []byte, title, description string) (uint64, []events.Event, error) {
	if creator == "" {
		return 0, nil, fmt.Errorf("creator required: %w", ErrInvalidInput)
	}
	if title == "" || description == "" {
		return 0, nil, fmt.Errorf("title and description required: %w", ErrInvalidInput)
	}

	payload, err := l.Enc.Encrypt(rawPayload)
	if err != nil {
		return 0, nil, fmt.Errorf("encrypt payload: %w", err)
	}
	price, err := l.Enc.Encrypt(rawPrice)
	if err != nil {
		return 0, nil, fmt.Errorf("encrypt price: %w", err)
	}
	if err := l.Enc.GrantDecrypt(payload.ID, creator); err != nil {
		return 0, nil, fmt.Errorf("grant payload decrypt: %w", err)
	}
	if err := l.Enc.GrantDecrypt(price.ID, creator); err != nil {
		return 0, nil, fmt.Errorf("grant price decrypt: %w", err)
	}

	s := l.state
	now := l.now()
	id := s.nextContentID
	s.nextContentID++
	s.contents[id] = &ContentItem{
		ID:          id,
		Creator:     creator,
		Payload:     payload.ID,
		Price:       price.ID,
		CreatedAt:   now,
		Active:      true,
		Title:       title,
		Description: description,
	}
	s.contentByOwner[creator] = append(s.contentByOwner[creator], id)
	s.seq++
	return id, []events.Event{events.ContentCreated(s.seq, now, id, string(creator), title)}, nil
}

// SetActive flips the lifecycle flag. Only the recorded creator may call it.
func (l *Ledger) SetActive(contentID uint64, caller seal.PrincipalID, active bool) error {
	item, ok := l.state.contents[contentID]
	if !ok {
		return fmt.Errorf("content %d: %w", contentID, ErrNotFound)
	}
	if item.Creator != caller {
		return fmt.Errorf("only the creator may change content %d: %w", contentID, ErrUnauthorized)
	}
	item.Active = active
	return nil
}

// GetInfo returns the public metadata of a content item.
func (l *Ledger) GetInfo(contentID uint64) (ContentInfo, error) {
	item, ok := l.state.contents[contentID]
	if !ok {
		return ContentInfo{}, fmt.Errorf("content %d: %w", contentID, ErrNotFound)
	}
	return ContentInfo{
		ID:          item.ID,
		Creator:     item.Creator,
		Title:       item.Title,
		Description: item.Description,
		CreatedAt:   item.CreatedAt,
		Active:      item.Active,
	}, nil
}

// PurchaseAccess mints a token, records (or reactivates) the buyer's grant,
// and extends the buyer's decrypt rights on the payload handle. The three
// updates commit together or not at all.
func (l *Ledger) PurchaseAccess(buyer seal.PrincipalID, contentID uint64, duration time.Duration) (AccessToken, []events.Event, error) {
	if buyer == "" {
		return AccessToken{}, nil, fmt.Errorf("buyer required: %w", ErrInvalidInput)
	}
	s := l.state
	item, ok := s.contents[contentID]
	if !ok {
		return AccessToken{}, nil, fmt.Errorf("content %d: %w", contentID, ErrNotFound)
	}
	if !item.Active {
		return AccessToken{}, nil, fmt.Errorf("content %d: %w", contentID, ErrInactive)
	}
	if duration <= 0 {
		return AccessToken{}, nil, fmt.Errorf("duration must be positive: %w", ErrInvalidInput)
	}
	now := l.now()
	expiresAt := now.Add(duration)
	if !expiresAt.After(now) {
		return AccessToken{}, nil, fmt.Errorf("expiry computation overflows: %w", ErrInvalidInput)
	}
	key := grantKey{content: contentID, user: buyer}
	grant := s.grants[key]
	if grant != nil && grant.Active && s.tokenActiveAt(grant.TokenID, now) {
		return AccessToken{}, nil, fmt.Errorf("content %d user %s: %w", contentID, buyer, ErrAlreadyGranted)
	}

	keyHandle, err := l.Enc.RandomCiphertext()
	if err != nil {
		return AccessToken{}, nil, fmt.Errorf("mint access key: %w", err)
	}
	if err := l.Enc.GrantDecrypt(keyHandle.ID, buyer); err != nil {
		return AccessToken{}, nil, fmt.Errorf("grant access key decrypt: %w", err)
	}
	if err := l.Enc.GrantDecrypt(item.Payload, buyer); err != nil {
		return AccessToken{}, nil, fmt.Errorf("grant payload decrypt: %w", err)
	}

	tokenID := s.nextTokenID
	s.nextTokenID++
	token := &AccessToken{
		ID:        tokenID,
		ContentID: contentID,
		Owner:     buyer,
		ExpiresAt: expiresAt,
		Valid:     true,
		AccessKey: keyHandle.ID,
	}
	s.tokens[tokenID] = token
	s.tokensByOwner[buyer] = append(s.tokensByOwner[buyer], tokenID)
	if grant == nil {
		grant = &AccessGrant{ContentID: contentID, User: buyer}
		s.grants[key] = grant
	}
	grant.TokenID = &tokenID
	grant.Active = true
	s.seq++
	ev := events.AccessPurchased(s.seq, now, contentID, string(buyer), tokenID, expiresAt)
	return *token, []events.Event{ev}, nil
}

// RevokeAccess deactivates a user's grant and invalidates its token. Only
// the content creator may revoke. The decrypt permission already extended on
// the payload handle is not retracted; access is gated by token validity.
func (l *Ledger) RevokeAccess(caller seal.PrincipalID, contentID uint64, user seal.PrincipalID) ([]events.Event, error) {
	s := l.state
	item, ok := s.contents[contentID]
	if !ok {
		return nil, fmt.Errorf("content %d: %w", contentID, ErrNotFound)
	}
	if item.Creator != caller {
		return nil, fmt.Errorf("only the creator may revoke on content %d: %w", contentID, ErrUnauthorized)
	}
	grant := s.grants[grantKey{content: contentID, user: user}]
	if grant == nil || !grant.Active {
		return nil, fmt.Errorf("content %d user %s holds no active grant: %w", contentID, user, ErrNoAccess)
	}
	grant.Active = false
	if grant.TokenID != nil {
		if token := s.tokens[*grant.TokenID]; token != nil {
			token.Valid = false
		}
	}
	now := l.now()
	s.seq++
	return []events.Event{events.AccessRevoked(s.seq, now, contentID, string(user))}, nil
}

// CheckAccess is the canonical access gate: true for the creator, otherwise
// true iff an active grant exists whose token is valid and unexpired. The
// expiry comparison is strict; a token expiring exactly now is expired.
func (l *Ledger) CheckAccess(contentID uint64, user seal.PrincipalID) bool {
	return l.state.checkAccessAt(contentID, user, l.now())
}

func (s *State) checkAccessAt(contentID uint64, user seal.PrincipalID, now time.Time) bool {
	item, ok := s.contents[contentID]
	if !ok {
		return false
	}
	if user != "" && item.Creator == user {
		return true
	}
	grant := s.grants[grantKey{content: contentID, user: user}]
	if grant == nil || !grant.Active {
		return false
	}
	return s.tokenActiveAt(grant.TokenID, now)
}

func (s *State) tokenActiveAt(tokenID *uint64, now time.Time) bool {
	if tokenID == nil {
		return false
	}
	token := s.tokens[*tokenID]
	return token != nil && token.Valid && token.ExpiresAt.After(now)
}

// AccessContent returns the payload handle to an authorized caller and
// records the access in the audit stream. Inactive content is refused to
// everyone, the creator included.
func (l *Ledger) AccessContent(caller seal.PrincipalID, contentID uint64) (seal.Handle, []events.Event, error) {
	s := l.state
	item, ok := s.contents[contentID]
	if !ok {
		return seal.Handle{}, nil, fmt.Errorf("content %d: %w", contentID, ErrNotFound)
	}
	if !item.Active {
		return seal.Handle{}, nil, fmt.Errorf("content %d: %w", contentID, ErrInactive)
	}
	now := l.now()
	if !s.checkAccessAt(contentID, caller, now) {
		return seal.Handle{}, nil, fmt.Errorf("content %d user %s: %w", contentID, caller, ErrNoAccess)
	}
	handle, err := l.Enc.Info(item.Payload)
	if err != nil {
		return seal.Handle{}, nil, fmt.Errorf("resolve payload handle: %w", err)
	}
	s.seq++
	return handle, []events.Event{events.ContentAccessed(s.seq, now, contentID, string(caller))}, nil
}

// InvalidateToken flips a token invalid. Idempotent: invalidating an already
// invalid token is a no-op.
func (l *Ledger) InvalidateToken(tokenID uint64) error {
	token, ok := l.state.tokens[tokenID]
	if !ok {
		return fmt.Errorf("token %d: %w", tokenID, ErrNotFound)
	}
	token.Valid = false
	return nil
}

// ListContentByOwner returns content ids created by the principal, in
// creation order.
func (l *Ledger) ListContentByOwner(p seal.PrincipalID) []uint64 {
	return append([]uint64(nil), l.state.contentByOwner[p]...)
}

// ListTokensByOwner returns token ids minted for the principal, in mint
// order.
func (l *Ledger) ListTokensByOwner(p seal.PrincipalID) []uint64 {
	return append([]uint64(nil), l.state.tokensByOwner[p]...)
}

// GetTokenInfo returns the public view of a token.
func (l *Ledger) GetTokenInfo(tokenID uint64) (TokenInfo, error) {
	token, ok := l.state.tokens[tokenID]
	if !ok {
		return TokenInfo{}, fmt.Errorf("token %d: %w", tokenID, ErrNotFound)
	}
	return TokenInfo{
		ID:        token.ID,
		ContentID: token.ContentID,
		Owner:     token.Owner,
		ExpiresAt: token.ExpiresAt,
		Valid:     token.Valid,
	}, nil
}

func (l *Ledger) TotalContentCount() uint64 { return uint64(len(l.state.contents)) }

func (l *Ledger) TotalTokenCount() uint64 { return uint64(len(l.state.tokens)) }

// ActiveGrantCount reports grants currently marked active, for gauges.
func (l *Ledger) ActiveGrantCount() int {
	n := 0
	for _, g := range l.state.grants {
		if g.Active {
			n++
		}
	}
	return n
}

// Seq returns the last assigned audit sequence number.
func (l *Ledger) Seq() uint64 { return l.state.seq }

// AppendDecryptionRequested assigns the next audit sequence to a decryption
// request. Decryption is not a ledger transition but shares stream ordering.
func (l *Ledger) AppendDecryptionRequested(requestID string, contentID uint64, principal seal.PrincipalID) events.Event {
	l.state.seq++
	return events.DecryptionRequested(l.state.seq, l.now(), requestID, contentID, string(principal))
}

// AppendDecryptionCompleted assigns the next audit sequence to a decryption
// completion.
func (l *Ledger) AppendDecryptionCompleted(requestID, status string) events.Event {
	l.state.seq++
	return events.DecryptionCompleted(l.state.seq, l.now(), requestID, status)
}

// Content returns a copy of a content item, for persistence.
func (l *Ledger) Content(contentID uint64) (ContentItem, bool) {
	item, ok := l.state.contents[contentID]
	if !ok {
		return ContentItem{}, false
	}
	return *item, true
}

// Grant returns a copy of a grant record, for persistence.
func (l *Ledger) Grant(contentID uint64, user seal.PrincipalID) (AccessGrant, bool) {
	grant, ok := l.state.grants[grantKey{content: contentID, user: user}]
	if !ok {
		return AccessGrant{}, false
	}
	out := *grant
	if grant.TokenID != nil {
		id := *grant.TokenID
		out.TokenID = &id
	}
	return out, true
}

// Token returns a copy of a token, for persistence.
func (l *Ledger) Token(tokenID uint64) (AccessToken, bool) {
	token, ok := l.state.tokens[tokenID]
	if !ok {
		return AccessToken{}, false
	}
	return *token, true
}

// Restore rebuilds the state from persisted rows at warmup. Slices must be
// ordered by id; seq is the highest audit sequence already written.
func (l *Ledger) Restore(contents []ContentItem, grants []AccessGrant, tokens []AccessToken, seq uint64) {
	s := Empty()
	for i := range contents {
		item := contents[i]
		s.contents[item.ID] = &item
		s.contentByOwner[item.Creator] = append(s.contentByOwner[item.Creator], item.ID)
		if item.ID >= s.nextContentID {
			s.nextContentID = item.ID + 1
		}
	}
	for i := range tokens {
		token := tokens[i]
		s.tokens[token.ID] = &token
		s.tokensByOwner[token.Owner] = append(s.tokensByOwner[token.Owner], token.ID)
		if token.ID >= s.nextTokenID {
			s.nextTokenID = token.ID + 1
		}
	}
	for i := range grants {
		grant := grants[i]
		s.grants[grantKey{content: grant.ContentID, user: grant.User}] = &grant
	}
	s.seq = seq
	l.state = s
}
