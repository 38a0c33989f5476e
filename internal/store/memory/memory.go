// Package memory is an in-process Store. A unit of work runs against a private
// copy of the state which replaces the shared state only when fn succeeds.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/store"
)

type state struct {
	users        map[string]models.User
	queue        []models.QueueEntry
	matches      map[string]models.Match
	matchOrder   []string
	participants map[string][]models.Participant
	submissions  map[string][]models.StatSubmission
	reports      map[string][]models.ResultReport
	lobbies      []models.Lobby
	transactions []models.Transaction
	admins       map[string]models.AdminAccount
	audit        []models.AuditEntry
}

func newState() *state {
	return &state{
		users:        make(map[string]models.User),
		matches:      make(map[string]models.Match),
		participants: make(map[string][]models.Participant),
		submissions:  make(map[string][]models.StatSubmission),
		reports:      make(map[string][]models.ResultReport),
		admins:       make(map[string]models.AdminAccount),
	}
}

func (s *state) clone() *state {
	c := &state{
		users:        make(map[string]models.User, len(s.users)),
		queue:        append([]models.QueueEntry(nil), s.queue...),
		matches:      make(map[string]models.Match, len(s.matches)),
		matchOrder:   append([]string(nil), s.matchOrder...),
		participants: make(map[string][]models.Participant, len(s.participants)),
		submissions:  make(map[string][]models.StatSubmission, len(s.submissions)),
		reports:      make(map[string][]models.ResultReport, len(s.reports)),
		lobbies:      append([]models.Lobby(nil), s.lobbies...),
		transactions: append([]models.Transaction(nil), s.transactions...),
		admins:       make(map[string]models.AdminAccount, len(s.admins)),
		audit:        append([]models.AuditEntry(nil), s.audit...),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.matches {
		c.matches[k] = v
	}
	for k, v := range s.participants {
		c.participants[k] = append([]models.Participant(nil), v...)
	}
	for k, v := range s.submissions {
		c.submissions[k] = append([]models.StatSubmission(nil), v...)
	}
	for k, v := range s.reports {
		c.reports[k] = append([]models.ResultReport(nil), v...)
	}
	for k, v := range s.admins {
		c.admins[k] = v
	}
	return c
}

// Store is safe for concurrent use. Units of work are serialized.
type Store struct {
	mu    sync.Mutex
	state *state
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{state: newState()}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&tx{s: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) Close() error { return nil }

type tx struct {
	s *state
}

// Users

func (t *tx) GetUser(_ context.Context, id string) (*models.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (t *tx) GetUserForUpdate(ctx context.Context, id string) (*models.User, error) {
	return t.GetUser(ctx, id)
}

func (t *tx) UpsertUser(_ context.Context, u *models.User) error {
	if existing, ok := t.s.users[u.ID]; ok {
		existing.DisplayName = u.DisplayName
		existing.Phone = u.Phone
		existing.PayoutDestination = u.PayoutDestination
		existing.UpdatedAt = u.UpdatedAt
		t.s.users[u.ID] = existing
		return nil
	}
	t.s.users[u.ID] = *u
	return nil
}

func (t *tx) SetUserBalance(_ context.Context, id string, balance int64, now time.Time) error {
	u, ok := t.s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.BalanceCents = balance
	u.UpdatedAt = now
	t.s.users[id] = u
	return nil
}

func (t *tx) IncrementRecord(_ context.Context, id string, wins, losses int, now time.Time) error {
	u, ok := t.s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Wins += wins
	u.Losses += losses
	u.UpdatedAt = now
	t.s.users[id] = u
	return nil
}

// Ledger

func (t *tx) InsertTransaction(_ context.Context, tr *models.Transaction) error {
	t.s.transactions = append(t.s.transactions, *tr)
	return nil
}

func (t *tx) ListTransactions(_ context.Context, userID string) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, tr := range t.s.transactions {
		if tr.UserID == userID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (t *tx) ListMatchTransactions(_ context.Context, matchID string) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, tr := range t.s.transactions {
		if tr.RelatedMatchID != nil && *tr.RelatedMatchID == matchID {
			out = append(out, tr)
		}
	}
	return out, nil
}

// Queue

func (t *tx) InsertQueueEntry(_ context.Context, e *models.QueueEntry) error {
	for _, q := range t.s.queue {
		if q.ID == e.ID {
			return store.ErrDuplicate
		}
		if e.Status == models.QueueSearching && q.Status == models.QueueSearching &&
			q.UserID == e.UserID && q.GameID == e.GameID {
			return store.ErrDuplicate
		}
	}
	t.s.queue = append(t.s.queue, *e)
	return nil
}

func (t *tx) ExpireQueueEntries(_ context.Context, now time.Time) ([]models.QueueEntry, error) {
	var expired []models.QueueEntry
	for i := range t.s.queue {
		q := &t.s.queue[i]
		if q.Status == models.QueueSearching && !now.Before(q.ExpiresAt) {
			q.Status = models.QueueExpired
			expired = append(expired, *q)
		}
	}
	return expired, nil
}

func (t *tx) ListSearchingEntries(_ context.Context) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	for _, q := range t.s.queue {
		if q.Status == models.QueueSearching {
			out = append(out, q)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out, nil
}

func (t *tx) ClaimQueueEntry(_ context.Context, id, matchID string) error {
	for i := range t.s.queue {
		q := &t.s.queue[i]
		if q.ID != id {
			continue
		}
		if q.Status != models.QueueSearching {
			return store.ErrAlreadyClaimed
		}
		q.Status = models.QueueMatched
		q.MatchID = models.StringPtr(matchID)
		return nil
	}
	return store.ErrNotFound
}

func (t *tx) HasSearchingEntry(_ context.Context, userID, gameID string) (bool, error) {
	for _, q := range t.s.queue {
		if q.Status == models.QueueSearching && q.UserID == userID && q.GameID == gameID {
			return true, nil
		}
	}
	return false, nil
}

// Matches

func (t *tx) InsertMatch(_ context.Context, m *models.Match) error {
	if _, ok := t.s.matches[m.ID]; ok {
		return store.ErrDuplicate
	}
	if m.ParentID != nil {
		for _, id := range t.s.matchOrder {
			o := t.s.matches[id]
			if o.ParentID != nil && *o.ParentID == *m.ParentID && o.Round == m.Round && o.Slot == m.Slot {
				return store.ErrDuplicate
			}
		}
	}
	t.s.matches[m.ID] = *m
	t.s.matchOrder = append(t.s.matchOrder, m.ID)
	return nil
}

func (t *tx) GetMatch(_ context.Context, id string) (*models.Match, error) {
	m, ok := t.s.matches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (t *tx) GetMatchForUpdate(ctx context.Context, id string) (*models.Match, error) {
	return t.GetMatch(ctx, id)
}

func (t *tx) UpdateMatchStatus(_ context.Context, id string, from []models.MatchStatus, to models.MatchStatus, now time.Time) error {
	m, ok := t.s.matches[id]
	if !ok {
		return store.ErrNotFound
	}
	if !statusIn(m.Status, from) {
		return store.ErrStatusConflict
	}
	m.Status = to
	m.StatusChangedAt = now
	m.UpdatedAt = now
	t.s.matches[id] = m
	return nil
}

func (t *tx) SetMatchOutcome(_ context.Context, id string, winnerID *string, reason string, now time.Time) error {
	m, ok := t.s.matches[id]
	if !ok {
		return store.ErrNotFound
	}
	m.WinnerID = winnerID
	m.CompletionReason = models.StringPtr(reason)
	m.UpdatedAt = now
	t.s.matches[id] = m
	return nil
}

func (t *tx) TouchMatch(_ context.Context, id string, now time.Time) error {
	m, ok := t.s.matches[id]
	if !ok {
		return store.ErrNotFound
	}
	m.UpdatedAt = now
	t.s.matches[id] = m
	return nil
}

func (t *tx) SetMatchError(_ context.Context, id string, msg *string) error {
	m, ok := t.s.matches[id]
	if !ok {
		return store.ErrNotFound
	}
	m.LastError = msg
	t.s.matches[id] = m
	return nil
}

func (t *tx) BumpSettleAttempt(_ context.Context, id string, expected int, now time.Time) error {
	m, ok := t.s.matches[id]
	if !ok {
		return store.ErrNotFound
	}
	if m.Status != models.StatusSettling || m.SettleAttempt != expected {
		return store.ErrStatusConflict
	}
	m.SettleAttempt++
	m.StatusChangedAt = now
	m.UpdatedAt = now
	t.s.matches[id] = m
	return nil
}

func (t *tx) SetMatchLobby(_ context.Context, id, lobbyID string, now time.Time) error {
	m, ok := t.s.matches[id]
	if !ok {
		return store.ErrNotFound
	}
	m.LobbyID = models.StringPtr(lobbyID)
	m.UpdatedAt = now
	t.s.matches[id] = m
	return nil
}

func (t *tx) AddToPot(_ context.Context, id string, amount int64, now time.Time) error {
	m, ok := t.s.matches[id]
	if !ok {
		return store.ErrNotFound
	}
	m.TotalPot += amount
	m.UpdatedAt = now
	t.s.matches[id] = m
	return nil
}

func (t *tx) ListMatchesByStatus(_ context.Context, statuses ...models.MatchStatus) ([]models.Match, error) {
	var out []models.Match
	for _, id := range t.s.matchOrder {
		m := t.s.matches[id]
		if statusIn(m.Status, statuses) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *tx) ListSubMatches(_ context.Context, parentID string) ([]models.Match, error) {
	var out []models.Match
	for _, id := range t.s.matchOrder {
		m := t.s.matches[id]
		if m.ParentID != nil && *m.ParentID == parentID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].Slot < out[j].Slot
	})
	return out, nil
}

func (t *tx) CancelSubMatches(_ context.Context, parentID string, now time.Time) (int, error) {
	n := 0
	for _, id := range t.s.matchOrder {
		m := t.s.matches[id]
		if m.ParentID == nil || *m.ParentID != parentID || m.Status.Terminal() {
			continue
		}
		m.Status = models.StatusCancelled
		m.StatusChangedAt = now
		m.UpdatedAt = now
		t.s.matches[id] = m
		n++
	}
	return n, nil
}

func (t *tx) InsertParticipant(_ context.Context, p *models.Participant) error {
	for _, existing := range t.s.participants[p.MatchID] {
		if existing.UserID == p.UserID {
			return store.ErrDuplicate
		}
	}
	t.s.participants[p.MatchID] = append(t.s.participants[p.MatchID], *p)
	return nil
}

func (t *tx) ListParticipants(_ context.Context, matchID string) ([]models.Participant, error) {
	return append([]models.Participant(nil), t.s.participants[matchID]...), nil
}

func (t *tx) MarkJoined(_ context.Context, matchID, userID string, now time.Time) error {
	ps := t.s.participants[matchID]
	for i := range ps {
		if ps[i].UserID == userID {
			if ps[i].JoinedAt == nil {
				ts := now
				ps[i].JoinedAt = &ts
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (t *tx) InsertLobby(_ context.Context, l *models.Lobby) error {
	for _, existing := range t.s.lobbies {
		if existing.MatchID == l.MatchID {
			return store.ErrDuplicate
		}
	}
	t.s.lobbies = append(t.s.lobbies, *l)
	return nil
}

func (t *tx) GetLobbyByMatch(_ context.Context, matchID string) (*models.Lobby, error) {
	for _, l := range t.s.lobbies {
		if l.MatchID == matchID {
			return &l, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) CancelLobbies(_ context.Context, matchID string) (int, error) {
	return t.setLobbyStatus(matchID, models.LobbyCancelled), nil
}

func (t *tx) CloseLobbies(_ context.Context, matchID string) (int, error) {
	return t.setLobbyStatus(matchID, models.LobbyClosed), nil
}

func (t *tx) setLobbyStatus(matchID, to string) int {
	n := 0
	for i := range t.s.lobbies {
		if t.s.lobbies[i].MatchID == matchID && t.s.lobbies[i].Status == models.LobbyOpen {
			t.s.lobbies[i].Status = to
			n++
		}
	}
	return n
}

// Evidence

func (t *tx) InsertStatSubmission(_ context.Context, s *models.StatSubmission) error {
	for _, existing := range t.s.submissions[s.MatchID] {
		if existing.UserID == s.UserID {
			return store.ErrDuplicate
		}
	}
	t.s.submissions[s.MatchID] = append(t.s.submissions[s.MatchID], *s)
	return nil
}

func (t *tx) ListStatSubmissions(_ context.Context, matchID string) ([]models.StatSubmission, error) {
	return append([]models.StatSubmission(nil), t.s.submissions[matchID]...), nil
}

func (t *tx) MarkSubmissionVerified(_ context.Context, matchID, userID, verifiedBy string, confidence int) error {
	subs := t.s.submissions[matchID]
	for i := range subs {
		if subs[i].UserID == userID {
			subs[i].Verified = true
			subs[i].VerifiedBy = verifiedBy
			subs[i].Confidence = confidence
			return nil
		}
	}
	return store.ErrNotFound
}

func (t *tx) InsertResultReport(_ context.Context, r *models.ResultReport) error {
	for _, existing := range t.s.reports[r.MatchID] {
		if existing.ReportedBy == r.ReportedBy {
			return store.ErrDuplicate
		}
	}
	t.s.reports[r.MatchID] = append(t.s.reports[r.MatchID], *r)
	return nil
}

func (t *tx) ListResultReports(_ context.Context, matchID string) ([]models.ResultReport, error) {
	return append([]models.ResultReport(nil), t.s.reports[matchID]...), nil
}

// Admin

func (t *tx) GetAdminAccount(_ context.Context, username string) (*models.AdminAccount, error) {
	a, ok := t.s.admins[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (t *tx) UpsertAdminAccount(_ context.Context, a *models.AdminAccount) error {
	if existing, ok := t.s.admins[a.Username]; ok {
		a.CreatedAt = existing.CreatedAt
	}
	t.s.admins[a.Username] = *a
	return nil
}

func (t *tx) InsertAuditEntry(_ context.Context, e *models.AuditEntry) error {
	t.s.audit = append(t.s.audit, *e)
	return nil
}

func (t *tx) ListAuditEntries(_ context.Context, limit, offset int) ([]models.AuditEntry, error) {
	out := make([]models.AuditEntry, 0, limit)
	for i := len(t.s.audit) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.s.audit[i])
	}
	return out, nil
}

func statusIn(s models.MatchStatus, set []models.MatchStatus) bool {
	for _, c := range set {
		if c == s {
			return true
		}
	}
	return false
}
