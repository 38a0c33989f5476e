// Package consensus turns stat submissions and result reports into a single
// accepted winner. It never moves money: a decided outcome is handed to the
// settlement dispatcher.
package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/playmatatu/arena/internal/config"
	"github.com/playmatatu/arena/internal/metrics"
	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/notify"
	"github.com/playmatatu/arena/internal/settlement"
	"github.com/playmatatu/arena/internal/stats"
	"github.com/playmatatu/arena/internal/store"
)

var (
	ErrNotParticipant      = errors.New("not a participant of this match")
	ErrDuplicateReport     = errors.New("result already reported")
	ErrDuplicateSubmission = errors.New("stats already submitted")
	ErrMatchClosed         = errors.New("match is not accepting results")
	ErrWrongMode           = errors.New("match uses a different verification mode")
	ErrInvalidStats        = errors.New("invalid stats")
	ErrProviderUnavailable = errors.New("stat provider unavailable")
	ErrNoActivity          = errors.New("no provider activity since match start")
)

// accepting are the statuses in which results may be submitted.
var accepting = []models.MatchStatus{models.StatusInProgress, models.StatusReady}

type Thresholds struct {
	// Ratio of participants that must name the same winner.
	Ratio          float64
	SpecializedMin int
	GenericMin     int
}

func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		Ratio:          cfg.ConsensusRatio,
		SpecializedMin: cfg.SpecializedConfidenceMin,
		GenericMin:     cfg.GenericConfidenceMin,
	}
}

func (t Thresholds) minFor(s Scorer) int {
	if s.Specialized() {
		return t.SpecializedMin
	}
	return t.GenericMin
}

// ProofChecker confirms a proof reference points at a real upload.
type ProofChecker interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

// ActivityFetcher is the stat and identity provider.
type ActivityFetcher interface {
	FetchRecentActivity(ctx context.Context, identity string) ([]stats.ActivityRecord, error)
}

type Engine struct {
	store      store.Store
	dispatcher settlement.Dispatcher
	sink       notify.Sink
	thresholds Thresholds
	proof      ProofChecker
	provider   ActivityFetcher
	log        *zap.Logger
	now        func() time.Time
}

// New builds an engine. proof and provider may be nil.
func New(s store.Store, d settlement.Dispatcher, sink notify.Sink, th Thresholds, proof ProofChecker, provider ActivityFetcher, log *zap.Logger) *Engine {
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Engine{
		store:      s,
		dispatcher: d,
		sink:       sink,
		thresholds: th,
		proof:      proof,
		provider:   provider,
		log:        log.Named("consensus"),
		now:        time.Now,
	}
}

type StatsRequest struct {
	MatchID  string          `json:"-"`
	UserID   string          `json:"user_id" binding:"required"`
	Stats    json.RawMessage `json:"stats" binding:"required"`
	ProofRef string          `json:"proof_ref"`
}

// SubmissionResult reports what a submission did to the match.
type SubmissionResult struct {
	Submission models.StatSubmission `json:"submission"`
	Outcome    Outcome               `json:"outcome"`
	// Decided is set when every participant is verified and a single winner emerged.
	Decided  bool    `json:"decided"`
	WinnerID *string `json:"winner_id,omitempty"`
}

// SubmitStats records a participant's stat line and, in automated mode,
// completes the match once every participant is verified.
func (e *Engine) SubmitStats(ctx context.Context, req StatsRequest) (*SubmissionResult, error) {
	m, err := e.openMatch(ctx, req.MatchID, req.UserID)
	if err != nil {
		return nil, err
	}
	corroborated := e.corroborate(ctx, req.ProofRef)
	return e.submit(ctx, m, req.UserID, req.Stats, req.ProofRef, corroborated, "auto")
}

// ImportFromProvider pulls the participant's first provider activity after
// the match started and submits it. Provider data counts as corroborated.
func (e *Engine) ImportFromProvider(ctx context.Context, matchID, userID, identity string) (*SubmissionResult, error) {
	m, err := e.openMatch(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}
	if e.provider == nil {
		return nil, ErrProviderUnavailable
	}
	records, err := e.provider.FetchRecentActivity(ctx, identity)
	if err != nil {
		e.log.Warn("stat provider failed", zap.String("match_id", matchID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	var pick *stats.ActivityRecord
	for i := range records {
		r := &records[i]
		if r.PlayedAt.Before(m.StartTime) {
			continue
		}
		if r.GameID != "" && !strings.EqualFold(r.GameID, m.GameID) {
			continue
		}
		if pick == nil || r.PlayedAt.Before(pick.PlayedAt) {
			pick = r
		}
	}
	if pick == nil {
		return nil, ErrNoActivity
	}
	return e.submit(ctx, m, userID, pick.Stats, pick.ProofRef, true, "provider")
}

// openMatch loads a match accepting results and checks userID plays in it.
func (e *Engine) openMatch(ctx context.Context, matchID, userID string) (*models.Match, error) {
	var m *models.Match
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		m, err = tx.GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		parts, err := tx.ListParticipants(ctx, matchID)
		if err != nil {
			return err
		}
		if !hasParticipant(parts, userID) {
			return ErrNotParticipant
		}
		if !statusIn(m.Status, accepting) {
			return fmt.Errorf("%s: %w", m.Status, ErrMatchClosed)
		}
		return nil
	})
	return m, err
}

func (e *Engine) corroborate(ctx context.Context, ref string) bool {
	if ref == "" || e.proof == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ok, err := e.proof.Exists(ctx, ref)
	if err != nil {
		e.log.Warn("proof check failed", zap.String("proof_ref", ref), zap.Error(err))
		return false
	}
	return ok
}

func (e *Engine) submit(ctx context.Context, m *models.Match, userID string, raw json.RawMessage, proofRef string, corroborated bool, source string) (*SubmissionResult, error) {
	scorer := ScorerFor(m.GameID)
	a, err := scorer.Score(raw, corroborated)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStats, err)
	}

	now := e.now().UTC()
	sub := models.StatSubmission{
		MatchID:    m.ID,
		UserID:     userID,
		GameID:     m.GameID,
		RawStats:   raw,
		Confidence: a.Confidence,
		CreatedAt:  now,
	}
	if proofRef != "" {
		sub.ProofRef = models.StringPtr(proofRef)
	}
	if a.Confidence >= e.thresholds.minFor(scorer) {
		sub.Verified = true
		sub.VerifiedBy = source + ":" + scorer.Name()
	}

	res := &SubmissionResult{Outcome: a.Outcome}
	var mode models.VerificationMode
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetMatch(ctx, m.ID)
		if err != nil {
			return err
		}
		if !statusIn(cur.Status, accepting) {
			return fmt.Errorf("%s: %w", cur.Status, ErrMatchClosed)
		}
		mode = cur.VerificationMode
		if err := tx.InsertStatSubmission(ctx, &sub); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrDuplicateSubmission
			}
			return err
		}
		if err := tx.TouchMatch(ctx, m.ID, now); err != nil {
			return err
		}
		if mode == models.VerificationAutomated && sub.Verified {
			res.Decided, res.WinnerID, err = decideAutomated(ctx, tx, cur)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	res.Submission = sub

	metrics.Submissions.WithLabelValues(strconv.FormatBool(sub.Verified)).Inc()
	e.log.Info("stats submitted",
		zap.String("match_id", m.ID),
		zap.String("user_id", userID),
		zap.String("scorer", scorer.Name()),
		zap.Int("confidence", a.Confidence),
		zap.Bool("verified", sub.Verified),
	)

	if res.Decided {
		e.complete(ctx, m.ID, res.WinnerID, models.ReasonVerified, mode)
	}
	return res, nil
}

// VerifySubmission lets an operator vouch for a pending submission.
func (e *Engine) VerifySubmission(ctx context.Context, matchID, userID, operator string) (*SubmissionResult, error) {
	res := &SubmissionResult{}
	var mode models.VerificationMode
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMatch(ctx, matchID)
		if err != nil {
			return err
		}
		if !statusIn(m.Status, accepting) {
			return fmt.Errorf("%s: %w", m.Status, ErrMatchClosed)
		}
		mode = m.VerificationMode
		subs, err := tx.ListStatSubmissions(ctx, matchID)
		if err != nil {
			return err
		}
		var sub *models.StatSubmission
		for i := range subs {
			if subs[i].UserID == userID {
				sub = &subs[i]
			}
		}
		if sub == nil {
			return store.ErrNotFound
		}
		if err := tx.MarkSubmissionVerified(ctx, matchID, userID, "operator:"+operator, sub.Confidence); err != nil {
			return err
		}
		sub.Verified = true
		sub.VerifiedBy = "operator:" + operator
		res.Submission = *sub
		if err := tx.TouchMatch(ctx, matchID, e.now().UTC()); err != nil {
			return err
		}
		if mode == models.VerificationAutomated {
			res.Decided, res.WinnerID, err = decideAutomated(ctx, tx, m)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Decided {
		e.complete(ctx, matchID, res.WinnerID, models.ReasonVerified, mode)
	}
	return res, nil
}

// decideAutomated reports whether every participant holds a verified
// submission, and if so who posted the best metric. A tie yields no winner.
func decideAutomated(ctx context.Context, tx store.Tx, m *models.Match) (bool, *string, error) {
	parts, err := tx.ListParticipants(ctx, m.ID)
	if err != nil {
		return false, nil, err
	}
	subs, err := tx.ListStatSubmissions(ctx, m.ID)
	if err != nil {
		return false, nil, err
	}
	byUser := make(map[string]models.StatSubmission, len(subs))
	for _, s := range subs {
		byUser[s.UserID] = s
	}

	scorer := ScorerFor(m.GameID)
	best := math.Inf(-1)
	var winner *string
	tied := false
	for _, p := range parts {
		s, ok := byUser[p.UserID]
		if !ok || !s.Verified {
			return false, nil, nil
		}
		a, err := scorer.Score(s.RawStats, false)
		if err != nil {
			return false, nil, fmt.Errorf("rescore %s: %w", p.UserID, err)
		}
		switch {
		case a.Metric > best:
			best = a.Metric
			winner = models.StringPtr(p.UserID)
			tied = false
		case a.Metric == best:
			tied = true
		}
	}
	if tied {
		return true, nil, nil
	}
	return true, winner, nil
}

type ReportRequest struct {
	MatchID         string `json:"-"`
	ReporterID      string `json:"reporter_id" binding:"required"`
	ClaimedWinnerID string `json:"claimed_winner_id" binding:"required"`
}

type ReportResult struct {
	Reports  int     `json:"reports"`
	Needed   int     `json:"needed"`
	WinnerID *string `json:"winner_id,omitempty"`
}

// SubmitReport records a participant's claim of the winner of a human
// verified match and accepts the claim once it carries a majority.
func (e *Engine) SubmitReport(ctx context.Context, req ReportRequest) (*ReportResult, error) {
	now := e.now().UTC()
	res := &ReportResult{}
	var (
		parts    []models.Participant
		reported map[string]bool
	)
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMatch(ctx, req.MatchID)
		if err != nil {
			return err
		}
		parts, err = tx.ListParticipants(ctx, req.MatchID)
		if err != nil {
			return err
		}
		// outsiders learn nothing about the match state
		if !hasParticipant(parts, req.ReporterID) || !hasParticipant(parts, req.ClaimedWinnerID) {
			return ErrNotParticipant
		}
		if !statusIn(m.Status, accepting) {
			return fmt.Errorf("%s: %w", m.Status, ErrMatchClosed)
		}
		if m.VerificationMode != models.VerificationHuman {
			return ErrWrongMode
		}
		if err := tx.InsertResultReport(ctx, &models.ResultReport{
			MatchID:         req.MatchID,
			ReportedBy:      req.ReporterID,
			ClaimedWinnerID: req.ClaimedWinnerID,
			CreatedAt:       now,
		}); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrDuplicateReport
			}
			return err
		}
		if err := tx.TouchMatch(ctx, req.MatchID, now); err != nil {
			return err
		}
		reports, err := tx.ListResultReports(ctx, req.MatchID)
		if err != nil {
			return err
		}
		reported = make(map[string]bool, len(reports))
		for _, r := range reports {
			reported[r.ReportedBy] = true
		}
		res.Reports = len(reports)
		res.WinnerID, res.Needed = Tally(reports, len(parts), e.thresholds.Ratio)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("result reported",
		zap.String("match_id", req.MatchID),
		zap.String("reporter_id", req.ReporterID),
		zap.String("claimed_winner_id", req.ClaimedWinnerID),
		zap.Int("reports", res.Reports),
		zap.Int("needed", res.Needed),
	)

	if res.WinnerID != nil {
		e.complete(ctx, req.MatchID, res.WinnerID, models.ReasonConsensus, models.VerificationHuman)
		return res, nil
	}
	var waiting []string
	for _, p := range parts {
		if !reported[p.UserID] {
			waiting = append(waiting, p.UserID)
		}
	}
	notify.EmitAll(ctx, e.sink, notify.AwaitingReports, req.MatchID, waiting,
		map[string]any{"reports": res.Reports, "needed": res.Needed})
	return res, nil
}

// Tally finds the claimant named by at least ceil(n*ratio) reports and by
// strictly more reports than any other claimant. needed is that quorum.
func Tally(reports []models.ResultReport, n int, ratio float64) (winner *string, needed int) {
	needed = int(math.Ceil(float64(n)*ratio - 1e-9))
	if needed < 1 {
		needed = 1
	}
	counts := make(map[string]int)
	for _, r := range reports {
		counts[r.ClaimedWinnerID]++
	}

	lead, leadCount, runnerUp := "", 0, 0
	for id, c := range counts {
		switch {
		case c > leadCount:
			runnerUp = leadCount
			lead, leadCount = id, c
		case c > runnerUp:
			runnerUp = c
		}
	}
	if leadCount >= needed && leadCount > runnerUp {
		return models.StringPtr(lead), needed
	}
	return nil, needed
}

// complete hands a decided match to settlement. Dispatch errors are logged;
// the lifecycle sweep recovers a match whose settlement never started.
func (e *Engine) complete(ctx context.Context, matchID string, winnerID *string, reason string, mode models.VerificationMode) {
	if winnerID == nil {
		e.log.Warn("automated result tied, no winner", zap.String("match_id", matchID))
		return
	}
	metrics.ConsensusReached.WithLabelValues(string(mode)).Inc()
	e.log.Info("outcome accepted",
		zap.String("match_id", matchID),
		zap.String("winner_id", *winnerID),
		zap.String("mode", string(mode)),
	)
	if e.dispatcher == nil {
		return
	}
	err := e.dispatcher.Dispatch(ctx, settlement.Request{MatchID: matchID, WinnerID: winnerID, Reason: reason})
	if err != nil {
		e.log.Error("dispatch settlement failed", zap.String("match_id", matchID), zap.Error(err))
	}
}

func statusIn(s models.MatchStatus, set []models.MatchStatus) bool {
	for _, c := range set {
		if c == s {
			return true
		}
	}
	return false
}

func hasParticipant(parts []models.Participant, userID string) bool {
	for _, p := range parts {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
