package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Texter sends one SMS. *sms.Client satisfies it.
type Texter interface {
	SendSMS(ctx context.Context, phone, message string) (string, error)
}

// PhoneLookup resolves the phone number of a user.
type PhoneLookup func(ctx context.Context, userID string) (string, error)

// SMS texts users about the events worth interrupting them for. Sending runs
// in the background so the emitting transition never waits on the provider.
type SMS struct {
	texter      Texter
	lookup      PhoneLookup
	frontendURL string
	log         *zap.Logger
}

func NewSMS(texter Texter, lookup PhoneLookup, frontendURL string, log *zap.Logger) *SMS {
	return &SMS{texter: texter, lookup: lookup, frontendURL: frontendURL, log: log.Named("sms_sink")}
}

func (s *SMS) Emit(ctx context.Context, e Event) {
	msg := s.message(e)
	if msg == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		phone, err := s.lookup(ctx, e.UserID)
		if err != nil || phone == "" {
			s.log.Debug("no phone for user", zap.String("user_id", e.UserID), zap.Error(err))
			return
		}
		if _, err := s.texter.SendSMS(ctx, phone, msg); err != nil {
			s.log.Warn("sms failed", zap.String("user_id", e.UserID), zap.String("type", e.Type), zap.Error(err))
		}
	}()
}

func (s *SMS) message(e Event) string {
	link := fmt.Sprintf("%s/matches/%s", s.frontendURL, e.MatchID)
	switch e.Type {
	case MatchFound:
		return fmt.Sprintf("Arena: match found! Stake %v. Details: %s", e.Payload["stake_amount"], link)
	case MatchStarted:
		return fmt.Sprintf("Arena: your match has started. %s", link)
	case MatchSettled:
		if won, _ := e.Payload["won"].(bool); won {
			return fmt.Sprintf("Arena: you won! %v credited. %s", e.Payload["net_payout"], link)
		}
		return ""
	case MatchRefunded:
		return fmt.Sprintf("Arena: match cancelled (%v). Your stake has been returned.", e.Payload["reason"])
	}
	return ""
}
