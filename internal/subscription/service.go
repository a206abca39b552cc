package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fxsage/fxadvisor/internal/config"
	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/market"
)

// defaultMinConfidence applies when a user has never set a policy
const defaultMinConfidence = 0.60

// Store is the persistence surface the service needs. Insert enforces
// the per-user cap and triplet uniqueness transactionally and returns
// Conflict when either would break.
type Store interface {
	InsertSubscription(ctx context.Context, sub *Subscription) error
	DeleteSubscription(ctx context.Context, userID, id uuid.UUID) error
	SubscriptionsByUser(ctx context.Context, userID uuid.UUID) ([]Subscription, error)
	SubscriptionsForKey(ctx context.Context, pair market.Pair, tf market.Timeframe) ([]Subscription, error)
	SubscriptionKeys(ctx context.Context) ([]market.Key, error)
	GetPolicy(ctx context.Context, userID uuid.UUID) (*UserPolicy, error)
	UpsertPolicy(ctx context.Context, policy *UserPolicy) error
}

// Service owns subscription CRUD and user policies
type Service struct {
	store Store
	cfg   config.DeliveryConfig
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(store Store, cfg config.DeliveryConfig) *Service {
	return &Service{
		store: store,
		cfg:   cfg,
		log:   config.NewLogger("subscription"),
		now:   time.Now,
	}
}

// Create registers a subscription. The store rejects a duplicate
// (user, pair, timeframe) and a sixth subscription with Conflict.
func (s *Service) Create(ctx context.Context, sub *Subscription) (*Subscription, error) {
	const op = "subscription.Create"

	if sub.UserID == uuid.Nil {
		return nil, errs.Errorf(op, errs.InvalidInput, "user id is required")
	}
	pair, err := market.NewPair(sub.Pair.String())
	if err != nil {
		return nil, errs.E(op, errs.InvalidInput, err)
	}
	tf, err := market.ParseTimeframe(sub.Timeframe.String())
	if err != nil {
		return nil, errs.E(op, errs.InvalidInput, err)
	}

	created := &Subscription{
		ID:        uuid.New(),
		UserID:    sub.UserID,
		DiscordID: sub.DiscordID,
		Pair:      pair,
		Timeframe: tf,
		ChannelID: sub.ChannelID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertSubscription(ctx, created); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("user_id", created.UserID.String()).
		Str("pair", pair.String()).
		Str("timeframe", tf.String()).
		Msg("Subscription created")
	return created, nil
}

// Delete removes one of the user's subscriptions
func (s *Service) Delete(ctx context.Context, userID, id uuid.UUID) error {
	const op = "subscription.Delete"

	if userID == uuid.Nil || id == uuid.Nil {
		return errs.Errorf(op, errs.InvalidInput, "user id and subscription id are required")
	}
	return s.store.DeleteSubscription(ctx, userID, id)
}

// List returns the user's subscriptions
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]Subscription, error) {
	return s.store.SubscriptionsByUser(ctx, userID)
}

// ActiveKeys returns the distinct (pair, timeframe) set across all
// subscriptions. The signal monitor enumerates these every tick.
func (s *Service) ActiveKeys(ctx context.Context) ([]market.Key, error) {
	return s.store.SubscriptionKeys(ctx)
}

// SubscriptionsForKey returns every subscription to one (pair,
// timeframe). The delivery engine fans a signal change out to these.
func (s *Service) SubscriptionsForKey(ctx context.Context, pair market.Pair, tf market.Timeframe) ([]Subscription, error) {
	return s.store.SubscriptionsForKey(ctx, pair, tf)
}

// Policy returns the user's policy, or the defaults when the user
// never stored one.
func (s *Service) Policy(ctx context.Context, userID uuid.UUID) (*UserPolicy, error) {
	policy, err := s.store.GetPolicy(ctx, userID)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return s.DefaultPolicy(userID), nil
		}
		return nil, err
	}
	return policy, nil
}

// SetPolicy validates and persists the full policy
func (s *Service) SetPolicy(ctx context.Context, policy *UserPolicy) (*UserPolicy, error) {
	const op = "subscription.SetPolicy"

	if policy.UserID == uuid.Nil {
		return nil, errs.Errorf(op, errs.InvalidInput, "user id is required")
	}
	if policy.MinConfidence < 0 || policy.MinConfidence > 1 {
		return nil, errs.Errorf(op, errs.InvalidInput, "min confidence %.2f outside [0, 1]", policy.MinConfidence)
	}
	if policy.DailyQuota < 0 {
		return nil, errs.Errorf(op, errs.InvalidInput, "daily quota must not be negative")
	}
	if policy.CooldownMinutes < 0 {
		return nil, errs.Errorf(op, errs.InvalidInput, "cooldown minutes must not be negative")
	}
	for i, tf := range policy.EnabledTimeframes {
		parsed, err := market.ParseTimeframe(tf.String())
		if err != nil {
			return nil, errs.E(op, errs.InvalidInput, err)
		}
		policy.EnabledTimeframes[i] = parsed
	}
	for i, pair := range policy.PreferredPairs {
		parsed, err := market.NewPair(pair.String())
		if err != nil {
			return nil, errs.E(op, errs.InvalidInput, err)
		}
		policy.PreferredPairs[i] = parsed
	}
	for i, w := range policy.MuteWindows {
		parsed, err := ParseMuteWindow(string(w))
		if err != nil {
			return nil, errs.E(op, errs.InvalidInput, err)
		}
		policy.MuteWindows[i] = parsed
	}
	if policy.DailyQuota == 0 {
		policy.DailyQuota = s.cfg.DefaultDailyQuota
	}
	if policy.CooldownMinutes == 0 {
		policy.CooldownMinutes = s.cfg.DefaultCooldownMinutes
	}
	policy.UpdatedAt = s.now().UTC()

	if err := s.store.UpsertPolicy(ctx, policy); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("user_id", policy.UserID.String()).
		Bool("enabled", policy.NotificationsEnabled).
		Float64("min_confidence", policy.MinConfidence).
		Msg("User policy updated")
	return policy, nil
}

// DefaultPolicy is what a user gets before storing a policy
func (s *Service) DefaultPolicy(userID uuid.UUID) *UserPolicy {
	return &UserPolicy{
		UserID:               userID,
		NotificationsEnabled: true,
		MinConfidence:        defaultMinConfidence,
		DailyQuota:           s.cfg.DefaultDailyQuota,
		CooldownMinutes:      s.cfg.DefaultCooldownMinutes,
	}
}
