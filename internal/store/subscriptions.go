package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/subscription"
)

// pgUniqueViolation is the SQLSTATE for a unique constraint breach
const pgUniqueViolation = "23505"

// SubscriptionStore persists subscriptions and user policies
type SubscriptionStore struct {
	pool PoolIface
}

func NewSubscriptionStore(pool PoolIface) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

const insertSubscriptionSQL = `
	INSERT INTO subscriptions (id, user_id, discord_id, pair, timeframe, channel_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const countUserSubscriptionsSQL = `
	SELECT COUNT(*) FROM subscriptions WHERE user_id = $1
`

// InsertSubscription writes a subscription, holding a per-user
// advisory lock across the cap check so two concurrent creates cannot
// both pass it. A duplicate triplet or a subscription past the cap
// returns Conflict.
func (s *SubscriptionStore) InsertSubscription(ctx context.Context, sub *subscription.Subscription) error {
	const op = "store.InsertSubscription"
	defer observe("insert_subscription", time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sub.UserID.String()); err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to take user lock: %w", err))
	}

	var count int
	if err := tx.QueryRow(ctx, countUserSubscriptionsSQL, sub.UserID).Scan(&count); err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to count subscriptions: %w", err))
	}
	if count >= subscription.MaxPerUser {
		return errs.Errorf(op, errs.Conflict, "user %s already holds %d subscriptions", sub.UserID, count)
	}

	_, err = tx.Exec(ctx, insertSubscriptionSQL,
		sub.ID,
		sub.UserID,
		nullableString(sub.DiscordID),
		sub.Pair.String(),
		sub.Timeframe.String(),
		nullableString(sub.ChannelID),
		sub.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errs.Errorf(op, errs.Conflict, "duplicate subscription (%s, %s, %s)",
				sub.UserID, sub.Pair, sub.Timeframe)
		}
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to insert subscription: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to commit subscription: %w", err))
	}
	return nil
}

// DeleteSubscription removes one subscription owned by the user
func (s *SubscriptionStore) DeleteSubscription(ctx context.Context, userID, id uuid.UUID) error {
	const op = "store.DeleteSubscription"
	defer observe("delete_subscription", time.Now())

	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to delete subscription: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return errs.Errorf(op, errs.NotFound, "subscription %s not found for user %s", id, userID)
	}
	return nil
}

const subscriptionColumns = `id, user_id, discord_id, pair, timeframe, channel_id, created_at`

const subscriptionsByUserSQL = `
	SELECT ` + subscriptionColumns + `
	FROM subscriptions
	WHERE user_id = $1
	ORDER BY created_at ASC
`

// SubscriptionsByUser lists the user's subscriptions, oldest first
func (s *SubscriptionStore) SubscriptionsByUser(ctx context.Context, userID uuid.UUID) ([]subscription.Subscription, error) {
	const op = "store.SubscriptionsByUser"
	defer observe("subscriptions_by_user", time.Now())

	rows, err := s.pool.Query(ctx, subscriptionsByUserSQL, userID)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query subscriptions: %w", err))
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

const subscriptionsForKeySQL = `
	SELECT ` + subscriptionColumns + `
	FROM subscriptions
	WHERE pair = $1 AND timeframe = $2
	ORDER BY created_at ASC
`

// SubscriptionsForKey lists everyone watching (pair, timeframe). The
// delivery engine enumerates these per signal change.
func (s *SubscriptionStore) SubscriptionsForKey(ctx context.Context, pair market.Pair, tf market.Timeframe) ([]subscription.Subscription, error) {
	const op = "store.SubscriptionsForKey"
	defer observe("subscriptions_for_key", time.Now())

	rows, err := s.pool.Query(ctx, subscriptionsForKeySQL, pair.String(), tf.String())
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query subscriptions: %w", err))
	}
	defer rows.Close()

	return scanSubscriptions(rows)
}

const subscriptionKeysSQL = `
	SELECT DISTINCT pair, timeframe FROM subscriptions
`

// SubscriptionKeys returns the distinct (pair, timeframe) set
func (s *SubscriptionStore) SubscriptionKeys(ctx context.Context) ([]market.Key, error) {
	const op = "store.SubscriptionKeys"
	defer observe("subscription_keys", time.Now())

	rows, err := s.pool.Query(ctx, subscriptionKeysSQL)
	if err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to query subscription keys: %w", err))
	}
	defer rows.Close()

	var keys []market.Key
	for rows.Next() {
		var pairStr, tfStr string
		if err := rows.Scan(&pairStr, &tfStr); err != nil {
			return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to scan key: %w", err))
		}
		keys = append(keys, market.Key{Pair: market.Pair(pairStr), Timeframe: market.Timeframe(tfStr)})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("error iterating keys: %w", err))
	}
	return keys, nil
}

const getPolicySQL = `
	SELECT user_id, notifications_enabled, enabled_timeframes, preferred_pairs,
	       min_confidence, ml_only, daily_quota, cooldown_minutes, mute_windows, updated_at
	FROM user_policies
	WHERE user_id = $1
`

// GetPolicy loads one user's policy. NotFound means the user never
// stored one and callers apply defaults.
func (s *SubscriptionStore) GetPolicy(ctx context.Context, userID uuid.UUID) (*subscription.UserPolicy, error) {
	const op = "store.GetPolicy"
	defer observe("get_policy", time.Now())

	var policy subscription.UserPolicy
	var timeframes, pairs, windows []string
	err := s.pool.QueryRow(ctx, getPolicySQL, userID).Scan(
		&policy.UserID,
		&policy.NotificationsEnabled,
		&timeframes,
		&pairs,
		&policy.MinConfidence,
		&policy.MLOnly,
		&policy.DailyQuota,
		&policy.CooldownMinutes,
		&windows,
		&policy.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.Errorf(op, errs.NotFound, "no policy for user %s", userID)
		}
		return nil, errs.E(op, errs.Unavailable, fmt.Errorf("failed to get policy: %w", err))
	}

	for _, tf := range timeframes {
		policy.EnabledTimeframes = append(policy.EnabledTimeframes, market.Timeframe(tf))
	}
	for _, pair := range pairs {
		policy.PreferredPairs = append(policy.PreferredPairs, market.Pair(pair))
	}
	for _, w := range windows {
		policy.MuteWindows = append(policy.MuteWindows, subscription.MuteWindow(w))
	}
	return &policy, nil
}

const upsertPolicySQL = `
	INSERT INTO user_policies (
		user_id, notifications_enabled, enabled_timeframes, preferred_pairs,
		min_confidence, ml_only, daily_quota, cooldown_minutes, mute_windows, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (user_id) DO UPDATE SET
		notifications_enabled = EXCLUDED.notifications_enabled,
		enabled_timeframes = EXCLUDED.enabled_timeframes,
		preferred_pairs = EXCLUDED.preferred_pairs,
		min_confidence = EXCLUDED.min_confidence,
		ml_only = EXCLUDED.ml_only,
		daily_quota = EXCLUDED.daily_quota,
		cooldown_minutes = EXCLUDED.cooldown_minutes,
		mute_windows = EXCLUDED.mute_windows,
		updated_at = EXCLUDED.updated_at
`

// UpsertPolicy writes the full policy for a user
func (s *SubscriptionStore) UpsertPolicy(ctx context.Context, policy *subscription.UserPolicy) error {
	const op = "store.UpsertPolicy"
	defer observe("upsert_policy", time.Now())

	timeframes := make([]string, 0, len(policy.EnabledTimeframes))
	for _, tf := range policy.EnabledTimeframes {
		timeframes = append(timeframes, tf.String())
	}
	pairs := make([]string, 0, len(policy.PreferredPairs))
	for _, pair := range policy.PreferredPairs {
		pairs = append(pairs, pair.String())
	}
	windows := make([]string, 0, len(policy.MuteWindows))
	for _, w := range policy.MuteWindows {
		windows = append(windows, string(w))
	}

	_, err := s.pool.Exec(ctx, upsertPolicySQL,
		policy.UserID,
		policy.NotificationsEnabled,
		timeframes,
		pairs,
		policy.MinConfidence,
		policy.MLOnly,
		policy.DailyQuota,
		policy.CooldownMinutes,
		windows,
		policy.UpdatedAt,
	)
	if err != nil {
		return errs.E(op, errs.Unavailable, fmt.Errorf("failed to upsert policy: %w", err))
	}
	return nil
}

// scanSubscriptions drains a subscription result set
func scanSubscriptions(rows pgx.Rows) ([]subscription.Subscription, error) {
	var subs []subscription.Subscription
	for rows.Next() {
		var sub subscription.Subscription
		var pairStr, tfStr string
		var discordID, channelID *string
		err := rows.Scan(&sub.ID, &sub.UserID, &discordID, &pairStr, &tfStr, &channelID, &sub.CreatedAt)
		if err != nil {
			return nil, errs.E("store.scanSubscriptions", errs.Unavailable, fmt.Errorf("failed to scan subscription: %w", err))
		}
		sub.Pair = market.Pair(pairStr)
		sub.Timeframe = market.Timeframe(tfStr)
		if discordID != nil {
			sub.DiscordID = *discordID
		}
		if channelID != nil {
			sub.ChannelID = *channelID
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E("store.scanSubscriptions", errs.Unavailable, fmt.Errorf("error iterating subscriptions: %w", err))
	}
	return subs, nil
}

// nullableString maps "" to NULL
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
