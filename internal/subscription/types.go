// Package subscription manages who watches which (pair, timeframe)
// and the per-user notification policy applied at delivery time.
package subscription

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fxsage/fxadvisor/internal/market"
)

// MaxPerUser caps how many subscriptions one user may hold
const MaxPerUser = 5

// Subscription binds a user to one (pair, timeframe). The triplet
// (UserID, Pair, Timeframe) is unique.
type Subscription struct {
	ID        uuid.UUID        `json:"id"`
	UserID    uuid.UUID        `json:"user_id"`
	DiscordID string           `json:"discord_id,omitempty"`
	Pair      market.Pair      `json:"pair"`
	Timeframe market.Timeframe `json:"timeframe"`
	ChannelID string           `json:"channel_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Key returns the (pair, timeframe) key this subscription watches
func (s *Subscription) Key() market.Key {
	return market.Key{Pair: s.Pair, Timeframe: s.Timeframe}
}

// UserPolicy shapes what a user receives. Empty EnabledTimeframes or
// PreferredPairs means no restriction on that axis.
type UserPolicy struct {
	UserID               uuid.UUID          `json:"user_id"`
	NotificationsEnabled bool               `json:"notifications_enabled"`
	EnabledTimeframes    []market.Timeframe `json:"enabled_timeframes,omitempty"`
	PreferredPairs       []market.Pair      `json:"preferred_pairs,omitempty"`
	MinConfidence        float64            `json:"min_confidence"`
	MLOnly               bool               `json:"ml_only"`
	DailyQuota           int                `json:"daily_quota"`
	CooldownMinutes      int                `json:"cooldown_minutes"`
	MuteWindows          []MuteWindow       `json:"mute_windows,omitempty"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// AllowsTimeframe reports whether tf passes the policy filter
func (p *UserPolicy) AllowsTimeframe(tf market.Timeframe) bool {
	if len(p.EnabledTimeframes) == 0 {
		return true
	}
	for _, allowed := range p.EnabledTimeframes {
		if allowed == tf {
			return true
		}
	}
	return false
}

// AllowsPair reports whether pair passes the policy filter
func (p *UserPolicy) AllowsPair(pair market.Pair) bool {
	if len(p.PreferredPairs) == 0 {
		return true
	}
	for _, preferred := range p.PreferredPairs {
		if preferred == pair {
			return true
		}
	}
	return false
}

// Muted reports whether t falls inside any of the policy's windows
func (p *UserPolicy) Muted(t time.Time) bool {
	for _, w := range p.MuteWindows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// MuteWindow is a daily quiet period in UTC, written "HH:MM-HH:MM".
// An end before the start wraps past midnight, so "22:00-06:00"
// covers the evening and the following early morning.
type MuteWindow string

// ParseMuteWindow validates the window format
func ParseMuteWindow(s string) (MuteWindow, error) {
	w := MuteWindow(strings.TrimSpace(s))
	if _, _, err := w.bounds(); err != nil {
		return "", err
	}
	return w, nil
}

func (w MuteWindow) bounds() (start, end int, err error) {
	parts := strings.SplitN(string(w), "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("mute window %q is not HH:MM-HH:MM", string(w))
	}
	start, err = parseClock(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("mute window %q: %w", string(w), err)
	}
	end, err = parseClock(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("mute window %q: %w", string(w), err)
	}
	if start == end {
		return 0, 0, fmt.Errorf("mute window %q is empty", string(w))
	}
	return start, end, nil
}

// parseClock converts "HH:MM" to minutes after midnight
func parseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return hh*60 + mm, nil
}

// Contains reports whether the UTC clock time of t falls inside the
// window. A malformed window never matches.
func (w MuteWindow) Contains(t time.Time) bool {
	start, end, err := w.bounds()
	if err != nil {
		return false
	}
	utc := t.UTC()
	minute := utc.Hour()*60 + utc.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	// Overnight wrap: [start, midnight) or [midnight, end).
	return minute >= start || minute < end
}
