package position

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fxsage/fxadvisor/internal/config"
	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/market"
	"github.com/fxsage/fxadvisor/internal/predictor"
)

// Store is the persistence surface lifecycle operations need.
type Store interface {
	InsertPosition(ctx context.Context, p *Position) error
	GetPosition(ctx context.Context, id uuid.UUID) (*Position, error)
	OpenPositionsByUser(ctx context.Context, userID uuid.UUID) ([]Position, error)
	ClosePosition(ctx context.Context, id uuid.UUID, closePrice float64, closedAt time.Time, result Result, pips, pnl, pct float64) error
	PartialClose(ctx context.Context, parent *Position, closed *Position, remainderSize float64) error
	UpdateStops(ctx context.Context, id uuid.UUID, stopLoss, takeProfit *float64) error
	HasTrailingHistory(ctx context.Context, id uuid.UUID) (bool, error)
}

// Service owns position lifecycle operations. The monitor evaluates
// positions; the service is the only writer users reach directly.
type Service struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{
		store: store,
		log:   config.NewLogger("position_service"),
		now:   time.Now,
	}
}

// Open records a new open position for monitoring. ID, opened time and
// status are assigned here; the caller provides everything else.
func (s *Service) Open(ctx context.Context, p *Position) error {
	const op = "position.Open"

	if p.Pair == "" {
		return errs.Errorf(op, errs.InvalidInput, "pair is required")
	}
	if _, err := market.ParseTimeframe(p.Timeframe.String()); err != nil {
		return errs.E(op, errs.InvalidInput, err)
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = s.now().UTC()
	}
	p.Status = StatusOpen

	if err := p.Validate(); err != nil {
		return errs.E(op, errs.InvalidInput, err)
	}
	if err := s.store.InsertPosition(ctx, p); err != nil {
		return errs.E(op, errs.KindOf(err), err)
	}

	s.log.Info().
		Str("position_id", p.ID.String()).
		Str("pair", p.Pair.String()).
		Str("direction", p.Direction.String()).
		Float64("entry", p.EntryPrice).
		Str("origin", p.Origin()).
		Msg("Position opened")
	return nil
}

// Get returns one position owned by the user.
func (s *Service) Get(ctx context.Context, userID, id uuid.UUID) (*Position, error) {
	const op = "position.Get"

	p, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, errs.E(op, errs.KindOf(err), err)
	}
	return p, nil
}

// ListOpen returns the user's open positions.
func (s *Service) ListOpen(ctx context.Context, userID uuid.UUID) ([]Position, error) {
	const op = "position.ListOpen"

	positions, err := s.store.OpenPositionsByUser(ctx, userID)
	if err != nil {
		return nil, errs.E(op, errs.KindOf(err), err)
	}
	return positions, nil
}

// AdjustStops rewrites the stop loss and/or take profit. Once the
// trailing rules have tightened a stop the user may tighten it further
// but never widen it back out.
func (s *Service) AdjustStops(ctx context.Context, userID, id uuid.UUID, stopLoss, takeProfit *float64) (*Position, error) {
	const op = "position.AdjustStops"

	if stopLoss == nil && takeProfit == nil {
		return nil, errs.Errorf(op, errs.InvalidInput, "nothing to adjust")
	}

	p, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, errs.E(op, errs.KindOf(err), err)
	}
	if p.Status != StatusOpen {
		return nil, errs.Errorf(op, errs.Conflict, "position %s is not open", id)
	}

	candidate := *p
	if stopLoss != nil {
		candidate.StopLoss = *stopLoss
	}
	if takeProfit != nil {
		candidate.TakeProfit = *takeProfit
	}
	if err := candidate.Validate(); err != nil {
		return nil, errs.E(op, errs.InvalidInput, err)
	}

	if stopLoss != nil && p.StopLoss > 0 && widensStop(p, *stopLoss) {
		trailed, err := s.store.HasTrailingHistory(ctx, id)
		if err != nil {
			return nil, errs.E(op, errs.KindOf(err), err)
		}
		if trailed {
			return nil, errs.Errorf(op, errs.Conflict,
				"stop loss on %s was tightened by trailing rules and cannot be widened", id)
		}
	}

	if err := s.store.UpdateStops(ctx, id, stopLoss, takeProfit); err != nil {
		return nil, errs.E(op, errs.KindOf(err), err)
	}

	p.StopLoss = candidate.StopLoss
	p.TakeProfit = candidate.TakeProfit
	s.log.Info().
		Str("position_id", id.String()).
		Float64("stop_loss", p.StopLoss).
		Float64("take_profit", p.TakeProfit).
		Msg("Stops adjusted")
	return p, nil
}

// Close realizes the whole position at the given price.
func (s *Service) Close(ctx context.Context, userID, id uuid.UUID, closePrice float64) (*Position, error) {
	const op = "position.Close"

	if closePrice <= 0 {
		return nil, errs.Errorf(op, errs.InvalidInput, "close price must be positive")
	}

	p, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, errs.E(op, errs.KindOf(err), err)
	}
	if p.Status != StatusOpen {
		return nil, errs.Errorf(op, errs.Conflict, "position %s is not open", id)
	}

	closedAt := s.now().UTC()
	pips := p.UnrealizedPips(closePrice)
	pct := p.UnrealizedPct(closePrice)
	pnl := pips * p.PipSize() * p.Size
	result := ClassifyResult(pips)

	if err := s.store.ClosePosition(ctx, id, closePrice, closedAt, result, pips, pnl, pct); err != nil {
		return nil, errs.E(op, errs.KindOf(err), err)
	}

	p.ClosePrice = &closePrice
	p.ClosedAt = &closedAt
	p.Status = StatusClosed
	p.Result = &result
	p.RealizedPips = &pips
	p.RealizedPnL = &pnl
	p.RealizedPct = &pct

	s.log.Info().
		Str("position_id", id.String()).
		Str("result", string(result)).
		Float64("pips", pips).
		Float64("pnl", pnl).
		Msg("Position closed")
	return p, nil
}

// PartialClose realizes a fraction of the position at the given price.
// The closed portion becomes a child row linked back through ParentID;
// the original keeps its id, entry, stops and open time with the
// remainder size.
func (s *Service) PartialClose(ctx context.Context, userID, id uuid.UUID, fraction, closePrice float64) (closed, remainder *Position, err error) {
	const op = "position.PartialClose"

	if fraction <= 0 || fraction >= 1 {
		return nil, nil, errs.Errorf(op, errs.InvalidInput, "fraction %.2f outside (0,1)", fraction)
	}
	if closePrice <= 0 {
		return nil, nil, errs.Errorf(op, errs.InvalidInput, "close price must be positive")
	}

	p, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, nil, errs.E(op, errs.KindOf(err), err)
	}
	if p.Status != StatusOpen {
		return nil, nil, errs.Errorf(op, errs.Conflict, "position %s is not open", id)
	}

	closedAt := s.now().UTC()
	closedSize := p.Size * fraction
	remainderSize := p.Size - closedSize

	pips := p.UnrealizedPips(closePrice)
	pct := p.UnrealizedPct(closePrice)
	pnl := pips * p.PipSize() * closedSize
	result := ClassifyResult(pips)

	child := &Position{
		ID:           uuid.New(),
		UserID:       p.UserID,
		SignalID:     p.SignalID,
		ParentID:     &p.ID,
		Pair:         p.Pair,
		Timeframe:    p.Timeframe,
		Direction:    p.Direction,
		EntryPrice:   p.EntryPrice,
		Size:         closedSize,
		StopLoss:     p.StopLoss,
		TakeProfit:   p.TakeProfit,
		ClosePrice:   &closePrice,
		OpenedAt:     p.OpenedAt,
		ClosedAt:     &closedAt,
		Status:       StatusClosed,
		Result:       &result,
		RealizedPips: &pips,
		RealizedPnL:  &pnl,
		RealizedPct:  &pct,
	}

	if err := s.store.PartialClose(ctx, p, child, remainderSize); err != nil {
		return nil, nil, errs.E(op, errs.KindOf(err), err)
	}
	p.Size = remainderSize

	s.log.Info().
		Str("position_id", id.String()).
		Str("closed_id", child.ID.String()).
		Float64("fraction", fraction).
		Float64("pips", pips).
		Msg("Position partially closed")
	return child, p, nil
}

func (s *Service) load(ctx context.Context, userID, id uuid.UUID) (*Position, error) {
	p, err := s.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	// A foreign position looks like a missing one to its non-owner.
	if p.UserID != userID {
		return nil, errs.Errorf("position.load", errs.NotFound, "position %s not found", id)
	}
	return p, nil
}

// widensStop reports whether candidate loosens the current stop.
func widensStop(p *Position, candidate float64) bool {
	if p.Direction == predictor.Short {
		return candidate > p.StopLoss
	}
	return candidate < p.StopLoss
}
