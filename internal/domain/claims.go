package domain

import (
	"context"
	"fmt"
)

// ClaimActivity computes the point value for an earn preset at the selected
// quantity and intensity, then applies it through the ordinary ledger path.
// The preset usage counters are bumped best-effort after the balance change;
// a counter failure never affects the applied delta.
func (l *Ledger) ClaimActivity(ctx context.Context, userID, presetID, quantity string, intensity Intensity) (*ApplyResult, error) {
	preset, err := l.catalog.GetActivity(ctx, presetID)
	if err != nil {
		return nil, fmt.Errorf("load activity preset: %w", err)
	}
	if preset == nil {
		return nil, ErrPresetNotFound
	}

	points, err := ComputePoints(*preset, quantity, intensity)
	if err != nil {
		return nil, err
	}

	result, err := l.ApplyDelta(ctx, userID, points, "Earned "+preset.Name)
	if err != nil {
		return nil, err
	}

	if err := l.catalog.RecordActivityUse(ctx, presetID, l.now().UTC()); err != nil {
		l.logger.Printf("usage counter update failed (activity=%s): %v", presetID, err)
	}
	return result, nil
}

// RedeemReward subtracts a redeem preset's flat point value from the balance.
func (l *Ledger) RedeemReward(ctx context.Context, userID, presetID string) (*ApplyResult, error) {
	preset, err := l.catalog.GetReward(ctx, presetID)
	if err != nil {
		return nil, fmt.Errorf("load reward preset: %w", err)
	}
	if preset == nil {
		return nil, ErrPresetNotFound
	}

	result, err := l.ApplyDelta(ctx, userID, -preset.PointValue, "Redeemed "+preset.Name)
	if err != nil {
		return nil, err
	}

	if err := l.catalog.RecordRewardUse(ctx, presetID, l.now().UTC()); err != nil {
		l.logger.Printf("usage counter update failed (reward=%s): %v", presetID, err)
	}
	return result, nil
}

// Activities lists the earn side of the catalog.
func (l *Ledger) Activities(ctx context.Context) ([]ActivityPreset, error) {
	return l.catalog.ListActivities(ctx)
}

// Rewards lists the redeem side of the catalog.
func (l *Ledger) Rewards(ctx context.Context) ([]RewardPreset, error) {
	return l.catalog.ListRewards(ctx)
}
