package strategy

import (
	"context"

	"github.com/spekrealism/tradebox/internal/market"
)

// Adapter scores one snapshot into one opinion. Score never returns an error;
// failures are carried inside the opinion so a slow or broken adapter cannot
// abort the round for its siblings.
type Adapter interface {
	Name() string
	Score(ctx context.Context, snap market.Snapshot) Opinion
	Healthy(ctx context.Context) bool
}
