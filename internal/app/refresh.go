package app

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pvzzle/txmonitor/internal/metrics"
	"github.com/pvzzle/txmonitor/internal/monitor"
	"github.com/pvzzle/txmonitor/internal/txstate"
)

// refreshKinds change account state that clients cache: the token list,
// enabled NFT collections and staking positions.
var refreshKinds = []txstate.Kind{
	txstate.KindAddToken,
	txstate.KindEnableNFT,
	txstate.KindStakeFlow,
}

// refreshHooks announce a successful state-changing transaction so cached
// account views can be reloaded.
func refreshHooks(m *metrics.Metrics, log zerolog.Logger) []monitor.SettlementHook {
	log = log.With().Str("component", "refresh").Logger()

	hooks := make([]monitor.SettlementHook, 0, len(refreshKinds))
	for _, kind := range refreshKinds {
		hooks = append(hooks, monitor.OnKind(kind, true, monitor.SettlementHookFunc(
			func(_ context.Context, s monitor.Settlement) {
				m.AccountRefresh(s.Kind.String())
				log.Info().Str("tx_id", s.ID).Stringer("kind", s.Kind).Msg("account state changed, refresh requested")
			},
		)))
	}
	return hooks
}
