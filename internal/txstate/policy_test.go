package txstate

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	allStatuses = []ChainStatus{StatusUnknown, StatusPending, StatusFinalized, StatusExecuted, StatusSealed, StatusExpired}
	allOutcomes = []ExecutionOutcome{OutcomeUnknown, OutcomePending, OutcomeSuccess, OutcomeFailure}
)

func TestPredicatesAreMutuallyExclusive(t *testing.T) {
	for _, st := range allStatuses {
		for _, oc := range allOutcomes {
			for _, msg := range []string{"", "  ", "script panic"} {
				r := Record{ID: "0x01", ChainStatus: st, Outcome: oc, ErrorMessage: msg}

				n := 0
				for _, b := range []bool{IsProcessing(r), IsSuccess(r), IsFailure(r)} {
					if b {
						n++
					}
				}
				assert.Equal(t, 1, n, "status=%s outcome=%s msg=%q", st, oc, msg)
			}
		}
	}
}

func TestIsSettled(t *testing.T) {
	tests := []struct {
		name    string
		status  ChainStatus
		outcome ExecutionOutcome
		want    bool
	}{
		{"pending", StatusPending, OutcomeUnknown, false},
		{"finalized with success", StatusFinalized, OutcomeSuccess, false},
		{"executed success", StatusExecuted, OutcomeSuccess, true},
		{"sealed failure", StatusSealed, OutcomeFailure, true},
		{"sealed without outcome", StatusSealed, OutcomePending, false},
		{"sealed unknown outcome", StatusSealed, OutcomeUnknown, false},
		{"expired", StatusExpired, OutcomeUnknown, true},
		{"expired pending", StatusExpired, OutcomePending, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := Record{ChainStatus: tc.status, Outcome: tc.outcome}
			assert.Equal(t, tc.want, IsSettled(r))
		})
	}
}

func TestSuccessAndFailure(t *testing.T) {
	ok := Record{ChainStatus: StatusSealed, Outcome: OutcomeSuccess}
	require.True(t, IsSuccess(ok))
	require.Equal(t, "success", ok.StateLabel())

	withErr := ok
	withErr.ErrorMessage = "[Error Code: 1101] cadence runtime error"
	require.False(t, IsSuccess(withErr))
	require.True(t, IsFailure(withErr))

	exp := Record{ChainStatus: StatusExpired, Outcome: OutcomeSuccess}
	require.True(t, IsFailure(exp))
	require.False(t, IsSuccess(exp))
	require.Equal(t, "failed", exp.StateLabel())

	pending := Record{ChainStatus: StatusPending}
	require.True(t, IsProcessing(pending))
	require.Equal(t, "pending", pending.StateLabel())
}

func TestMergeNeverRegressesStatus(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	now := time.Unix(1700000000, 0)

	for i := 0; i < 200; i++ {
		rec := Record{ID: "0xab"}
		prev := rec.ChainStatus
		for j := 0; j < 20; j++ {
			obs := Observation{
				Status:  allStatuses[r.Intn(len(allStatuses))],
				Outcome: allOutcomes[r.Intn(len(allOutcomes))],
			}
			rec.Merge(obs, now)

			if prev == StatusExpired {
				require.Equal(t, StatusExpired, rec.ChainStatus, "expired must be terminal")
			} else if rec.ChainStatus != StatusExpired {
				require.GreaterOrEqual(t, rec.ChainStatus, prev)
			}
			prev = rec.ChainStatus
		}
	}
}

func TestMergeNoopKeepsUpdatedAt(t *testing.T) {
	rec := Record{ID: "0xab", ChainStatus: StatusPending, UpdatedAt: 10}

	res := rec.Merge(Observation{Status: StatusPending}, time.UnixMilli(99))
	assert.False(t, res.Changed)
	assert.Equal(t, int64(10), rec.UpdatedAt)

	res = rec.Merge(Observation{Status: StatusFinalized}, time.UnixMilli(99))
	assert.True(t, res.Changed)
	assert.Equal(t, int64(99), rec.UpdatedAt)

	// a stale lower status is not a change
	res = rec.Merge(Observation{Status: StatusPending}, time.UnixMilli(120))
	assert.False(t, res.Changed)
	assert.Equal(t, StatusFinalized, rec.ChainStatus)
}

func TestMergeKeepsFirstResolvedOutcome(t *testing.T) {
	now := time.UnixMilli(5)
	rec := Record{ID: "0xab", ChainStatus: StatusExecuted, Outcome: OutcomeSuccess}

	res := rec.Merge(Observation{Status: StatusExecuted, Outcome: OutcomeFailure, ErrorMessage: "late"}, now)
	assert.False(t, res.Changed)
	assert.True(t, res.Conflict)
	assert.Equal(t, OutcomeSuccess, rec.Outcome)
	assert.Empty(t, rec.ErrorMessage)

	res = rec.Merge(Observation{Status: StatusSealed}, now)
	assert.True(t, res.Changed)
	assert.False(t, res.Conflict)
	assert.Equal(t, OutcomeSuccess, rec.Outcome)
}

func TestMergeExpiredFromAnyStatus(t *testing.T) {
	for _, st := range allStatuses[:5] {
		rec := Record{ChainStatus: st}
		res := rec.Merge(Observation{Status: StatusExpired, ErrorMessage: "timeout"}, time.Now())
		require.True(t, res.Changed)
		require.Equal(t, StatusExpired, rec.ChainStatus)
		require.Equal(t, "timeout", rec.ErrorMessage)
		require.True(t, IsSettled(rec))
	}
}

func TestRecordJSONLayout(t *testing.T) {
	rec := Record{
		ID:          "0xaa",
		SubmittedAt: 1,
		UpdatedAt:   2,
		ChainStatus: StatusSealed,
		Outcome:     OutcomeFailure,
		Kind:        KindTransferCoin,
		Payload:     `{"amount":"1.0"}`,
	}
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"Sealed"`)
	assert.Contains(t, string(b), `"execution":"Failure"`)
	assert.Contains(t, string(b), `"type":2`)

	var back Record
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, rec, back)
}

func TestParseErrorCode(t *testing.T) {
	code, ok := ParseErrorCode("[Error Code: 1103] The account with address (0x01) uses 100 bytes of storage")
	require.True(t, ok)
	assert.Equal(t, ErrCodeStorageCapacityExceeded, code)

	_, ok = ParseErrorCode("script panic")
	assert.False(t, ok)
}

func TestLastVisible(t *testing.T) {
	now := time.UnixMilli(100_000)
	records := []Record{
		{ID: "01", ChainStatus: StatusSealed, UpdatedAt: now.Add(-time.Minute).UnixMilli()},
		{ID: "02", ChainStatus: StatusSealed, UpdatedAt: now.Add(-2 * time.Second).UnixMilli()},
		{ID: "03", ChainStatus: StatusPending},
	}

	got, ok := LastVisible(records, now)
	require.True(t, ok)
	assert.Equal(t, "02", got.ID)

	_, ok = LastVisible(records[:1], now)
	assert.False(t, ok)
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("0xAA"))
	assert.NoError(t, ValidateID("ab12"))
	assert.ErrorIs(t, ValidateID(""), ErrInvalidID)
	assert.ErrorIs(t, ValidateID("0x"), ErrInvalidID)
	assert.ErrorIs(t, ValidateID("zz"), ErrInvalidID)
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("Transfer_Coin")
	require.True(t, ok)
	assert.Equal(t, KindTransferCoin, k)

	_, ok = ParseKind("teleport")
	assert.False(t, ok)
}
