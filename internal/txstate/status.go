package txstate

import (
	"fmt"
	"strings"
)

// ChainStatus is the network's progress of a transaction toward finality.
// Values up to StatusSealed are ordered; StatusExpired is terminal and sits
// outside that order.
type ChainStatus int

const (
	StatusUnknown ChainStatus = iota
	StatusPending
	StatusFinalized
	StatusExecuted
	StatusSealed
	StatusExpired
)

var chainStatusNames = [...]string{"Unknown", "Pending", "Finalized", "Executed", "Sealed", "Expired"}

func (s ChainStatus) String() string {
	if s < 0 || int(s) >= len(chainStatusNames) {
		return fmt.Sprintf("ChainStatus(%d)", int(s))
	}
	return chainStatusNames[s]
}

// ParseChainStatus accepts the status names used by access node APIs
// ("Sealed", "SEALED", "sealed"). Unrecognised names map to StatusUnknown.
func ParseChainStatus(name string) ChainStatus {
	name = strings.TrimSpace(name)
	for i, n := range chainStatusNames {
		if strings.EqualFold(n, name) {
			return ChainStatus(i)
		}
	}
	return StatusUnknown
}

func (s ChainStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ChainStatus) UnmarshalText(b []byte) error {
	*s = ParseChainStatus(string(b))
	return nil
}

// ExecutionOutcome is whether the transaction's on-chain logic succeeded.
// OutcomeUnknown stands for "not reported yet".
type ExecutionOutcome int

const (
	OutcomeUnknown ExecutionOutcome = iota
	OutcomePending
	OutcomeSuccess
	OutcomeFailure
)

var outcomeNames = [...]string{"", "Pending", "Success", "Failure"}

func (o ExecutionOutcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("ExecutionOutcome(%d)", int(o))
	}
	if o == OutcomeUnknown {
		return "Unknown"
	}
	return outcomeNames[o]
}

// Resolved reports whether the outcome is final (success or failure).
func (o ExecutionOutcome) Resolved() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

func ParseExecutionOutcome(name string) ExecutionOutcome {
	name = strings.TrimSpace(name)
	if name == "" {
		return OutcomeUnknown
	}
	for i, n := range outcomeNames {
		if i > 0 && strings.EqualFold(n, name) {
			return ExecutionOutcome(i)
		}
	}
	return OutcomeUnknown
}

func (o ExecutionOutcome) MarshalText() ([]byte, error) {
	if o < 0 || int(o) >= len(outcomeNames) {
		return nil, fmt.Errorf("invalid execution outcome %d", int(o))
	}
	return []byte(outcomeNames[o]), nil
}

func (o *ExecutionOutcome) UnmarshalText(b []byte) error {
	*o = ParseExecutionOutcome(string(b))
	return nil
}

// Kind tags what a transaction does for the application. Monitoring never
// looks at it; observers and settlement hooks do.
type Kind int

const (
	KindDefault Kind = iota
	KindNFT
	KindTransferCoin
	KindAddToken
	KindEnableNFT
	KindTransferNFT
	KindFCLTransaction
	KindClaimDomain
	KindStakeFlow
	KindRevokeKey
	KindAddPublicKey
	KindMoveNFT
)

var kindNames = [...]string{
	"default", "nft", "transfer_coin", "add_token", "enable_nft", "transfer_nft",
	"fcl_transaction", "claim_domain", "stake_flow", "revoke_key", "add_public_key", "move_nft",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind_%d", int(k))
	}
	return kindNames[k]
}

// ParseKind resolves a kind name; unknown names yield KindDefault and false.
func ParseKind(name string) (Kind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range kindNames {
		if n == name {
			return Kind(i), true
		}
	}
	return KindDefault, false
}
