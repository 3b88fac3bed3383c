package tg

import (
	"errors"
	"strconv"
	"strings"

	"github.com/pvzzle/txmonitor/internal/txstate"
)

var (
	ErrMissingTxID = errors.New("missing transaction id")
	ErrUnknownKind = errors.New("unknown transaction kind")
)

// ParseTrackArgs parses "<tx id> [kind]", with or without a leading
// command. The kind is a name ("transfer_coin") or a number.
func ParseTrackArgs(text string) (string, txstate.Kind, error) {
	fields := strings.Fields(text)
	if len(fields) > 0 && strings.HasPrefix(fields[0], "/") {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return "", txstate.KindDefault, ErrMissingTxID
	}

	id := fields[0]
	if err := txstate.ValidateID(id); err != nil {
		return "", txstate.KindDefault, err
	}
	if len(fields) == 1 {
		return id, txstate.KindDefault, nil
	}

	kind, err := ParseKindArg(fields[1])
	if err != nil {
		return "", txstate.KindDefault, err
	}
	return id, kind, nil
}

func ParseKindArg(s string) (txstate.Kind, error) {
	if k, ok := txstate.ParseKind(s); ok {
		return k, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= int(txstate.KindMoveNFT) {
		return txstate.Kind(n), nil
	}
	return txstate.KindDefault, ErrUnknownKind
}
