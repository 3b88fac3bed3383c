package tg

import (
	"fmt"
	"strings"
	"time"

	"github.com/pvzzle/txmonitor/internal/monitor"
	"github.com/pvzzle/txmonitor/internal/storage"
	"github.com/pvzzle/txmonitor/internal/txstate"
)

func shortenID(id string) string {
	if len(id) <= 14 {
		return id
	}
	return id[:10] + "…" + id[len(id)-4:]
}

func labelIcon(label string) string {
	switch label {
	case "success":
		return "✅"
	case "failed":
		return "❌"
	default:
		return "⏳"
	}
}

// FormatSettlement is the toast text for a settled transaction.
func FormatSettlement(s monitor.Settlement) string {
	var sb strings.Builder
	switch {
	case s.Success:
		fmt.Fprintf(&sb, "✅ %s confirmed\n\n", kindTitle(s.Kind))
	case s.Status == txstate.StatusExpired:
		fmt.Fprintf(&sb, "⌛ %s expired\n\n", kindTitle(s.Kind))
	default:
		fmt.Fprintf(&sb, "❌ %s failed\n\n", kindTitle(s.Kind))
	}
	fmt.Fprintf(&sb, "Tx: %s\nStatus: %s", s.ID, s.Status)

	if s.ErrorMessage != "" {
		fmt.Fprintf(&sb, "\nError: %s", s.ErrorMessage)
	}
	if s.StorageCapacityExceeded() {
		sb.WriteString("\n\nThe account is out of storage. Top it up before sending more transactions.")
	}
	return sb.String()
}

func kindTitle(k txstate.Kind) string {
	switch k {
	case txstate.KindTransferCoin:
		return "Transfer"
	case txstate.KindNFT, txstate.KindTransferNFT, txstate.KindMoveNFT:
		return "NFT transaction"
	case txstate.KindAddToken:
		return "Token enable"
	case txstate.KindEnableNFT:
		return "Collection enable"
	case txstate.KindClaimDomain:
		return "Domain claim"
	case txstate.KindStakeFlow:
		return "Stake"
	case txstate.KindRevokeKey, txstate.KindAddPublicKey:
		return "Key update"
	default:
		return "Transaction"
	}
}

// FormatRecord describes one tracked transaction for /status.
func FormatRecord(rec txstate.Record, channel string) string {
	label := rec.StateLabel()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n\n", labelIcon(label), rec.ID)
	fmt.Fprintf(&sb, "Kind: %s\nStatus: %s\nExecution: %s\nProgress: %d%%\nState: %s",
		rec.Kind, rec.ChainStatus, rec.Outcome, int(rec.Progress()*100), label)
	if channel != "" && channel != "none" {
		fmt.Fprintf(&sb, "\nWatching via: %s", channel)
	}
	if rec.ErrorMessage != "" {
		fmt.Fprintf(&sb, "\nError: %s", rec.ErrorMessage)
	}
	if rec.UpdatedAt > 0 {
		fmt.Fprintf(&sb, "\nUpdated: %s", time.UnixMilli(rec.UpdatedAt).UTC().Format(time.RFC3339))
	}
	return sb.String()
}

func FormatPending(records []txstate.Record) string {
	if len(records) == 0 {
		return "Nothing in flight."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "⏳ In flight (%d)\n\n", len(records))
	for _, r := range records {
		fmt.Fprintf(&sb, "• %s %s %s\n", shortenID(r.ID), r.Kind, r.ChainStatus)
	}
	return sb.String()
}

func FormatHistory(items []storage.Outcome) string {
	var sb strings.Builder
	sb.WriteString("🕘 History (latest 10)\n\n")

	for _, it := range items {
		icon := "✅"
		if !it.Success {
			icon = "❌"
		}
		code := ""
		if it.ErrorCode != nil {
			code = fmt.Sprintf(" code %d", *it.ErrorCode)
		}
		fmt.Fprintf(&sb, "• %s (%s) %s%s\n  %s %s\n",
			shortenID(it.TxID), it.Kind, icon, code,
			it.Status, it.SettledAt.UTC().Format(time.RFC3339))
	}
	return sb.String()
}
