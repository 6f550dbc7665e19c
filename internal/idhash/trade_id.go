package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"krx-trend-lab/internal/domain"
)

// ComputeTradeID computes a deterministic trade_id using SHA256.
// Formula: SHA256(run_id|instrument|entry_date|exit_date)
// Returns hex-encoded hash (64 characters).
func ComputeTradeID(runID, instrument string, entryDate, exitDate time.Time) string {
	data := fmt.Sprintf("%s|%s|%s|%s",
		runID,
		instrument,
		domain.FormatDate(entryDate),
		domain.FormatDate(exitDate),
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
