package idhash

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"krx-trend-lab/internal/domain"
)

// runNamespace scopes run identifiers so they never collide with other UUIDv5 users.
var runNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("krx-trend-lab/backtest-run"))

// ComputeRunID returns a deterministic UUIDv5 for a run definition.
// Formula: UUIDv5(strategy|start|end|universe|capital|risk|calendar|variant...)
// Universe order does not matter. Variant carries parameters outside
// BacktestRun (risk multiples, policy) so differently tuned runs get
// different identifiers.
func ComputeRunID(run domain.BacktestRun, variant ...string) string {
	universe := append([]string(nil), run.Universe...)
	sort.Strings(universe)

	data := fmt.Sprintf("%s|%s|%s|%s|%.2f|%.6f|%s|%s",
		run.StrategyID,
		domain.FormatDate(run.StartDate),
		domain.FormatDate(run.EndDate),
		strings.Join(universe, ","),
		run.InitialCapital,
		run.RiskPerTrade,
		run.Calendar,
		strings.Join(variant, "|"),
	)

	return uuid.NewSHA1(runNamespace, []byte(data)).String()
}
