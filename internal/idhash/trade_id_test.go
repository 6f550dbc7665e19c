package idhash

import (
	"testing"

	"krx-trend-lab/internal/domain"
)

func TestComputeTradeID(t *testing.T) {
	tests := []struct {
		name       string
		runID      string
		instrument string
		entry      string
		exit       string
	}{
		{"same day round trip", "run-1", "005930", "2024-01-02", "2024-01-02"},
		{"multi week hold", "run-1", "000660", "2024-01-02", "2024-02-15"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeTradeID(tt.runID, tt.instrument, domain.MustDate(tt.entry), domain.MustDate(tt.exit))
			if len(got) != 64 {
				t.Errorf("ComputeTradeID() length = %d, want 64", len(got))
			}
			got2 := ComputeTradeID(tt.runID, tt.instrument, domain.MustDate(tt.entry), domain.MustDate(tt.exit))
			if got != got2 {
				t.Errorf("ComputeTradeID() not deterministic: %s != %s", got, got2)
			}
		})
	}
}

func TestComputeTradeID_DifferentInputs(t *testing.T) {
	entry := domain.MustDate("2024-01-02")
	exit := domain.MustDate("2024-01-10")
	base := ComputeTradeID("run-1", "005930", entry, exit)

	variants := map[string]string{
		"run":        ComputeTradeID("run-2", "005930", entry, exit),
		"instrument": ComputeTradeID("run-1", "000660", entry, exit),
		"entry":      ComputeTradeID("run-1", "005930", entry.AddDate(0, 0, 1), exit),
		"exit":       ComputeTradeID("run-1", "005930", entry, exit.AddDate(0, 0, 1)),
	}
	for field, id := range variants {
		if id == base {
			t.Errorf("changing %s did not change the id", field)
		}
	}
}
