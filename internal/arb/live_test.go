package arb

import (
	"testing"
	"time"

	"arby/pkg/types"
)

func TestBoardPublish(t *testing.T) {
	t.Parallel()

	b := NewBoard()
	b.Publish(Comparison{
		Label:        "ETHBTC",
		Type:         types.RouteDirect,
		BuyExchange:  "kraken",
		SellExchange: "binance",
		Score:        d("0.0078"),
		UpdatedAt:    time.Now(),
	})

	snap := b.Snapshot()
	if len(snap.Comparisons) != 1 {
		t.Fatalf("Snapshot() has %d comparisons, want 1", len(snap.Comparisons))
	}
	// 0.0078 clears >0.4%, >0.5%, >0.75% but not >1%.
	want := [4]uint64{1, 1, 1, 0}
	if snap.Buckets != want {
		t.Errorf("Buckets = %v, want %v", snap.Buckets, want)
	}
	if !snap.Highest.Equal(d("0.0078")) {
		t.Errorf("Highest = %s, want 0.0078", snap.Highest)
	}
}

func TestBoardZeroScoreLeavesBuckets(t *testing.T) {
	t.Parallel()

	b := NewBoard()
	b.Publish(Comparison{Label: "XRPBTC", Type: types.RouteDirect})

	snap := b.Snapshot()
	if snap.Buckets != [4]uint64{} {
		t.Errorf("Buckets = %v, want all zero for a zero score", snap.Buckets)
	}
	if _, ok := snap.Comparisons["XRPBTC"]; !ok {
		t.Error("zero-score comparison should still be published")
	}
}

func TestBoardReplacesByLabel(t *testing.T) {
	t.Parallel()

	b := NewBoard()
	b.Publish(Comparison{Label: "ETHBTC", Score: d("0.02")})
	b.Publish(Comparison{Label: "ETHBTC", Score: d("0.001")})

	snap := b.Snapshot()
	if len(snap.Comparisons) != 1 {
		t.Fatalf("Snapshot() has %d comparisons, want 1", len(snap.Comparisons))
	}
	if !snap.Comparisons["ETHBTC"].Score.Equal(d("0.001")) {
		t.Error("latest publish should replace the stored comparison")
	}
	if !snap.Highest.Equal(d("0.02")) {
		t.Errorf("Highest = %s should keep the peak score", snap.Highest)
	}
}

func TestBoardSnapshotIsCopy(t *testing.T) {
	t.Parallel()

	b := NewBoard()
	b.Publish(Comparison{Label: "ETHBTC", Score: d("0.005")})

	snap := b.Snapshot()
	delete(snap.Comparisons, "ETHBTC")

	if len(b.Snapshot().Comparisons) != 1 {
		t.Error("mutating a snapshot must not affect the board")
	}
}
