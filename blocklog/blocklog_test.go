package blocklog

import (
	"testing"

	"github.com/tolchain/tolchain/core"
	"github.com/tolchain/tolchain/internal/testutil"
)

func testBlock(height int64) *core.SignedBlock {
	return &core.SignedBlock{
		ID:     core.BlockID("block-" + string(rune('0'+height))),
		Header: core.BlockHeader{Height: height, Timestamp: height * 3},
	}
}

func TestAppendThenGet(t *testing.T) {
	l := New(testutil.NewMemDB())
	b := testBlock(1)
	if err := l.Append(b); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := l.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != b.ID || got.Header.Height != 1 {
		t.Fatalf("unexpected block: %+v", got)
	}
}

func TestHeadTracksLatestAppend(t *testing.T) {
	l := New(testutil.NewMemDB())
	if _, ok := l.Head(); ok {
		t.Fatal("expected an empty log to report no head")
	}

	for h := int64(1); h <= 3; h++ {
		if err := l.Append(testBlock(h)); err != nil {
			t.Fatalf("Append(%d): %v", h, err)
		}
	}

	head, ok := l.Head()
	if !ok || head != 3 {
		t.Fatalf("expected head 3, got %d ok=%v", head, ok)
	}
}

func TestIterateReturnsAscendingOrder(t *testing.T) {
	l := New(testutil.NewMemDB())
	for _, h := range []int64{3, 1, 2} {
		if err := l.Append(testBlock(h)); err != nil {
			t.Fatalf("Append(%d): %v", h, err)
		}
	}

	var heights []int64
	if err := l.Iterate(func(b *core.SignedBlock) error {
		heights = append(heights, b.Header.Height)
		return nil
	}); err != nil {
		t.Fatalf("Iterate: %v", err)
	}

	want := []int64{1, 2, 3}
	if len(heights) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(heights))
	}
	for i := range want {
		if heights[i] != want[i] {
			t.Fatalf("unexpected order: %v", heights)
		}
	}
}

func TestGetMissingHeightReturnsError(t *testing.T) {
	l := New(testutil.NewMemDB())
	if _, err := l.Get(42); err == nil {
		t.Fatal("expected an error for a height never appended")
	}
}
