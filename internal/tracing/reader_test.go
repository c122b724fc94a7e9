package tracing

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestGroupStages(t *testing.T) {
	spans := []SpanState{
		{ID: "master", Kind: KindMaster},
		{ID: "ig", ParentID: "master", Kind: KindPlatform, Platform: "instagram"},
		{ID: "ig-validate", ParentID: "ig", Kind: KindStep},
		{ID: "yt", ParentID: "master", Kind: KindPlatform, Platform: "youtube"},
		{ID: "ig-upload", ParentID: "ig", Kind: KindStep},
		{ID: "ig-upload-chunk", ParentID: "ig-upload", Kind: KindStep},
		{ID: "yt-upload", ParentID: "yt", Kind: KindStep},
	}

	roots, stages := groupStages(spans)
	if len(roots) != 1 || roots[0].ID != "master" {
		t.Fatalf("roots = %+v", roots)
	}

	got := map[string][]string{}
	var order []string
	for _, st := range stages {
		order = append(order, st.ID)
		got[st.ID] = []string{}
		for _, step := range st.Steps {
			got[st.ID] = append(got[st.ID], step.ID)
		}
	}
	if !reflect.DeepEqual(order, []string{"ig", "yt"}) {
		t.Errorf("stage order = %v", order)
	}
	want := map[string][]string{
		"ig": {"ig-validate", "ig-upload", "ig-upload-chunk"},
		"yt": {"yt-upload"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("steps = %v, want %v", got, want)
	}
}

func TestGroupStagesEmpty(t *testing.T) {
	roots, stages := groupStages(nil)
	if roots == nil || stages == nil || len(roots) != 0 || len(stages) != 0 {
		t.Errorf("roots = %#v stages = %#v, want empty non-nil slices", roots, stages)
	}
}

func TestEventCursor(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.UTC)
	c, err := decodeCursor(encodeCursor(eventCursor{TS: ts, ID: "evt_9"}))
	if err != nil {
		t.Fatal(err)
	}
	if !c.TS.Equal(ts) || c.ID != "evt_9" {
		t.Errorf("cursor = %+v", c)
	}

	if c, err := decodeCursor(""); c != nil || err != nil {
		t.Errorf("empty cursor = %v, %v", c, err)
	}
	for _, bad := range []string{"!!!", "bm90IGpzb24", "e30"} {
		if _, err := decodeCursor(bad); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("decodeCursor(%q) error = %v, want ErrInvalidCursor", bad, err)
		}
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 100},
		{-5, 1},
		{1, 1},
		{250, 250},
		{500, 500},
		{10_000, 500},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
