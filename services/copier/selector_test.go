package copier

import (
	"context"
	"reflect"
	"testing"

	"dbcopier/pkg/copyerr"
)

type usageMap map[string]int64

func (u usageMap) UsedSize(_ context.Context, connection string) (int64, error) {
	return u[connection], nil
}

func TestSelectorSelect(t *testing.T) {
	reg := testRegistry()

	tests := []struct {
		name       string
		usage      usageMap
		candidates []string
		want       string
		wantKind   copyerr.Kind
	}{
		{name: "least used wins", usage: usageMap{"dest_a": 8000, "dest_b": 2000}, candidates: []string{"dest_a", "dest_b"}, want: "dest_b"},
		{name: "tie goes to first", usage: usageMap{"dest_a": 500, "dest_b": 500}, candidates: []string{"dest_b", "dest_a"}, want: "dest_b"},
		{name: "single candidate", usage: usageMap{}, candidates: []string{"dest_a"}, want: "dest_a"},
		{name: "blanks and duplicates dropped", usage: usageMap{"dest_a": 1, "dest_b": 2}, candidates: []string{" ", "dest_b", "dest_b", "", "dest_a"}, want: "dest_a"},
		{name: "empty list", candidates: []string{"", "  "}, wantKind: copyerr.Selection},
		{name: "unknown connection", candidates: []string{"dest_a", "nope"}, wantKind: copyerr.Configuration},
		{name: "unsupported driver", candidates: []string{"pg"}, wantKind: copyerr.Configuration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewSelector(tt.usage, reg).Select(context.Background(), tt.candidates)
			if tt.wantKind != "" {
				if !copyerr.IsKind(err, tt.wantKind) {
					t.Fatalf("Select() error = %v, want kind %s", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("Select() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCandidates(t *testing.T) {
	got := Candidates([]string{"b", " a ", "", "b", "c"})
	want := []string{"b", "a", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Candidates() = %v, want %v", got, want)
	}
}
