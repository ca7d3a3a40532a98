package lexicon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseAdviceList(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    AdviceList
	}{
		{"unix newlines", "uno\ndos\ntres", AdviceList{"uno", "dos", "tres"}},
		{"windows newlines", "uno\r\ndos\r\n", AdviceList{"uno", "dos"}},
		{"blank lines dropped", "\n\nuno\n\n\ndos\n", AdviceList{"uno", "dos"}},
		{"empty content", "", AdviceList{}},
		{"mixed breaks", "a\r\nb\nc", AdviceList{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseAdviceList(tt.content)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseAdviceList() mismatch (-want +got):\n%s", diff)
			}
			for i, l := range got {
				if l == "" {
					t.Errorf("entry %d is empty", i)
				}
			}
		})
	}
}

func TestParseRelationMap(t *testing.T) {
	got := ParseRelationMap("alice=friend\nnoequals\nbob=x=y\n")
	want := RelationMap{"alice": "friend"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseRelationMap() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRelationMapSkipsEmptyFields(t *testing.T) {
	got := ParseRelationMap("=friend\ncarol=\r\ndave=colega\r\n\n")
	want := RelationMap{"dave": "colega"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseRelationMap() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRelationMapLastWins(t *testing.T) {
	got := ParseRelationMap("alice=friend\nalice=enemy")
	if got["alice"] != "enemy" {
		t.Errorf("alice = %q, want enemy", got["alice"])
	}
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadAdviceList(filepath.Join(dir, "nope.txt")); !errors.Is(err, ErrLoad) {
		t.Errorf("LoadAdviceList() error = %v, want ErrLoad", err)
	}
	if _, err := LoadRelationMap(filepath.Join(dir, "nope.txt")); !errors.Is(err, ErrLoad) {
		t.Errorf("LoadRelationMap() error = %v, want ErrLoad", err)
	}
	if _, err := Load(filepath.Join(dir, "a.txt"), filepath.Join(dir, "r.txt")); !errors.Is(err, ErrLoad) {
		t.Errorf("Load() error = %v, want ErrLoad", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	advice := filepath.Join(dir, "advices.txt")
	relations := filepath.Join(dir, "relations.txt")
	if err := os.WriteFile(advice, []byte("Bebe agua\r\n\r\nSigue el canal\r\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(relations, []byte("bob=amigo\nmal\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	lx, err := Load(advice, relations)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if diff := cmp.Diff([]string{"Bebe agua", "Sigue el canal"}, lx.Advice()); diff != "" {
		t.Errorf("Advice() mismatch (-want +got):\n%s", diff)
	}
	if rel, ok := lx.Relation("bob"); !ok || rel != "amigo" {
		t.Errorf("Relation(bob) = %q, %v", rel, ok)
	}
	if _, ok := lx.Relation("alice"); ok {
		t.Errorf("Relation(alice) should be absent")
	}
	if lx.RelationCount() != 1 {
		t.Errorf("RelationCount() = %d, want 1", lx.RelationCount())
	}
}

func TestNilLexicon(t *testing.T) {
	var lx *Lexicon
	if lx.Advice() != nil {
		t.Errorf("nil lexicon should have no advice")
	}
	if _, ok := lx.Relation("x"); ok {
		t.Errorf("nil lexicon should have no relations")
	}
}
