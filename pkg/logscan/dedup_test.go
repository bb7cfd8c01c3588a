package logscan

import (
	"fmt"
	"strings"
	"testing"
)

func TestDeduper_MappingEntryCap(t *testing.T) {
	d := NewDeduper()
	kept := 0
	for i := 0; i < 30; i++ {
		r := Classify(fmt.Sprintf("- user%d => dest%d", i, i))
		if d.Admit(r) {
			kept++
		}
	}
	if kept != MaxMappingEntries {
		t.Errorf("kept %d mapping entries, want %d", kept, MaxMappingEntries)
	}
}

func TestDeduper_SingletonCategories(t *testing.T) {
	singletons := []string{
		strings.Repeat("-", 50),
		"ユーザーのマッピングは次のようになります",
		"移行を実行しますか",
	}
	for _, raw := range singletons {
		d := NewDeduper()
		r := Classify(raw)
		if !d.Admit(r) {
			t.Errorf("first %q rejected", raw)
		}
		if d.Admit(r) {
			t.Errorf("second %q admitted, want rejected", raw)
		}
	}
}

func TestDeduper_ExactTextDedup(t *testing.T) {
	d := NewDeduper()
	r := Classify("エクスポートを開始します")
	if !d.Admit(r) {
		t.Fatal("first occurrence rejected")
	}
	if d.Admit(r) {
		t.Error("duplicate admitted")
	}
	// Whitespace differences collapse to the same key.
	r2 := Classify("エクスポートを開始します ")
	if d.Admit(r2) {
		t.Error("whitespace variant admitted")
	}
}

func TestDeduper_Reset(t *testing.T) {
	d := NewDeduper()
	r := Classify("移行を実行しますか")
	d.Admit(r)
	d.Reset()
	if !d.Admit(r) {
		t.Error("line rejected after Reset")
	}
}
