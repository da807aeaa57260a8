package main

import (
	"reflect"
	"testing"
)

func TestSplitAndTrim(t *testing.T) {
	cases := map[string][]string{
		"":                                nil,
		"   ":                             nil,
		"https://a.example":               {"https://a.example"},
		" https://a.example , ,http://b ": {"https://a.example", "http://b"},
	}
	for in, want := range cases {
		if got := splitAndTrim(in); !reflect.DeepEqual(got, want) {
			t.Fatalf("splitAndTrim(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIntFromEnv(t *testing.T) {
	t.Setenv("POSYNC_TEST_INT", "42")
	if got := intFromEnv("POSYNC_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("POSYNC_TEST_INT", "-3")
	if got := intFromEnv("POSYNC_TEST_INT", 7); got != 7 {
		t.Fatalf("expected default for negative value, got %d", got)
	}
	t.Setenv("POSYNC_TEST_INT", "abc")
	if got := intFromEnv("POSYNC_TEST_INT", 7); got != 7 {
		t.Fatalf("expected default for junk, got %d", got)
	}
}
