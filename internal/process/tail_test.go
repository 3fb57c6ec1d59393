package process_test

import (
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/invariantlabs-ai/invariant-gateway/internal/process"
)

func TestTailRetainsRecentLines(t *testing.T) {
	tail := process.NewTail(3)
	io.WriteString(tail, "one\ntwo\nthree\nfour\n")

	want := []string{"two", "three", "four"}
	if got := tail.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %v, want %v", got, want)
	}
}

func TestTailBuffersPartialWrites(t *testing.T) {
	tail := process.NewTail(8)
	io.WriteString(tail, "pan")
	io.WriteString(tail, "ic: boom\r\n")
	io.WriteString(tail, "no newline")

	want := []string{"panic: boom", "no newline"}
	if got := tail.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %v, want %v", got, want)
	}
}

func TestTailCopiesFromReader(t *testing.T) {
	tail := process.NewTail(2)
	if _, err := io.Copy(tail, strings.NewReader("a\nb\nc\n")); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	want := []string{"b", "c"}
	if got := tail.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %v, want %v", got, want)
	}
}
