package nomagic

import (
	"reflect"
	"testing"
)

func TestParseRequestTargetSplitsPathAndQuery(t *testing.T) {
	rt, err := parseRequestTarget([]byte("/greet/J%20Doe?x=1"))
	if err != nil {
		t.Fatal(err)
	}
	if string(rt.Path) != "/greet/J%20Doe" {
		t.Fatalf("got Path=%q", rt.Path)
	}
	if string(rt.RawQuery) != "x=1" {
		t.Fatalf("got RawQuery=%q", rt.RawQuery)
	}
	if !reflect.DeepEqual(rt.rawSegments, []string{"greet", "J%20Doe"}) {
		t.Fatalf("got rawSegments=%v", rt.rawSegments)
	}
	if !reflect.DeepEqual(rt.decodedSegments, []string{"greet", "J Doe"}) {
		t.Fatalf("got decodedSegments=%v", rt.decodedSegments)
	}
}

func TestParseRequestTargetCollapsesEmptyAndDotSegments(t *testing.T) {
	rt, err := parseRequestTarget([]byte("/a//./b/"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rt.decodedSegments, []string{"a", "b"}) {
		t.Fatalf("got decodedSegments=%v", rt.decodedSegments)
	}
}

func TestParseRequestTargetCollapsesDotDotAgainstPriorSegment(t *testing.T) {
	rt, err := parseRequestTarget([]byte("/a/b/../c"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rt.decodedSegments, []string{"a", "c"}) {
		t.Fatalf("got decodedSegments=%v", rt.decodedSegments)
	}
	if !reflect.DeepEqual(rt.rawSegments, []string{"a", "c"}) {
		t.Fatalf("got rawSegments=%v", rt.rawSegments)
	}
}

func TestParseRequestTargetCollapsesPercentEncodedDotDot(t *testing.T) {
	rt, err := parseRequestTarget([]byte("/a/%2e%2e/b"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rt.decodedSegments, []string{"b"}) {
		t.Fatalf("got decodedSegments=%v, want a percent-encoded \"..\" to collapse against \"a\"", rt.decodedSegments)
	}
	if !reflect.DeepEqual(rt.rawSegments, []string{"b"}) {
		t.Fatalf("got rawSegments=%v", rt.rawSegments)
	}
}

func TestParseRequestTargetLeadingDotDotIsKeptLiterally(t *testing.T) {
	rt, err := parseRequestTarget([]byte("/../a"))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rt.decodedSegments, []string{"..", "a"}) {
		t.Fatalf("got decodedSegments=%v", rt.decodedSegments)
	}
}

func TestPercentDecodeRejectsTruncatedEscape(t *testing.T) {
	if _, err := percentDecode("ab%2"); err == nil {
		t.Fatalf("expected an error for a truncated percent-escape")
	}
}

func TestPercentDecodeLeavesPlusUntouched(t *testing.T) {
	got, err := percentDecode("a+b")
	if err != nil {
		t.Fatal(err)
	}
	if got != "a+b" {
		t.Fatalf("got %q, want '+' left as-is", got)
	}
}
