package metadata

import "testing"

func TestCaseInsensitiveKeys(t *testing.T) {
	md := New("X-Trace-Id", "abc")
	if md.Get("x-trace-id") != "abc" {
		t.Fatal("lookup must be case-insensitive")
	}
	md.Set("X-TRACE-ID", "def")
	if md.Get("X-Trace-Id") != "def" || len(md["x-trace-id"]) != 1 {
		t.Fatalf("set did not replace: %v", md)
	}
}

func TestAppendAndCopy(t *testing.T) {
	md := New("k", "1")
	md.Append("k", "2")
	if len(md["k"]) != 2 {
		t.Fatalf("append lost a value: %v", md)
	}

	cp := md.Copy()
	cp.Append("k", "3")
	if len(md["k"]) != 2 {
		t.Fatal("copy shares backing storage")
	}
	if md.Get("missing") != "" {
		t.Fatal("missing key must read empty")
	}
}
