package utils

import "testing"

func TestSafeAssert(t *testing.T) {
	var v any = "hello"

	s, ok := SafeAssert[string](v)
	if !ok || s != "hello" {
		t.Errorf("expected (hello, true), got (%q, %v)", s, ok)
	}

	n, ok := SafeAssert[int](v)
	if ok || n != 0 {
		t.Errorf("expected (0, false) for wrong type, got (%d, %v)", n, ok)
	}

	m, ok := SafeAssert[map[string]any](nil)
	if ok || m != nil {
		t.Errorf("expected (nil, false) for nil, got (%v, %v)", m, ok)
	}
}
