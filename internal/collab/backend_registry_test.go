package collab

import (
	"strings"
	"testing"
)

func TestRegisterStateBackendFactory(t *testing.T) {
	scheme := "statetestcustom"
	var seen string
	RegisterStateBackendFactory(scheme, func(dsn string) (StateBackend, error) {
		seen = dsn
		return NewInMemoryStateBackend(), nil
	})
	backend, err := BuildStateBackendFromDSN(" " + scheme + "://example ")
	if err != nil {
		t.Fatalf("build state backend via registered factory failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil backend from registered state backend factory")
	}
	if seen != scheme+"://example" {
		t.Fatalf("expected factory to receive trimmed dsn, got %q", seen)
	}
}

func TestRegisterStateBackendFactoryIgnoresEmpty(t *testing.T) {
	RegisterStateBackendFactory("  ", func(string) (StateBackend, error) { return nil, nil })
	RegisterStateBackendFactory("nilfactory", nil)
	if _, ok := lookupStateBackendFactory(""); ok {
		t.Fatalf("expected empty scheme to stay unregistered")
	}
	if _, ok := lookupStateBackendFactory("nilfactory"); ok {
		t.Fatalf("expected nil factory to be ignored")
	}
}

func TestUnsupportedSchemeListsRegistered(t *testing.T) {
	RegisterStateBackendFactory("listedscheme", func(string) (StateBackend, error) {
		return NewInMemoryStateBackend(), nil
	})
	_, err := BuildStateBackendFromDSN("nosuchscheme://x")
	if err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if !strings.Contains(err.Error(), "listedscheme") {
		t.Fatalf("expected registered schemes in error, got %v", err)
	}
}
