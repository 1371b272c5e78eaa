package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("connection refused")
	err := New(UpstreamTransport, "dial failed").
		WithCause(root).
		WithRetryable(true)

	if GetCode(err) != UpstreamTransport {
		t.Fatalf("expected code %s, got %s", UpstreamTransport, GetCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if err.HTTPStatus != 502 {
		t.Fatalf("expected default http status 502, got %d", err.HTTPStatus)
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestAs_UnwrapsWrappedError(t *testing.T) {
	t.Parallel()

	base := New(NotFound, "endpoint not found")
	wrapped := errors.New("lookup: " + base.Error())
	if _, ok := As(wrapped); ok {
		t.Fatalf("plain wrapped string should not resolve via As")
	}

	if f, ok := As(fmt.Errorf("lookup: %w", base)); !ok || f != base {
		t.Fatalf("expected As to unwrap a %%w-wrapped error to the base error")
	}

	found, ok := As(base)
	if !ok || found.Code != NotFound {
		t.Fatalf("expected As to find NotFound error")
	}
}
