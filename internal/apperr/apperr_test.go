package apperr

import (
	"errors"
	"testing"
)

func TestNewCarriesDefaultMessage(t *testing.T) {
	err := New(CodeUnknownResource)
	if err.Code != CodeUnknownResource {
		t.Fatalf("Code = %v, want CodeUnknownResource", err.Code)
	}
	if err.Message != "unknown resource" {
		t.Fatalf("Message = %q, want %q", err.Message, "unknown resource")
	}
}

func TestWrapCarriesUnderlyingErrorAsDetails(t *testing.T) {
	underlying := errors.New("disk read failed")
	err := Wrap(CodeInternalError, underlying)
	if err.Details != "disk read failed" {
		t.Fatalf("Details = %q, want %q", err.Details, "disk read failed")
	}
	if errors.Unwrap(err) != underlying {
		t.Fatal("Unwrap should return the wrapped error")
	}
}

func TestWithDetailsOverridesMessageDetails(t *testing.T) {
	err := New(CodeMissingRequiredTag).WithDetails("PatientID is required")
	if err.Details != "PatientID is required" {
		t.Fatalf("Details = %q, want %q", err.Details, "PatientID is required")
	}
}

func TestIsMatchesCode(t *testing.T) {
	err := New(CodeDuplicateResource)
	if !Is(err, CodeDuplicateResource) {
		t.Fatal("Is should match the same code")
	}
	if Is(err, CodeNotFound) {
		t.Fatal("Is should not match a different code")
	}
}

func TestIsOnPlainErrorReturnsFalse(t *testing.T) {
	if Is(errors.New("plain error"), CodeInternalError) {
		t.Fatal("Is on a plain error should never match")
	}
}

func TestUnknownCodeFallsBackToGenericMessage(t *testing.T) {
	err := New(Code(99999))
	if err.Message != "unknown error" {
		t.Fatalf("Message for an unregistered code = %q, want %q", err.Message, "unknown error")
	}
}

func TestErrorStringIncludesDetailsWhenPresent(t *testing.T) {
	withDetails := New(CodeNotFound).WithDetails("attachment missing")
	withoutDetails := New(CodeNotFound)

	if withDetails.Error() == withoutDetails.Error() {
		t.Fatal("Error() should differ once Details is set")
	}
}
