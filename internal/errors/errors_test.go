package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("execution reverted: Mismatched arrays")
	err := Wrap(CodePipelineStepFailed, cause, "step transfer-1 failed", WithMetadata("node_id", "transfer-1"))

	if CodeOf(err) != CodePipelineStepFailed {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if got := err.Metadata()["node_id"]; got != "transfer-1" {
		t.Fatalf("unexpected metadata %q", got)
	}
	if CategoryOf(err) != CategoryExecution {
		t.Fatalf("unexpected category %s", CategoryOf(err))
	}
	if !ShouldAlert(err) {
		t.Fatalf("step failures should alert")
	}
}

func TestReasonReturnsInnermostMessage(t *testing.T) {
	cause := stdErrors.New("user rejected transaction")
	wrapped := fmt.Errorf("send: %w", Wrap(CodePipelineStepFailed, cause, "step action-1 failed"))
	if got := Reason(wrapped); got != "user rejected transaction" {
		t.Fatalf("unexpected reason %q", got)
	}

	bare := New(CodeRunWalletMissing, "")
	if got := Reason(bare); got != "Please connect your wallet first" {
		t.Fatalf("unexpected reason %q", got)
	}
	if Reason(nil) != "" {
		t.Fatalf("nil error should have empty reason")
	}
}

func TestIsComparesCodes(t *testing.T) {
	err := New(CodeGraphCycle, "a -> b closes a loop")
	if !stdErrors.Is(err, New(CodeGraphCycle, "")) {
		t.Fatalf("expected codes to match")
	}
	if stdErrors.Is(err, New(CodeGraphDuplicateEdge, "")) {
		t.Fatalf("different codes should not match")
	}
}

func TestRegisterOverridesAttributes(t *testing.T) {
	code := Code("TEST_CUSTOM")
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Category: CategoryExternal, Retryable: true})
	err := New(code, "")
	if err.Message() != "custom" || !err.Retryable() || err.Category() != CategoryExternal {
		t.Fatalf("unexpected attributes: %+v", AttributesOf(code))
	}
	if AttributesOf(Code("MISSING")).Message != "unknown error" {
		t.Fatalf("unregistered codes should fall back to UNKNOWN")
	}
	found := false
	for _, c := range Codes() {
		if c == code {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered code missing from Codes()")
	}
}

func TestOverridesTakePrecedence(t *testing.T) {
	err := New(CodeFeedFailed, "binance closed", WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo))
	if err.Retryable() || err.ShouldAlert() || err.Severity() != SeverityInfo {
		t.Fatalf("overrides not applied: %+v", err)
	}
	if RetryableError(stdErrors.New("plain")) {
		t.Fatalf("plain errors are not retryable")
	}
}
