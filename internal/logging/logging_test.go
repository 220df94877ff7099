package logging

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/photoverify/internal/apperr"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info to be disabled at warn level")
	}
	if _, err := NewLogger("loud"); err == nil {
		t.Fatal("expected unknown level to be rejected")
	}
	if _, err := NewCLILogger(""); err != nil {
		t.Fatalf("expected empty level to default, got %v", err)
	}
}

func TestOperationErrorFormatting(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewOperationError("db.save_record", "req-1", cause)
	if err.Error() != "db.save_record (request_id=req-1): connection reset" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to unwrap")
	}
	if NewOperationError("op", "", nil) != nil {
		t.Fatal("expected nil error to stay nil")
	}
}

func TestErrorFieldsAndWithOperation(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := WithOperation(zap.New(core), "usecase.verify_image", "req-9")

	err := fmt.Errorf("outer: %w", NewOperationError("signing.sign", "req-9", apperr.SigningFailed(errors.New("hsm down"))))
	logger.Error("verification failed", ErrorFields(err)...)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "usecase.verify_image" {
		t.Fatalf("missing operation field: %v", fields)
	}
	if fields["failed_operation"] != "signing.sign" {
		t.Fatalf("missing failed_operation field: %v", fields)
	}
	if fields["error_kind"] != apperr.KindSigningFailed.String() {
		t.Fatalf("missing error_kind field: %v", fields)
	}
	if ErrorFields(nil) != nil {
		t.Fatal("expected no fields for nil error")
	}
}
