package sandbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ViolationType classifies a denied capability attempt.
type ViolationType string

const (
	ViolationModuleAccess   ViolationType = "module_access_denied"
	ViolationFunctionAccess ViolationType = "function_access_denied"
	ViolationFileAccess     ViolationType = "file_access_denied"
	ViolationEnvAccess      ViolationType = "env_access_denied"
	ViolationMemoryLimit    ViolationType = "memory_limit_exceeded"
	ViolationTimeLimit      ViolationType = "time_limit_exceeded"
	ViolationInstrLimit     ViolationType = "instruction_limit_exceeded"
)

// Violation is one entry in the append-only audit trail of denied
// capability attempts. It doubles as the blocking error returned to the
// caller that attempted the operation.
type Violation struct {
	ID        string
	Type      ViolationType
	Operation string
	Details   string
	Timestamp time.Time
}

// Error implements the error interface.
func (v Violation) Error() string {
	return fmt.Sprintf("sandbox: %s: %s (%s)", v.Type, v.Operation, v.Details)
}

// newViolation stamps a violation record with a fresh ID and timestamp.
func newViolation(vtype ViolationType, operation, details string) Violation {
	return Violation{
		ID:        uuid.NewString(),
		Type:      vtype,
		Operation: operation,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}
