// Package security provides validation, sanitization, and limits for the jobs package.
package security

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jdziat/priority-jobs/pkg/core"
)

// Security limits and configuration
const (
	// MaxJobTypeNameLength is the maximum length for job type names
	MaxJobTypeNameLength = 255

	// MaxPayloadSize is the maximum size in bytes for a job payload (1MB)
	MaxPayloadSize = 1 << 20

	// MaxMetadataSize is the maximum size in bytes for job metadata (64KB)
	MaxMetadataSize = 64 << 10

	// MaxAttempts is the hard limit for attempts per job
	MaxAttempts = 100

	// MaxConcurrency is the hard limit for per-queue worker concurrency
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxTraceLength is the maximum length for stored stack traces
	MaxTraceLength = 16384

	// MaxQueueNameLength is the maximum length for queue names
	MaxQueueNameLength = 255

	// MaxDelay bounds how far in the future a job may be scheduled
	MaxDelay = 365 * 24 * time.Hour
)

// validName matches alphanumeric, hyphens, underscores, and dots
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

func invalid(field, format string, args ...any) error {
	return &core.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateJobTypeName validates a job type name
func ValidateJobTypeName(name string) error {
	if name == "" {
		return invalid("type", "job type is required")
	}
	if len(name) > MaxJobTypeNameLength {
		return invalid("type", "job type exceeds %d characters", MaxJobTypeNameLength)
	}
	if !validName.MatchString(name) {
		return invalid("type", "job type %q must be alphanumeric and start with a letter", name)
	}
	return nil
}

// ValidateQueueName validates a queue name
func ValidateQueueName(name string) error {
	if name == "" {
		return invalid("queue", "queue name is required")
	}
	if len(name) > MaxQueueNameLength {
		return invalid("queue", "queue name exceeds %d characters", MaxQueueNameLength)
	}
	if !validName.MatchString(name) {
		return invalid("queue", "queue name %q must be alphanumeric and start with a letter", name)
	}
	return nil
}

// ValidatePayload enforces the payload size limit.
func ValidatePayload(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return invalid("payload", "payload is %d bytes, limit is %d", len(payload), MaxPayloadSize)
	}
	return nil
}

// ValidateMetadata enforces the metadata size limit.
func ValidateMetadata(metadata []byte) error {
	if len(metadata) > MaxMetadataSize {
		return invalid("metadata", "metadata is %d bytes, limit is %d", len(metadata), MaxMetadataSize)
	}
	return nil
}

// ValidateDelay rejects negative or unreasonably distant delays.
func ValidateDelay(d time.Duration) error {
	if d < 0 {
		return invalid("delay", "delay must not be negative")
	}
	if d > MaxDelay {
		return invalid("delay", "delay exceeds %v", MaxDelay)
	}
	return nil
}

// ValidateAttempts rejects attempt counts outside [1, MaxAttempts].
func ValidateAttempts(n int) error {
	if n < 1 || n > MaxAttempts {
		return invalid("attempts", "attempts must be between 1 and %d", MaxAttempts)
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	return sanitize(msg, MaxErrorMessageLength)
}

// SanitizeTrace truncates and sanitizes stack traces for storage
func SanitizeTrace(trace string) string {
	return sanitize(trace, MaxTraceLength)
}

func sanitize(msg string, limit int) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > limit {
		runes := []rune(result)
		result = string(runes[:limit-3]) + "..."
	}

	return result
}

// ClampAttempts ensures an attempt count is within limits
func ClampAttempts(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampProgress keeps progress within 0-100.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
