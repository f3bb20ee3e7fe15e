package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Combine with NewSubSystemError for subsystem-specific codes.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrUnavailable      = fmt.Errorf("unavailable")
)

// Sentinel errors for the domain layer.
var (
	ErrChannelNotFound = fmt.Errorf("channel not found")
	ErrSpaceNotFound   = fmt.Errorf("space not found")
	ErrAgentNotFound   = fmt.Errorf("agent not found")
	ErrRuntimeNotFound = fmt.Errorf("runtime not found")
	ErrArtifactMissing = fmt.Errorf("artifact not found")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrDecryption      = fmt.Errorf("decryption failed")
	ErrEncryption      = fmt.Errorf("encryption operation failed")

	// Delivery errors.
	ErrWorkerNotConnected = fmt.Errorf("worker connection not available")
	ErrWorkerRejected     = fmt.Errorf("worker rejected delivery")
	ErrCallbackFailed     = fmt.Errorf("callback push failed")

	// Credential errors.
	ErrAuthInvalid        = fmt.Errorf("authentication failed")
	ErrCredentialInvalid  = fmt.Errorf("instance credential: %w", ErrAuthInvalid)
	ErrTokenUnavailable   = fmt.Errorf("oauth token unavailable")
	ErrGatewayAuthFailed  = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRateLimit          = fmt.Errorf("rate limit exceeded")
	ErrInstanceNotRunning = fmt.Errorf("instance not running")

	// Gateway / RPC errors.
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Lifecycle.Activate")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "runtime", "store"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsDataError reports whether err is a precondition violation (missing channel,
// space or agent) that must be surfaced to the direct caller.
func IsDataError(err error) bool {
	return errors.Is(err, ErrChannelNotFound) ||
		errors.Is(err, ErrSpaceNotFound) ||
		errors.Is(err, ErrAgentNotFound)
}

// ErrorCode is a machine-parseable error category for monitoring and RPC responses.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeChannelNotFound   ErrorCode = "CHANNEL_NOT_FOUND"
	CodeSpaceNotFound     ErrorCode = "SPACE_NOT_FOUND"
	CodeAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	CodeRuntimeNotFound   ErrorCode = "RUNTIME_NOT_FOUND"
	CodeArtifactMissing   ErrorCode = "ARTIFACT_MISSING"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeWorkerNotConn     ErrorCode = "WORKER_NOT_CONNECTED"
	CodeWorkerRejected    ErrorCode = "WORKER_REJECTED"
	CodeCallbackFailed    ErrorCode = "CALLBACK_FAILED"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeCredentialInvalid ErrorCode = "CREDENTIAL_INVALID"
	CodeTokenUnavailable  ErrorCode = "TOKEN_UNAVAILABLE"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeInstanceNotRun    ErrorCode = "INSTANCE_NOT_RUNNING"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeRuntimeLimit    ErrorCode = "RUNTIME_MAX_INSTANCES"
	CodeRuntimeTimeout  ErrorCode = "RUNTIME_START_TIMEOUT"
	CodeRosterDuplicate ErrorCode = "ROSTER_DUPLICATE"
	CodeToolInvalid     ErrorCode = "TOOL_CONFIG_INVALID"
	CodeStoreTimeout    ErrorCode = "STORE_TIMEOUT"

	// Category error codes used when no specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,
	ErrUnavailable:      CodeUnavailable,

	ErrChannelNotFound:    CodeChannelNotFound,
	ErrSpaceNotFound:      CodeSpaceNotFound,
	ErrAgentNotFound:      CodeAgentNotFound,
	ErrRuntimeNotFound:    CodeRuntimeNotFound,
	ErrArtifactMissing:    CodeArtifactMissing,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrEncryption:         CodeEncryption,
	ErrWorkerNotConnected: CodeWorkerNotConn,
	ErrWorkerRejected:     CodeWorkerRejected,
	ErrCallbackFailed:     CodeCallbackFailed,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrCredentialInvalid:  CodeCredentialInvalid,
	ErrTokenUnavailable:   CodeTokenUnavailable,
	ErrGatewayAuthFailed:  CodeGatewayAuth,
	ErrRateLimit:          CodeRateLimit,
	ErrInstanceNotRunning: CodeInstanceNotRun,
	ErrRPCMethodNotFound:  CodeRPCMethodNotFound,
	ErrRPCInvalidPayload:  CodeRPCInvalidPayload,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrLimitReached: {
		"runtime": CodeRuntimeLimit,
	},
	ErrTimeout: {
		"runtime": CodeRuntimeTimeout,
		"store":   CodeStoreTimeout,
	},
	ErrDuplicate: {
		"roster": CodeRosterDuplicate,
	},
	ErrInvalidInput: {
		"tool": CodeToolInvalid,
	},
	ErrNotFound: {
		"runtime": CodeRuntimeNotFound,
		"roster":  CodeAgentNotFound,
		"channel": CodeChannelNotFound,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Wrapped sentinels come first so that ErrCredentialInvalid wins over ErrAuthInvalid.
	for _, sentinel := range []error{ErrCredentialInvalid, ErrGatewayAuthFailed} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
