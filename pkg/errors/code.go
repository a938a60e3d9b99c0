package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Session lifecycle errors
// 21000-21999: Container & provisioning errors
// 22000-22999: Workspace & library errors
// 23000-23999: Dependency install errors
// 24000-24999: Execution & stream errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008
	UnsupportedOp       ErrorCode = 10009

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Session Lifecycle Errors (20000-20999) ==========

	SessionNotFound     ErrorCode = 20000
	SessionTerminated   ErrorCode = 20001
	SessionStartFailed  ErrorCode = 20002
	SessionLimitReached ErrorCode = 20003
	InputRejected       ErrorCode = 20100

	// ========== Container & Provisioning Errors (21000-21999) ==========

	ProvisionFailed   ErrorCode = 21000
	EngineUnreachable ErrorCode = 21001
	ImageMissing      ErrorCode = 21002
	AttachFailed      ErrorCode = 21100
	CleanupFailed     ErrorCode = 21200

	// ========== Workspace & Library Errors (22000-22999) ==========

	WorkspaceWriteFailed ErrorCode = 22000
	PathEscapesWorkspace ErrorCode = 22001
	SourceTooLarge       ErrorCode = 22002
	LanguageNotSupported ErrorCode = 22100
	LibraryNotFound      ErrorCode = 22200
	LibraryTooLarge      ErrorCode = 22201
	LibraryFetchFailed   ErrorCode = 22202

	// ========== Dependency Install Errors (23000-23999) ==========

	InstallFailed        ErrorCode = 23000
	InstallNetworkFailed ErrorCode = 23001
	InstallResolveFailed ErrorCode = 23002
	InstallTimeout       ErrorCode = 23003
	ManifestInvalid      ErrorCode = 23100

	// ========== Execution & Stream Errors (24000-24999) ==========

	ExecStartFailed ErrorCode = 24000
	ExecTimeout     ErrorCode = 24001
	StreamCorrupted ErrorCode = 24100
	StreamClosed    ErrorCode = 24101
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",
	UnsupportedOp:       "Operation is not supported",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	RequiredFieldEmpty: "Required field is empty",

	// Session lifecycle
	SessionNotFound:     "Execution session not found",
	SessionTerminated:   "Execution session already terminated",
	SessionStartFailed:  "Failed to start execution session",
	SessionLimitReached: "Too many concurrent sessions",
	InputRejected:       "Input could not be delivered to the process",

	// Container & provisioning
	ProvisionFailed:   "Failed to provision sandbox container",
	EngineUnreachable: "Container engine is unreachable",
	ImageMissing:      "Execution image is missing",
	AttachFailed:      "Failed to attach to the running process",
	CleanupFailed:     "Sandbox cleanup failed",

	// Workspace & library
	WorkspaceWriteFailed: "Failed to write workspace files",
	PathEscapesWorkspace: "File path escapes the workspace root",
	SourceTooLarge:       "Submitted source is too large",
	LanguageNotSupported: "Programming language not supported",
	LibraryNotFound:      "Custom library not found",
	LibraryTooLarge:      "Custom library is too large",
	LibraryFetchFailed:   "Failed to fetch custom library",

	// Dependency install
	InstallFailed:        "Dependency install failed",
	InstallNetworkFailed: "Dependency install failed: network unreachable",
	InstallResolveFailed: "Dependency install failed: resolution error",
	InstallTimeout:       "Dependency install exceeded its time limit",
	ManifestInvalid:      "Dependency manifest is invalid",

	// Execution & stream
	ExecStartFailed: "Failed to start execution",
	ExecTimeout:     "Execution exceeded its time limit",
	StreamCorrupted: "Output stream is corrupted",
	StreamClosed:    "Output stream is closed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == SessionNotFound, c == LibraryNotFound:
		return 404
	case c == TooManyRequests, c == SessionLimitReached:
		return 429
	case c == ServiceUnavailable, c == EngineUnreachable:
		return 503
	case c == UnsupportedOp, c == LanguageNotSupported:
		return 422
	// Input sent before the process is attached: the session exists and
	// retrying is valid, so this is a conflict, not a server fault.
	case c == InputRejected:
		return 409
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == ManifestInvalid, c == SessionTerminated,
		c == PathEscapesWorkspace, c == SourceTooLarge, c == LibraryTooLarge:
		return 400
	case c == Timeout, c == InstallTimeout, c == ExecTimeout:
		return 504
	default:
		return 500
	}
}
