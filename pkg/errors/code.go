package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Problem & Dataset errors
// 13000-13999: Submission & Judge errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202

	// Storage & messaging errors (10250-10299)
	StorageError ErrorCode = 10250
	PublishError ErrorCode = 10251

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Authentication (10400-10499)
	TokenExpired ErrorCode = 10400
	TokenInvalid ErrorCode = 10401

	// ========== Problem & Dataset Errors (12000-12999) ==========

	ProblemNotFound  ErrorCode = 12000
	TestCaseInvalid  ErrorCode = 12100
	DatasetNotFound  ErrorCode = 12200
	DatasetMissing   ErrorCode = 12201
	DatasetMalformed ErrorCode = 12202

	// ========== Submission & Judge Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound   ErrorCode = 13000
	LanguageNotSupported ErrorCode = 13003
	InvalidTransition    ErrorCode = 13006

	// Judge (13100-13199)
	JudgeQueueFull    ErrorCode = 13100
	JudgeSystemError  ErrorCode = 13101
	CompilationError  ErrorCode = 13102
	RunnerUnavailable ErrorCode = 13107
	RunnerProtocol    ErrorCode = 13108

	// Admission queue (13200-13299)
	DuplicateJob    ErrorCode = 13200
	JobNotFound     ErrorCode = 13201
	QueueCorrupted  ErrorCode = 13202
	RetryExhausted  ErrorCode = 13203
	BroadcastFailed ErrorCode = 13300
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",

	// Storage & messaging
	StorageError: "Object storage operation failed",
	PublishError: "Failed to publish event",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Authentication
	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	// Problem & Dataset
	ProblemNotFound:  "Problem not found",
	TestCaseInvalid:  "Invalid test case format",
	DatasetNotFound:  "Dataset not found",
	DatasetMissing:   "Problem requires a dataset but none is attached",
	DatasetMalformed: "Dataset is malformed",

	// Submission
	SubmissionNotFound:   "Submission not found",
	LanguageNotSupported: "Programming language not supported",
	InvalidTransition:    "Invalid submission status transition",

	// Judge
	JudgeQueueFull:    "Judge queue is full, please try again later",
	JudgeSystemError:  "Judge system error",
	CompilationError:  "Compilation error",
	RunnerUnavailable: "Execution backend is unavailable",
	RunnerProtocol:    "Execution backend returned an unexpected response",

	// Admission queue
	DuplicateJob:    "Submission is already queued or being evaluated",
	JobNotFound:     "Job not found",
	QueueCorrupted:  "Queue entry is corrupted",
	RetryExhausted:  "Retry attempts exhausted",
	BroadcastFailed: "Failed to broadcast progress",
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
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == ProblemNotFound, c == SubmissionNotFound, c == JobNotFound, c == DatasetNotFound:
		return 404
	case c == DuplicateJob, c == RecordAlreadyExists:
		return 409
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == JudgeQueueFull, c == RunnerUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LanguageNotSupported:
		return 400
	default:
		return 500
	}
}

// Retryable reports whether the code describes a transient infrastructure
// fault. Judged outcomes and caller mistakes are never retryable.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ServiceUnavailable, Timeout,
		DatabaseError, TransactionFailed,
		CacheError, CacheSetFailed,
		StorageError, PublishError,
		JudgeSystemError, RunnerUnavailable, RunnerProtocol:
		return true
	default:
		return false
	}
}
