package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// AnalyzerFailure indicates a single file could not be parsed or decoded
	AnalyzerFailure ErrorCode = "ANALYZER_FAILURE"
	// StoreFailure indicates a persistence I/O error in the index store
	StoreFailure ErrorCode = "STORE_FAILURE"
	// StoreLocked indicates another process holds the store write lock
	StoreLocked ErrorCode = "STORE_LOCKED"
	// ToolUnavailable indicates a search executable is missing or broken
	ToolUnavailable ErrorCode = "TOOL_UNAVAILABLE"
	// RegexRejected indicates a pattern was classified as catastrophic-backtracking risk
	RegexRejected ErrorCode = "REGEX_REJECTED"
	// InvalidPattern indicates a pattern that does not compile
	InvalidPattern ErrorCode = "INVALID_PATTERN"
	// InvalidCursor indicates a pagination cursor that is malformed or belongs to another query
	InvalidCursor ErrorCode = "INVALID_CURSOR"
	// QueryTimeout indicates a query exceeded its execution budget
	QueryTimeout ErrorCode = "QUERY_TIMEOUT"
	// WatcherFailure indicates the OS-level subscription failed
	WatcherFailure ErrorCode = "WATCHER_FAILURE"
	// InvalidParameter indicates a bad argument from the caller
	InvalidParameter ErrorCode = "INVALID_PARAMETER"
	// ProjectNotFound indicates the project root does not exist or is unreadable
	ProjectNotFound ErrorCode = "PROJECT_NOT_FOUND"
	// ProjectNotOpen indicates an operation that needs an open project
	ProjectNotOpen ErrorCode = "PROJECT_NOT_OPEN"
	// IndexNotBuilt indicates no generation has been published yet
	IndexNotBuilt ErrorCode = "INDEX_NOT_BUILT"
	// SymbolNotFound indicates symbol doesn't exist
	SymbolNotFound ErrorCode = "SYMBOL_NOT_FOUND"
	// FileNotFound indicates the file is not part of the index
	FileNotFound ErrorCode = "FILE_NOT_FOUND"
	// StaleBuild indicates a build was discarded because its target changed
	StaleBuild ErrorCode = "STALE_BUILD"
	// InternalError indicates unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// FixActionType represents the type of fix action
type FixActionType string

const (
	// RunCommand suggests running a command
	RunCommand FixActionType = "run-command"
	// InstallTool suggests installing a tool
	InstallTool FixActionType = "install-tool"
	// ChangeQuery suggests rewriting the request
	ChangeQuery FixActionType = "change-query"
)

// FixAction represents a suggested fix for an error
type FixAction struct {
	Type        FixActionType `json:"type"`
	Command     string        `json:"command,omitempty"`
	Safe        bool          `json:"safe,omitempty"`
	Description string        `json:"description,omitempty"`
	Tool        string        `json:"tool,omitempty"`
}

// IndexError represents an error with code, message, and suggestions
type IndexError struct {
	Code           ErrorCode   `json:"code"`
	Message        string      `json:"message"`
	Details        interface{} `json:"details,omitempty"`
	SuggestedFixes []FixAction `json:"suggestedFixes,omitempty"`
	cause          error       // Underlying error (not exported to JSON)
}

// New creates an IndexError with the default fixes for its code.
func New(code ErrorCode, message string, cause error) *IndexError {
	return &IndexError{
		Code:           code,
		Message:        message,
		cause:          cause,
		SuggestedFixes: GetSuggestedFixes(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...interface{}) *IndexError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Error implements the error interface
func (e *IndexError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *IndexError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *IndexError) WithDetails(details interface{}) *IndexError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first IndexError in err's chain, or ""
// when there is none.
func CodeOf(err error) ErrorCode {
	var ie *IndexError
	if stderrors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var ie *IndexError
		if !stderrors.As(err, &ie) {
			return false
		}
		if ie.Code == code {
			return true
		}
		err = ie.cause
	}
	return false
}

// ErrorActions maps error codes to suggested fix actions
var ErrorActions = map[ErrorCode][]FixAction{
	IndexNotBuilt: {
		{
			Type:        RunCommand,
			Command:     "codeindex build",
			Safe:        true,
			Description: "Build the deep index for the project",
		},
	},
	ToolUnavailable: {
		{
			Type:        InstallTool,
			Tool:        "ripgrep",
			Description: "Install ripgrep or ugrep for faster search",
		},
	},
	RegexRejected: {
		{
			Type:        ChangeQuery,
			Description: "Remove nested unbounded quantifiers such as (a+)+ or (a|ab)*",
		},
	},
	QueryTimeout: {
		{
			Type:        ChangeQuery,
			Description: "Narrow the query with a file glob or a more specific pattern",
		},
	},
	WatcherFailure: {
		{
			Type:        RunCommand,
			Command:     "codeindex refresh",
			Safe:        true,
			Description: "Refresh the index manually",
		},
	},
	StoreLocked: {
		{
			Type:        RunCommand,
			Command:     "sleep 2 && codeindex refresh",
			Safe:        true,
			Description: "Retry after the other writer finishes",
		},
	},
}

// GetSuggestedFixes returns suggested fixes for an error code
func GetSuggestedFixes(code ErrorCode) []FixAction {
	if fixes, ok := ErrorActions[code]; ok {
		return fixes
	}
	return nil
}
