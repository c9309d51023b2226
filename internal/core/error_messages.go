// Package core provides the upload/process/download workflow.
//
// # Error Codes Reference
//
// This file defines user-friendly error messages with codes for support reference.
// When users encounter errors, they can quote the error code to support staff
// for faster diagnosis.
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large: File exceeds the maximum size limit
//	          Action: Upload a smaller CSV file
//	          Patterns: "file too large", "request body too large"
//
//	FILE002 - Invalid type: Only CSV files are accepted
//	          Action: Please select a CSV file
//	          Kind: invalid_type
//
//	FILE004 - No file: No file was selected
//	          Action: Please select a CSV file to upload
//	          Patterns: "no file provided"
//
// # Processing Errors (PROC001-PROC099)
//
//	PROC001 - Transfer failed: The processing service did not return a document
//	          Action: Please try again
//	          Kind: transfer_failed
//
// # Workflow Errors (UPL001-UPL099)
//
//	UPL002 - System busy: Too many submissions in progress
//	         Action: Please wait a moment and try again
//	         Patterns: "too many concurrent uploads"
//
//	UPL003 - Session expired: Workflow session not found
//	         Action: Reload the page and select your file again
//	         Patterns: "session not found", "workflow closed"
//
//	UPL004 - Request cancelled: Request was cancelled
//	         Action: Please try again
//	         Patterns: "context canceled"
//
// # Artifact Errors (ART001-ART099)
//
//	ART001 - Artifact expired: The generated document is no longer available
//	         Action: Analyze the file again to regenerate it
//	         Patterns: "artifact not found"
//
// # Rate Limiting (RATE001-RATE099)
//
//	RATE001 - Rate limited: Too many requests
//	          Action: Please wait a moment before trying again
//	          Patterns: "rate limit"
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: An unexpected error occurred
//	         Action: Please try again or contact support
//
// # Matching
//
// Workflow errors (*ErrorInfo) are mapped by kind and keep their own message.
// Everything else is matched case-insensitively with strings.Contains; the
// first matching pattern wins.
package core

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// kindMessages maps workflow error kinds to codes and actions. The message
// itself comes from the ErrorInfo.
var kindMessages = map[ErrorKind]UserMessage{
	ErrInvalidType: {
		Action: "Please select a CSV file",
		Code:   "FILE002",
	},
	ErrTransferFailed: {
		Action: "Please try again",
		Code:   "PROC001",
	},
}

// errorPatterns maps technical error patterns (case-insensitive) to user messages.
// Specific patterns must come before general ones.
var errorPatterns = []errorPattern{
	// =========================================================================
	// File Errors
	// =========================================================================
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds the maximum size limit",
			Action:  "Upload a smaller CSV file",
			Code:    "FILE001",
		},
	},
	{
		pattern: "request body too large",
		msg: UserMessage{
			Message: "File exceeds the maximum size limit",
			Action:  "Upload a smaller CSV file",
			Code:    "FILE001",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was selected",
			Action:  "Please select a CSV file to upload",
			Code:    "FILE004",
		},
	},

	// =========================================================================
	// Workflow Errors
	// =========================================================================
	{
		pattern: "too many concurrent uploads",
		msg: UserMessage{
			Message: "System is busy processing other files",
			Action:  "Please wait a moment and try again",
			Code:    "UPL002",
		},
	},
	{
		pattern: "session not found",
		msg: UserMessage{
			Message: "Workflow session not found",
			Action:  "Reload the page and select your file again",
			Code:    "UPL003",
		},
	},
	{
		pattern: "workflow closed",
		msg: UserMessage{
			Message: "Workflow session not found",
			Action:  "Reload the page and select your file again",
			Code:    "UPL003",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "UPL004",
		},
	},

	// =========================================================================
	// Artifact Errors
	// =========================================================================
	{
		pattern: "artifact not found",
		msg: UserMessage{
			Message: "The generated document is no longer available",
			Action:  "Analyze the file again to regenerate it",
			Code:    "ART001",
		},
	},

	// =========================================================================
	// Rate Limiting
	// =========================================================================
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
// Example:
//
//	_, err := NewValidator("").Validate(SourceFile{MediaType: "application/pdf"})
//	msg := MapError(err)
//	// msg.Code == "FILE002"
//	// msg.Message == "Upload error: Please select only CSV file."
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var info *ErrorInfo
	if errors.As(err, &info) {
		if msg, ok := kindMessages[info.Kind]; ok {
			msg.Message = info.Message
			return msg
		}
	}

	errStr := strings.ToLower(err.Error())

	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than
// the generic ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
