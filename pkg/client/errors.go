package client

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrBatchTooLarge is returned when more than MaxBatchCommands
	// commands are submitted as a single batch round-trip.
	ErrBatchTooLarge = errors.New("batch exceeds command limit")

	// ErrEmptyMethod is returned when a call is attempted without a
	// method name.
	ErrEmptyMethod = errors.New("method name is empty")

	// ErrDuplicateKey is returned when two batch commands share a key.
	ErrDuplicateKey = errors.New("duplicate batch command key")
)

// ErrorClass groups errors for logging and metrics.
type ErrorClass string

const (
	// ErrorClassAuth covers authentication and authorization failures.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassLimit covers request rate and operating budget rejections.
	ErrorClassLimit ErrorClass = "limit"

	// ErrorClassClient covers invalid requests (unknown method, bad params).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer covers portal-side failures.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork covers transport failures before an envelope
	// was decoded.
	ErrorClassNetwork ErrorClass = "network"
)

// APIError is an error reported by the portal inside a response envelope.
type APIError struct {
	// Method is the REST method that produced the error, when known.
	Method string

	// Code is the platform error code, e.g. QUERY_LIMIT_EXCEEDED.
	Code string

	// Description is the human-readable error text.
	Description string

	// StatusCode is the HTTP status of the response, when known.
	StatusCode int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	switch {
	case e.Method != "" && e.Description != "":
		return fmt.Sprintf("%s: %s (%s)", e.Method, e.Code, e.Description)
	case e.Description != "":
		return fmt.Sprintf("%s (%s)", e.Code, e.Description)
	case e.Method != "":
		return fmt.Sprintf("%s: %s", e.Method, e.Code)
	default:
		return e.Code
	}
}

// Class returns the classification of the platform error code.
func (e *APIError) Class() ErrorClass {
	return classifyCode(e.Code, e.StatusCode)
}

// classifyCode maps a platform error code and HTTP status to a class.
func classifyCode(code string, statusCode int) ErrorClass {
	switch strings.ToUpper(code) {
	case "EXPIRED_TOKEN", "INVALID_TOKEN", "INVALID_GRANT", "NO_AUTH_FOUND",
		"INVALID_CREDENTIALS", "AUTHORIZATION_ERROR", "ACCESS_DENIED",
		"INSUFFICIENT_SCOPE", "USER_ACCESS_ERROR":
		return ErrorClassAuth
	case "QUERY_LIMIT_EXCEEDED", "OPERATION_TIME_LIMIT", "OVERLOAD_LIMIT":
		return ErrorClassLimit
	case "INTERNAL_SERVER_ERROR":
		return ErrorClassServer
	}

	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrorClassAuth
	case statusCode == 429:
		return ErrorClassLimit
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}
