// Package models defines the core data structures for IndicatorPipe.
//
// It includes the conversational memory records, the turn request/response
// envelopes, and the API response builder shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validation constants for input validation
const (
	// MaxInputLength defines the maximum allowed length of one user turn.
	MaxInputLength = 2048
	// MaxCandidates defines the maximum number of externally supplied candidate phrases.
	MaxCandidates = 20
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID   = errors.New("user_id is required")
	ErrEmptyInput    = errors.New("input is required")
	ErrInputTooLong  = errors.New("input exceeds maximum length")
	ErrInvalidIntent = errors.New("invalid intent")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// TurnRequest is one user turn submitted to the orchestrator.
// Candidates is nil when the caller did not pre-parse a candidate list.
type TurnRequest struct {
	UserID     string   `json:"user_id" validate:"required,max=128"`
	Input      string   `json:"input" validate:"required,max=2048"`
	Intent     Goal     `json:"intent,omitempty"`
	Candidates []string `json:"candidates,omitempty" validate:"omitempty,max=20,dive,required"`
}

// Validate checks the request and trims surrounding whitespace from the input.
func (r *TurnRequest) Validate() error {
	r.UserID = strings.TrimSpace(r.UserID)
	r.Input = strings.TrimSpace(r.Input)
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if r.Input == "" {
		return ErrEmptyInput
	}
	if len(r.Input) > MaxInputLength {
		return ErrInputTooLong
	}
	if r.Intent != GoalNone && !IsValidGoal(r.Intent) {
		return fmt.Errorf("%w: %q", ErrInvalidIntent, r.Intent)
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid turn request: %w", err)
	}
	return nil
}

// TurnResult is what every workflow returns through the turn epilogue.
type TurnResult struct {
	Reply      string         `json:"reply"`
	HumanReply string         `json:"human_reply"`
	Graph      map[string]any `json:"graph,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
