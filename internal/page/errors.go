package page

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/agentxen/api/schemas"
)

// ElementNotFoundError is returned when a selector matches nothing.
type ElementNotFoundError struct {
	Selector string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("Element not found: %s", e.Selector)
}

// UnknownActionTypeError is returned for action types outside the vocabulary.
type UnknownActionTypeError struct {
	Type schemas.ActionType
}

func (e *UnknownActionTypeError) Error() string {
	return fmt.Sprintf("Unknown action type: %s", e.Type)
}

// ErrorCodeOf classifies an executor error for wire reporting.
func ErrorCodeOf(err error) schemas.ErrorCode {
	var notFound *ElementNotFoundError
	var unknown *UnknownActionTypeError
	switch {
	case errors.As(err, &notFound):
		return schemas.ErrCodeElementNotFound
	case errors.As(err, &unknown):
		return schemas.ErrCodeUnknownAction
	default:
		return schemas.ErrCodeExecutionFailure
	}
}

// FailureResponse converts an error into a failed TabResponse.
func FailureResponse(err error) schemas.TabResponse {
	resp := schemas.TabResponse{
		Success:   false,
		Error:     err.Error(),
		ErrorCode: ErrorCodeOf(err),
	}
	var notFound *ElementNotFoundError
	if errors.As(err, &notFound) {
		resp.Selector = notFound.Selector
	}
	return resp
}
