package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies task failures for the control plane.
type ErrorCode string

const (
	CodeDownloadError   ErrorCode = "DOWNLOAD_ERROR"
	CodeConvertError    ErrorCode = "CONVERT_ERROR"
	CodeUploadError     ErrorCode = "UPLOAD_ERROR"
	CodeConfigError     ErrorCode = "CONFIG_ERROR"
	CodeUnexpectedError ErrorCode = "UNEXPECTED_ERROR"
)

// TempFiles records scratch paths attached to a failure report.
type TempFiles struct {
	DownloadPath  string `json:"downloadPath,omitempty"`
	TranscodePath string `json:"transcodePath,omitempty"`
}

// TaskError is the coded failure shape reported to the control plane via
// /runner/:taskId/fail. It implements error and supports errors.As.
type TaskError struct {
	Code      ErrorCode  `json:"code"`
	Message   string     `json:"message"`
	Command   string     `json:"command,omitempty"`
	Path      string     `json:"path,omitempty"`
	TempFiles *TempFiles `json:"tempFiles,omitempty"`

	cause error
}

// NewTaskError wraps err under the given code.
func NewTaskError(code ErrorCode, err error) *TaskError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &TaskError{Code: code, Message: msg, cause: err}
}

// TaskErrorf builds a coded error from a format string.
func TaskErrorf(code ErrorCode, format string, args ...interface{}) *TaskError {
	return &TaskError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *TaskError) Unwrap() error {
	return e.cause
}

// AsTaskError returns the TaskError in err's chain, or wraps err as
// UNEXPECTED_ERROR so every failure reaching the control plane is coded.
func AsTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return NewTaskError(CodeUnexpectedError, err)
}
