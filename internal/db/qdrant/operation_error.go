package qdrant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"agentdesk/internal/domain/port"
)

type OperationErrorCode string

const (
	OperationErrorValidation      OperationErrorCode = "validation_failed"
	OperationErrorEncodeFailed    OperationErrorCode = "encode_failed"
	OperationErrorDecodeFailed    OperationErrorCode = "decode_failed"
	OperationErrorTransportFailed OperationErrorCode = "transport_failed"
	OperationErrorTimeout         OperationErrorCode = "timeout"
	OperationErrorQueryFailed     OperationErrorCode = "query_failed"
)

type OperationError struct {
	Code       OperationErrorCode
	Operation  string
	StatusCode int
	Message    string
	Cause      error
}

func (e *OperationError) Error() string {
	if e == nil {
		return "qdrant operation failed"
	}
	if e.Message != "" {
		return fmt.Sprintf("qdrant operation failed (op=%s code=%s status=%d): %s", e.Operation, e.Code, e.StatusCode, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("qdrant operation failed (op=%s code=%s status=%d): %v", e.Operation, e.Code, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("qdrant operation failed (op=%s code=%s status=%d)", e.Operation, e.Code, e.StatusCode)
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NotFound 集合不存在
func (e *OperationError) NotFound() bool {
	return e != nil && e.StatusCode == http.StatusNotFound
}

func opErr(op string, code OperationErrorCode, msg string, cause error) error {
	return &OperationError{Code: code, Operation: op, Message: msg, Cause: cause}
}

func classifyHTTPCallError(op, message string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

// toPortError 把 OperationError 映射到错误分类
func toPortError(err error) error {
	var oe *OperationError
	if !errors.As(err, &oe) {
		return err
	}
	op := "qdrant." + oe.Operation
	switch oe.Code {
	case OperationErrorTimeout, OperationErrorTransportFailed:
		return port.Transient(op, err)
	case OperationErrorValidation, OperationErrorEncodeFailed:
		return port.DataError(op, err)
	case OperationErrorDecodeFailed:
		return port.Transient(op, err)
	}
	switch {
	case oe.StatusCode == http.StatusTooManyRequests, oe.StatusCode >= 500, oe.StatusCode == 0:
		return port.Transient(op, err)
	case oe.StatusCode == http.StatusUnauthorized, oe.StatusCode == http.StatusForbidden:
		return port.ConfigError(op, err)
	case oe.StatusCode == http.StatusNotFound:
		return port.NotFoundError(op, err)
	default:
		return port.DataError(op, err)
	}
}
