package port

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类，决定是否重试
type ErrorKind string

const (
	KindTransient     ErrorKind = "transient"
	KindData          ErrorKind = "data"
	KindConfiguration ErrorKind = "configuration"
	KindNotFound      ErrorKind = "not_found"
)

// Error 带分类的错误
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) error     { return newError(KindTransient, op, err) }
func DataError(op string, err error) error     { return newError(KindData, op, err) }
func ConfigError(op string, err error) error   { return newError(KindConfiguration, op, err) }
func NotFoundError(op string, err error) error { return newError(KindNotFound, op, err) }

// Classify 返回错误分类。未分类错误按瞬时错误处理（多为网络抖动）。
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if errors.Is(err, ErrObjectNotFound) {
		return KindNotFound
	}
	return KindTransient
}

// Retryable 仅瞬时错误可重试
func Retryable(err error) bool {
	return err != nil && Classify(err) == KindTransient
}
