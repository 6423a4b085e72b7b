package service

import (
	"context"
	"errors"
	"fmt"
)

// Kind 是业务错误的类别，handler 据此映射到合适的 HTTP 状态码。
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindForbidden
	KindInvalidState
	KindInvalidOperation
	KindUnavailable
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidState:
		return "invalid_state"
	case KindInvalidOperation:
		return "invalid_operation"
	case KindUnavailable:
		return "unavailable"
	case KindUnauthorized:
		return "unauthorized"
	}
	return "unknown"
}

// Error 携带类别和可读原因；Err 保留底层错误（例如数据库错误）。
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrForbidden) 按类别匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrForbidden        = &Error{Kind: KindForbidden}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrInvalidOperation = &Error{Kind: KindInvalidOperation}
	ErrUnavailable      = &Error{Kind: KindUnavailable}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}

	// ErrInvalidCredentials 不区分用户不存在和验证码错误。
	ErrInvalidCredentials = &Error{Kind: KindUnauthorized, Reason: "invalid credentials"}
)

func notFound(reason string) error         { return &Error{Kind: KindNotFound, Reason: reason} }
func forbidden(reason string) error        { return &Error{Kind: KindForbidden, Reason: reason} }
func invalidState(reason string) error     { return &Error{Kind: KindInvalidState, Reason: reason} }
func invalidOperation(reason string) error { return &Error{Kind: KindInvalidOperation, Reason: reason} }

// storeErr 把数据库错误包装为 Unavailable，调用方可以重试；原始错误通过 Unwrap 保留。
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	reason := op
	if errors.Is(err, context.DeadlineExceeded) {
		reason = op + " timed out"
	}
	return &Error{Kind: KindUnavailable, Reason: reason, Err: err}
}

// KindOf 返回 err 的类别；非业务错误返回 0。
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// ReasonOf 返回面向用户的原因文本。
func ReasonOf(err error) string {
	var se *Error
	if errors.As(err, &se) && se.Reason != "" {
		return se.Reason
	}
	return "internal error"
}
