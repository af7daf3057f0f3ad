// Package qaerr defines the stable error kinds surfaced by the QA pipeline.
//
// Every component returns one of these kinds (possibly wrapped); the HTTP
// layer maps a kind to its client code, HTTP status, and the user-facing
// Korean message. Unknown errors collapse to KindInternal.
package qaerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure with a stable client code.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindSessionBusy
	KindSessionNotFound
	KindRetrievalUnavailable
	KindModelUnavailable
	KindCancelled
	KindTimeout
	KindInsufficientEvidence
	KindOverloaded
)

// Code returns the stable wire code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindSessionBusy:
		return "session_busy"
	case KindSessionNotFound:
		return "session_not_found"
	case KindRetrievalUnavailable:
		return "retrieval_unavailable"
	case KindModelUnavailable:
		return "model_unavailable"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	case KindInsufficientEvidence:
		return "insufficient_evidence"
	case KindOverloaded:
		return "overloaded"
	default:
		return "internal"
	}
}

// HTTPStatus returns the HTTP status for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindSessionBusy:
		return http.StatusConflict
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindRetrievalUnavailable, KindModelUnavailable:
		return http.StatusServiceUnavailable
	case KindCancelled:
		return 499 // client closed request
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindInsufficientEvidence:
		return http.StatusOK // success-shaped canonical answer
	case KindOverloaded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage returns the Korean message shown to end users.
func (k Kind) UserMessage() string {
	switch k {
	case KindInvalidInput:
		return "요청이 올바르지 않습니다."
	case KindSessionBusy:
		return "이전 질문을 처리하는 중입니다. 잠시 후 다시 시도해 주세요."
	case KindSessionNotFound:
		return "대화 세션을 찾을 수 없습니다."
	case KindRetrievalUnavailable:
		return "문서 검색 엔진에 연결할 수 없습니다."
	case KindModelUnavailable:
		return "답변 생성 모델에 연결할 수 없습니다."
	case KindCancelled:
		return "요청이 중단되었습니다."
	case KindTimeout:
		return "요청 처리 시간이 초과되었습니다."
	case KindInsufficientEvidence:
		return "제공된 문서에서 해당 정보를 찾을 수 없습니다."
	case KindOverloaded:
		return "현재 요청이 많아 처리할 수 없습니다. 잠시 후 다시 시도해 주세요."
	default:
		return "내부 오류가 발생했습니다."
	}
}

// Error carries a kind plus an operator-facing description.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind.Code(), e.Err)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Msg)
	}
	return e.Kind.Code()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var qe *Error
	return errors.As(err, &qe) && qe.Kind == kind
}
