package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrDenied            = NewErr("DENIED", "access denied", http.StatusForbidden)
	ErrPathRequired      = NewErr("PATH_REQUIRED", "no file specified", http.StatusBadRequest)
	ErrPasteNotFound     = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrStoreUnavailable  = NewErr("STORE_UNAVAILABLE", "paste store unavailable", http.StatusServiceUnavailable)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}
func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// asErr finds a *Err either directly, at the root of a pkg/errors chain, or
// anywhere in a %w chain.
func asErr(err error) (*Err, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
