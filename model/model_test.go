package model

import (
	"errors"
	"testing"
)

func TestWrapErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		msg    string
		want   error
	}{
		{"429 status", 429, "too many requests", ErrRateLimited},
		{"401 status", 401, "nope", ErrAuth},
		{"403 status", 403, "forbidden", ErrAuth},
		{"400 status", 400, "bad", ErrBadRequest},
		{"422 status", 422, "unprocessable", ErrBadRequest},
		{"500 status", 500, "boom", ErrServer},
		{"503 status", 503, "unavailable", ErrServer},
		{"rate limit text", 0, "Rate limit exceeded for model", ErrRateLimited},
		{"overloaded text", 0, "the engine is Overloaded", ErrRateLimited},
		{"quota text", 0, "monthly quota reached", ErrRateLimited},
		{"api key text", 0, "invalid API key provided", ErrAuth},
		{"invalid request text", 0, "Invalid request: unknown field", ErrBadRequest},
		{"unknown defaults to server", 0, "something strange", ErrServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WrapError("test", tt.status, errors.New(tt.msg))
			if !errors.Is(err, tt.want) {
				t.Errorf("WrapError(%d, %q) = %v, want class %v", tt.status, tt.msg, err, tt.want)
			}
		})
	}
}

func TestWrapErrorNil(t *testing.T) {
	if err := WrapError("test", 500, nil); err != nil {
		t.Errorf("WrapError(nil) = %v, want nil", err)
	}
}

func TestErrorPredicates(t *testing.T) {
	if !IsRateLimited(WrapError("p", 429, errors.New("x"))) {
		t.Error("IsRateLimited must match a wrapped 429")
	}
	if !IsAuth(WrapError("p", 401, errors.New("x"))) {
		t.Error("IsAuth must match a wrapped 401")
	}
	if !IsBadRequest(WrapError("p", 400, errors.New("x"))) {
		t.Error("IsBadRequest must match a wrapped 400")
	}
	if IsRateLimited(errors.New("plain")) {
		t.Error("plain errors are not rate limits")
	}
}
