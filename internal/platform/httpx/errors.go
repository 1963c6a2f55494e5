// Package httpx writes JSON and problem responses for the access API.
package httpx

import (
	"context"
	"errors"
	"net/http"
)

// Sentinels shared by the domain packages. Wrap them with fmt.Errorf to add
// detail; the wrapped message becomes the problem detail.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("access denied")
	ErrUnauthorized = errors.New("sign-in required")
	ErrUnavailable  = errors.New("authorization backend unavailable")
)

type problemKind struct {
	status int
	slug   string
	title  string
}

var problemKinds = []struct {
	err  error
	kind problemKind
}{
	{ErrNotFound, problemKind{http.StatusNotFound, "not-found", "Resource Not Found"}},
	{ErrDuplicate, problemKind{http.StatusConflict, "already-exists", "Already Exists"}},
	{ErrValidation, problemKind{http.StatusBadRequest, "invalid-request", "Invalid Request"}},
	{ErrForbidden, problemKind{http.StatusForbidden, "access-denied", "Access Denied"}},
	{ErrUnauthorized, problemKind{http.StatusUnauthorized, "sign-in-required", "Sign-in Required"}},
	{ErrUnavailable, problemKind{http.StatusServiceUnavailable, "authorization-unavailable", "Authorization Unavailable"}},
	{context.DeadlineExceeded, problemKind{http.StatusServiceUnavailable, "authorization-unavailable", "Authorization Unavailable"}},
}

// RespondError maps err to a problem response. Unmapped errors become a 500
// without detail so internal messages never reach the client.
func RespondError(w http.ResponseWriter, err error) {
	for _, p := range problemKinds {
		if errors.Is(err, p.err) {
			writeProblem(w, p.kind, err.Error())
			return
		}
	}
	writeProblem(w, problemKind{http.StatusInternalServerError, "internal", "Internal Error"}, "")
}

// StatusOf returns the status RespondError would write for err.
func StatusOf(err error) int {
	for _, p := range problemKinds {
		if errors.Is(err, p.err) {
			return p.kind.status
		}
	}
	return http.StatusInternalServerError
}
