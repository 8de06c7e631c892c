package api

import (
	"net/http"

	"github.com/go-chi/render"
)

// ErrResponse is the JSON body of every failed request.
type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText string `json:"status"`
	ErrorText  string `json:"error,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errWithStatus(code int, err error) render.Renderer {
	resp := &ErrResponse{Err: err, HTTPStatusCode: code, StatusText: http.StatusText(code)}
	if err != nil {
		resp.ErrorText = err.Error()
	}
	return resp
}

func ErrInvalidRequest(err error) render.Renderer { return errWithStatus(http.StatusBadRequest, err) }

func ErrUnavailable(err error) render.Renderer {
	return errWithStatus(http.StatusServiceUnavailable, err)
}

func ErrInternal(err error) render.Renderer { return errWithStatus(http.StatusInternalServerError, err) }

var ErrNotFound = &ErrResponse{HTTPStatusCode: http.StatusNotFound, StatusText: "Resource not found."}
