package models

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

type APIResponse struct {
	Status  int
	Content interface{}
	Err     error
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiResponse struct {
	Status int         `json:"status"`
	Data   interface{} `json:"data"`
	Error  *apiError   `json:"error,omitempty"`
}

func (resp APIResponse) MarshalJSON() ([]byte, error) {
	out := apiResponse{
		Status: resp.Status,
		Data:   resp.Content,
	}
	if resp.Err != nil {
		out.Error = &apiError{
			Code:    Code(resp.Status),
			Message: resp.Err.Error(),
		}
	}
	return json.Marshal(out)
}

func (resp APIResponse) Render(w http.ResponseWriter, r *http.Request) error {
	w.WriteHeader(resp.Status)
	return nil
}

func OK(content interface{}) *APIResponse {
	return &APIResponse{Status: http.StatusOK, Content: content}
}

func Accepted(content interface{}) *APIResponse {
	return &APIResponse{Status: http.StatusAccepted, Content: content}
}

// Error maps err to the status carried by the first error in its chain that
// has one. Anything else is a 500.
func Error(err error) *APIResponse {
	return &APIResponse{Status: StatusOf(err), Err: err}
}

func BadRequest(err error) *APIResponse {
	return &APIResponse{Status: http.StatusBadRequest, Err: err}
}

func StatusOf(err error) int {
	var status interface{ Status() int }
	if errors.As(err, &status) {
		return status.Status()
	}
	return http.StatusInternalServerError
}

// Code is the snake cased status text, "not_found" for a 404.
func Code(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "unknown"
	}
	return strings.ToLower(strings.NewReplacer(" ", "_", "-", "_", "'", "").Replace(text))
}
