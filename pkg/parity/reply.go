package parity

import (
	"fmt"
	"strings"
)

// Reply is what a binding returns for one attempt. It is a closed union of
// *HTTPReply and *RPCReply; each variant normalizes itself.
type Reply interface {
	normalize(req *Request) (*envelope, *Error)
}

// envelope is a normalized successful reply.
type envelope struct {
	Status    int
	RequestID string
	Body      any
	Headers   map[string]string
}

// HTTPReply is a single HTTP response. A status of 400 or above is a
// business rejection, described by Code, Message and Details.
type HTTPReply struct {
	Status    int
	RequestID string
	Body      any
	Headers   map[string]string
	Code      string
	Message   string
	Details   any
}

func (r *HTTPReply) normalize(req *Request) (*envelope, *Error) {
	headers := lowerHeaders(r.Headers)
	requestID := firstNonBlank(r.RequestID, headers["x-request-id"])
	if r.Status < 100 || r.Status > 599 {
		return nil, &Error{
			Status:    502,
			Kind:      KindResponseInvalid,
			Message:   "transport response missing valid status",
			RequestID: firstNonBlank(requestID, req.RequestID),
		}
	}
	if r.Status >= 400 {
		return nil, &Error{
			Status:    r.Status,
			Kind:      KindRequestRejected,
			Code:      strings.TrimSpace(r.Code),
			Message:   firstNonBlank(r.Message, fmt.Sprintf("request failed (%d)", r.Status)),
			Details:   r.Details,
			RequestID: firstNonBlank(requestID, req.RequestID),
		}
	}
	return &envelope{Status: r.Status, RequestID: requestID, Body: r.Body, Headers: headers}, nil
}

// RPCError is the error sub-object of a tool-call reply.
type RPCError struct {
	Status  *int   `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Details any    `json:"details,omitempty"`
}

// RPCReply is the raw result of a tool call. The body is taken from Body,
// then Result, then Data.
type RPCReply struct {
	OK        *bool             `json:"ok,omitempty"`
	Status    *int              `json:"status,omitempty"`
	Error     *RPCError         `json:"error,omitempty"`
	Body      any               `json:"body,omitempty"`
	Result    any               `json:"result,omitempty"`
	Data      any               `json:"data,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message,omitempty"`
	Details   any               `json:"details,omitempty"`
}

func (r *RPCReply) normalize(req *Request) (*envelope, *Error) {
	headers := lowerHeaders(r.Headers)
	requestID := firstNonBlank(r.RequestID, headers["x-request-id"], req.RequestID)
	failed := (r.OK != nil && !*r.OK) || r.Error != nil

	status := 200
	if failed {
		status = 500
	}
	if r.Status != nil {
		status = *r.Status
		if status < 100 || status > 599 {
			return nil, &Error{
				Status:    502,
				Kind:      KindResponseInvalid,
				Message:   "mcp response status must be a valid HTTP status integer",
				RequestID: requestID,
			}
		}
	}

	if failed || status >= 400 {
		errBody := r.Error
		if errBody == nil {
			errBody = &RPCError{}
		}
		if errBody.Status != nil && *errBody.Status >= 100 && *errBody.Status <= 599 {
			status = *errBody.Status
		}
		details := r.Details
		if details == nil {
			details = errBody.Details
		}
		return nil, &Error{
			Status:    status,
			Kind:      KindRequestRejected,
			Code:      firstNonBlank(r.Code, errBody.Code),
			Message:   firstNonBlank(r.Message, errBody.Message, errBody.Error, fmt.Sprintf("request failed (%d)", status)),
			Details:   details,
			RequestID: requestID,
		}
	}

	body := r.Body
	if body == nil {
		body = r.Result
	}
	if body == nil {
		body = r.Data
	}
	return &envelope{Status: status, RequestID: requestID, Body: body, Headers: headers}, nil
}

func lowerHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}
