package parity

import (
	"fmt"
	"net/url"
	"strings"
)

// Transport identifies how an operation travels.
type Transport string

const (
	// TransportHTTP sends the operation as a plain request/response call.
	TransportHTTP Transport = "http"
	// TransportMCP sends the operation through a tool-call function.
	TransportMCP Transport = "mcp"
)

// Operation is the caller-supplied template for an operation. It is loaded
// from a catalog or built inline.
type Operation struct {
	OperationID                   string   `json:"operationId" yaml:"operationId"`
	Method                        string   `json:"method,omitempty" yaml:"method,omitempty"`
	Path                          string   `json:"path,omitempty" yaml:"path,omitempty"`
	ToolName                      string   `json:"toolName,omitempty" yaml:"toolName,omitempty"`
	Description                   string   `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredFields                []string `json:"requiredFields,omitempty" yaml:"requiredFields,omitempty"`
	SHA256Fields                  []string `json:"sha256Fields,omitempty" yaml:"sha256Fields,omitempty"`
	IdempotencyRequired           *bool    `json:"idempotencyRequired,omitempty" yaml:"idempotencyRequired,omitempty"`
	ExpectedPrevChainHashRequired bool     `json:"expectedPrevChainHashRequired,omitempty" yaml:"expectedPrevChainHashRequired,omitempty"`
}

// Descriptor is a resolved, immutable operation bound to one transport.
type Descriptor struct {
	Transport                     Transport
	OperationID                   string
	Method                        string
	Path                          string
	ToolName                      string
	RequiredFields                []string
	SHA256Fields                  []string
	IdempotencyRequired           bool
	ExpectedPrevChainHashRequired bool
}

// OperationInvalidError reports a malformed operation template.
type OperationInvalidError struct {
	Message string
}

func (e *OperationInvalidError) Error() string { return e.Message }

// Resolve normalizes op for transport. IdempotencyRequired defaults to true.
func Resolve(op Operation, transport Transport) (Descriptor, error) {
	operationID := strings.TrimSpace(op.OperationID)
	if operationID == "" {
		return Descriptor{}, &OperationInvalidError{Message: "operation.operationId is required"}
	}

	d := Descriptor{
		Transport:                     transport,
		OperationID:                   operationID,
		RequiredFields:                append([]string(nil), op.RequiredFields...),
		SHA256Fields:                  append([]string(nil), op.SHA256Fields...),
		IdempotencyRequired:           op.IdempotencyRequired == nil || *op.IdempotencyRequired,
		ExpectedPrevChainHashRequired: op.ExpectedPrevChainHashRequired,
	}

	switch transport {
	case TransportHTTP:
		method := strings.TrimSpace(op.Method)
		path := strings.TrimSpace(op.Path)
		if method == "" {
			return Descriptor{}, &OperationInvalidError{Message: "operation.method is required for http parity adapter"}
		}
		if path == "" || !strings.HasPrefix(path, "/") {
			return Descriptor{}, &OperationInvalidError{Message: "operation.path is required for http parity adapter"}
		}
		d.Method = strings.ToUpper(method)
		d.Path = path
	case TransportMCP:
		toolName := strings.TrimSpace(op.ToolName)
		if toolName == "" {
			return Descriptor{}, &OperationInvalidError{Message: "operation.toolName is required for mcp parity adapter"}
		}
		d.ToolName = toolName
	default:
		return Descriptor{}, &OperationInvalidError{Message: fmt.Sprintf("unknown transport %q", transport)}
	}
	return d, nil
}

// ExpandPath fills {name} placeholders from params, path-escaping each value.
func (d Descriptor) ExpandPath(params map[string]string) (string, error) {
	if !strings.Contains(d.Path, "{") {
		return d.Path, nil
	}
	var b strings.Builder
	rest := d.Path
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", &OperationInvalidError{Message: "operation.path has an unterminated placeholder"}
		}
		name := rest[open+1 : open+end]
		value := strings.TrimSpace(params[name])
		if value == "" {
			return "", &OperationInvalidError{Message: fmt.Sprintf("path parameter %s is required", name)}
		}
		b.WriteString(rest[:open])
		b.WriteString(url.PathEscape(value))
		rest = rest[open+end+1:]
	}
}
