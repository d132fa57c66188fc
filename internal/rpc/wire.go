// Package rpc carries scheduler ↔ scanner traffic over gRPC.
//
// Messages are google.protobuf.Struct values so no generated code is needed.
// A scanner request is
//
//	{"api": "/api/fetchSplits", "params": "<json>"}
//
// and every response is
//
//	{"status_code": 0, "error_msgs": [...], "response": "<json>"}
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/cdc-scheduler/internal/source"
)

// Scanner API paths.
const (
	APIFetchSplits  = "/api/fetchSplits"
	APIFetchRecords = "/api/fetchRecords"
	APIClosePrefix  = "/api/close/"
)

// StatusCode is the application-level result of a scanner call.
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusInternalError
	StatusNotFound // the job holds no scanner resources
	StatusNotStarted
	StatusInvalidArgument
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusNotStarted:
		return "NOT_STARTED"
	case StatusInvalidArgument:
		return "INVALID_ARGUMENT"
	}
	return fmt.Sprintf("STATUS(%d)", int(c))
}

// StatusError is a non-OK scanner response.
type StatusError struct {
	Code StatusCode
	Msgs []string
}

func (e *StatusError) Error() string {
	if len(e.Msgs) == 0 {
		return "scanner: " + e.Code.String()
	}
	return fmt.Sprintf("scanner: %s: %s", e.Code, strings.Join(e.Msgs, "; "))
}

// Unwrap maps well-known codes back onto the source package sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case StatusNotFound:
		return source.ErrScannerClosed
	case StatusNotStarted:
		return source.ErrScannerNotStarted
	}
	return nil
}

func statusFromError(err error) StatusCode {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, source.ErrScannerClosed):
		return StatusNotFound
	case errors.Is(err, source.ErrScannerNotStarted):
		return StatusNotStarted
	}
	return StatusInternalError
}

// ============================================================================
// Struct helpers
// ============================================================================

func newRequest(api string, params any) (*structpb.Struct, error) {
	fields := map[string]any{"api": api}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		fields["params"] = string(b)
	}
	return structpb.NewStruct(fields)
}

func newResponse(code StatusCode, msgs []string, body []byte) *structpb.Struct {
	list := make([]*structpb.Value, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, structpb.NewStringValue(m))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"status_code": structpb.NewNumberValue(float64(code)),
		"error_msgs":  structpb.NewListValue(&structpb.ListValue{Values: list}),
		"response":    structpb.NewStringValue(string(body)),
	}}
}

func errorResponse(err error) *structpb.Struct {
	return newResponse(statusFromError(err), []string{err.Error()}, nil)
}

// parseResponse returns the response body or a *StatusError.
func parseResponse(s *structpb.Struct) ([]byte, error) {
	if s == nil {
		return nil, &StatusError{Code: StatusInternalError, Msgs: []string{"empty response"}}
	}
	f := s.GetFields()
	code := StatusCode(f["status_code"].GetNumberValue())
	if code != StatusOK {
		var msgs []string
		for _, v := range f["error_msgs"].GetListValue().GetValues() {
			msgs = append(msgs, v.GetStringValue())
		}
		return nil, &StatusError{Code: code, Msgs: msgs}
	}
	return []byte(f["response"].GetStringValue()), nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}
