// File: rest/response.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package rest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// Response is the result produced by a handler.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse creates an empty response with the given status code.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

// TextResponse creates a text/plain response.
func TextResponse(status int, body string) *Response {
	r := NewResponse(status)
	r.Header.Set("Content-Type", "text/plain; charset=utf-8")
	r.Body = []byte(body)
	return r
}

// JSONResponse encodes v as the response body.
func JSONResponse(status int, v any) (*Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	r := NewResponse(status)
	r.Header.Set("Content-Type", "application/json")
	r.Body = b
	return r, nil
}

// ErrorResponse is the canned response for a status code.
func ErrorResponse(status int) *Response {
	return TextResponse(status, http.StatusText(status)+"\n")
}

// Encode serialises the response as HTTP/1.1. keepAlive selects the
// Connection header.
func (r *Response) Encode(keepAlive bool) ([]byte, error) {
	hdr := r.Header.Clone()
	if hdr == nil {
		hdr = make(http.Header)
	}
	if keepAlive {
		hdr.Set("Connection", "keep-alive")
	} else {
		hdr.Set("Connection", "close")
	}
	resp := &http.Response{
		StatusCode:    r.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        hdr,
		ContentLength: int64(len(r.Body)),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
	}
	var buf bytes.Buffer
	if err := resp.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
