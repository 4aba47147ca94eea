// File: rest/parse.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Request framing and parsing. The HTTP grammar itself is net/http's.

package rest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/momentics/hioload-rest/api"
)

// Limit names carried in the "limit" context of api.ErrRequestTooLarge.
const (
	LimitHeader = "header"
	LimitBody   = "body"
)

// maxChunkLine bounds a chunk-size line, extensions included.
const maxChunkLine = 4096

var (
	headerEnd = []byte("\r\n\r\n")
	crlf      = []byte("\r\n")
)

func tooLarge(limit string, max int) error {
	return api.ErrRequestTooLarge.WithContext("limit", limit).WithContext("max", max)
}

// LimitOf returns which size restriction err reports, or "".
func LimitOf(err error) string {
	var e *api.Error
	if errors.As(err, &e) && e.Code == api.ErrCodeRequestTooLarge {
		if s, ok := e.Context["limit"].(string); ok {
			return s
		}
	}
	return ""
}

// Frame reports the length of the first complete request in buf, or 0 if
// more bytes are needed. Size restrictions are enforced on the partial
// input, before the request is assembled.
func (f *HandlerFactory) Frame(buf []byte) (int, error) {
	end := bytes.Index(buf, headerEnd)
	if end < 0 {
		if f.maxHeader > 0 && len(buf) > f.maxHeader {
			return 0, tooLarge(LimitHeader, f.maxHeader)
		}
		return 0, nil
	}
	head := end + len(headerEnd)
	if f.maxHeader > 0 && head > f.maxHeader {
		return 0, tooLarge(LimitHeader, f.maxHeader)
	}

	hdr, err := readHeader(buf[:head])
	if err != nil {
		return 0, api.ErrMalformedRequest.Wrap(err)
	}

	if te := hdr.Get("Transfer-Encoding"); te != "" {
		if !strings.EqualFold(te, "chunked") {
			return 0, api.ErrMalformedRequest.WithContext("transfer-encoding", te)
		}
		return f.frameChunked(buf, head)
	}

	length := 0
	if cl := hdr.Get("Content-Length"); cl != "" {
		length, err = strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || length < 0 {
			return 0, api.ErrMalformedRequest.WithContext("content-length", cl)
		}
	}
	if f.maxBody > 0 && length > f.maxBody {
		return 0, tooLarge(LimitBody, f.maxBody)
	}
	if len(buf) < head+length {
		return 0, nil
	}
	return head + length, nil
}

// frameChunked walks the chunks of a body starting at off and then the
// trailer section. The body limit applies to the decoded size.
func (f *HandlerFactory) frameChunked(buf []byte, off int) (int, error) {
	total := 0
	for {
		line, next, ok := nextLine(buf, off)
		if !ok {
			if len(buf)-off > maxChunkLine {
				return 0, api.ErrMalformedRequest.WithContext("chunk", "size line too long")
			}
			return 0, nil
		}
		size, err := chunkSize(line)
		if err != nil {
			return 0, api.ErrMalformedRequest.Wrap(err)
		}
		if size == 0 {
			off = next
			break
		}
		if f.maxBody > 0 && size > f.maxBody-total {
			return 0, tooLarge(LimitBody, f.maxBody)
		}
		if size > len(buf) {
			return 0, nil
		}
		total += size
		end := next + size + len(crlf)
		if len(buf) < end {
			return 0, nil
		}
		if !bytes.Equal(buf[end-len(crlf):end], crlf) {
			return 0, api.ErrMalformedRequest.WithContext("chunk", "missing CRLF after data")
		}
		off = end
	}

	trailers := off
	for {
		line, next, ok := nextLine(buf, off)
		if !ok {
			if f.maxHeader > 0 && len(buf)-trailers > f.maxHeader {
				return 0, tooLarge(LimitHeader, f.maxHeader)
			}
			return 0, nil
		}
		off = next
		if len(line) == 0 {
			return off, nil
		}
	}
}

// nextLine returns the line starting at off without its CRLF and the offset
// after it.
func nextLine(buf []byte, off int) (line []byte, next int, ok bool) {
	i := bytes.Index(buf[off:], crlf)
	if i < 0 {
		return nil, 0, false
	}
	return buf[off : off+i], off + i + len(crlf), true
}

func chunkSize(line []byte) (int, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimRight(line, " \t")
	n, err := strconv.ParseUint(string(line), 16, strconv.IntSize-1)
	if err != nil {
		return 0, fmt.Errorf("bad chunk size %q: %w", line, err)
	}
	return int(n), nil
}

func readHeader(head []byte) (textproto.MIMEHeader, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	line, err := r.ReadLine()
	if err != nil {
		return nil, err
	}
	if strings.Count(line, " ") < 2 {
		return nil, fmt.Errorf("malformed request line %q", line)
	}
	return r.ReadMIMEHeader()
}

// CreateRequest parses one complete request from data. Malformed input is
// reported as api.ErrMalformedRequest, oversize input as
// api.ErrRequestTooLarge.
func (f *HandlerFactory) CreateRequest(data []byte) (*Request, error) {
	if f.maxHeader > 0 {
		end := bytes.Index(data, headerEnd)
		if (end < 0 && len(data) > f.maxHeader) || end+len(headerEnd) > f.maxHeader {
			return nil, tooLarge(LimitHeader, f.maxHeader)
		}
	}
	hr, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, api.ErrMalformedRequest.Wrap(err)
	}
	defer hr.Body.Close()

	var body io.Reader = hr.Body
	if f.maxBody > 0 {
		body = io.LimitReader(hr.Body, int64(f.maxBody)+1)
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, api.ErrMalformedRequest.Wrap(err)
	}
	if f.maxBody > 0 && len(b) > f.maxBody {
		return nil, tooLarge(LimitBody, f.maxBody)
	}
	return &Request{
		ID:       uuid.NewString(),
		HTTP:     hr,
		Body:     b,
		Received: time.Now(),
	}, nil
}
