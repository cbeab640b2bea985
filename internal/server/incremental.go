package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/hanpama/fedgraph/internal/respath"
	"github.com/hanpama/fedgraph/internal/response"
)

// MultipartContentType is the response type of incremental delivery.
const MultipartContentType = `multipart/mixed; boundary="-"; deferSpec=20220824`

const (
	partHeader = "\r\ncontent-type: application/json; charset=utf-8\r\n\r\n"
	delimiter  = "\r\n---"
	terminator = "--\r\n"
)

// abortError is the client-visible form of an aborted evaluation.
func abortError(err error) response.Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return response.NewError("request timed out", response.CodeInternalServerError, nil)
	case errors.Is(err, context.Canceled):
		return response.NewError("request canceled", response.CodeInternalServerError, nil)
	}
	return response.NewError("internal server error", response.CodeInternalServerError, nil)
}

// collector folds a payload stream into one response: incremental data is
// merged at its path and errors are concatenated. Payload data is copied
// since the interpreter keeps reading delivered trees.
type collector struct {
	data   any
	errs   []response.Error
	n      int
	failed bool
}

func (c *collector) Send(p response.Payload) error {
	if c.n == 0 {
		c.data = respath.Clone(p.Data)
	} else if p.Data != nil {
		c.data = respath.InsertAt(c.data, p.Path, respath.Clone(p.Data))
	}
	c.n++
	c.errs = append(c.errs, p.Errors...)
	return nil
}

func (c *collector) fail(err error) {
	c.failed = true
	c.errs = append(c.errs, abortError(err))
}

func (c *collector) result() response.Payload {
	return response.Payload{Data: c.data, Errors: c.errs}
}

// responder writes a single JSON response, or switches to multipart/mixed
// when the first payload announces more and the client accepts it.
type responder struct {
	w         http.ResponseWriter
	multipart bool
	pretty    bool

	streaming bool
	buf       collector
}

func newResponder(w http.ResponseWriter, multipart, pretty bool) *responder {
	return &responder{w: w, multipart: multipart, pretty: pretty}
}

func (r *responder) Send(p response.Payload) error {
	if !r.streaming && r.buf.n == 0 && r.multipart && p.HasNext != nil && *p.HasNext {
		r.streaming = true
		r.w.Header().Set("Content-Type", MultipartContentType)
		r.w.WriteHeader(http.StatusOK)
		if _, err := r.w.Write([]byte(delimiter)); err != nil {
			return err
		}
	}
	if !r.streaming {
		return r.buf.Send(p)
	}
	return r.part(p)
}

func (r *responder) part(p response.Payload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	for _, chunk := range [][]byte{[]byte(partHeader), b, []byte(delimiter)} {
		if _, err := r.w.Write(chunk); err != nil {
			return err
		}
	}
	if f, ok := r.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (r *responder) fail(err error) {
	if r.streaming {
		_ = r.part(response.Payload{Path: []any{}, Errors: []response.Error{abortError(err)}, HasNext: response.Bool(false)})
		return
	}
	r.buf.fail(err)
}

// finish completes the response and returns its status.
func (r *responder) finish() int {
	if r.streaming {
		_, _ = r.w.Write([]byte(terminator))
		return http.StatusOK
	}
	status := http.StatusOK
	if r.buf.failed && r.buf.n == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(r.w, status, r.buf.result(), r.pretty)
	return status
}
