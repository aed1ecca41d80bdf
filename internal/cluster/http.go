package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dreamware/conveyor/internal/task"
)

// Client is a small request/reply helper bound to one serialization format.
// Each component constructs its own Client (with its own timeout) so a
// stalled peer never blocks unrelated traffic through a shared transport.
type Client struct {
	hc     *http.Client
	format task.Format
}

// NewClient returns a Client encoding bodies in the given format. The
// timeout bounds each whole request; per-call contexts may tighten it
// further.
func NewClient(format task.Format, timeout time.Duration) *Client {
	return &Client{
		hc:     &http.Client{Timeout: timeout},
		format: format,
	}
}

// Post sends in as the request body and, when out is non-nil, decodes the
// response body into it. Non-2xx responses decode the ErrorResponse body
// (when present) into the returned error.
func (c *Client) Post(ctx context.Context, url string, in, out any) error {
	body, err := task.Marshal(in, c.format)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", c.format.ContentType())
	return c.do(req, out)
}

// Get performs a GET and decodes the response body into out.
func (c *Client) Get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", c.format.ContentType())
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", req.URL, err)
	}

	if resp.StatusCode >= 300 {
		serr := &StatusError{URL: req.URL.String(), Status: resp.StatusCode}
		var e ErrorResponse
		if uerr := task.Unmarshal(data, FormatOf(resp.Header), &e); uerr == nil && e.Error != "" {
			serr.Message = e.Error
		}
		return serr
	}
	if out == nil {
		return nil
	}
	return task.Unmarshal(data, FormatOf(resp.Header), out)
}

// StatusError is returned for non-2xx responses, carrying the status code
// and the peer's ErrorResponse message when one was decodable.
type StatusError struct {
	URL     string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %s: %d: %s", e.URL, e.Status, e.Message)
	}
	return fmt.Sprintf("http %s: %d", e.URL, e.Status)
}

// FormatOf resolves the serialization format of a message from its headers.
func FormatOf(h http.Header) task.Format {
	return task.FormatForContentType(h.Get("Content-Type"))
}

// ReadMsg decodes a request body into v using the request's Content-Type.
func ReadMsg(r *http.Request, v any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	return task.Unmarshal(data, FormatOf(r.Header), v)
}

// WriteMsg encodes v in the given format and writes it with the status code.
func WriteMsg(w http.ResponseWriter, f task.Format, status int, v any) {
	data, err := task.Marshal(v, f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", f.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// WriteError writes an ErrorResponse body with the status code.
func WriteError(w http.ResponseWriter, f task.Format, status int, err error) {
	WriteMsg(w, f, status, ErrorResponse{Error: err.Error()})
}

// OffsetAddr resolves the listener address at base+offset, implementing the
// port convention: 0-3 per-priority submit, 4 results, 5 executor
// management.
func OffsetAddr(base string, offset int) (string, error) {
	host, portStr, err := net.SplitHostPort(base)
	if err != nil {
		return "", fmt.Errorf("invalid base address %q: %w", base, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid base port %q: %w", portStr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+offset)), nil
}

// URL builds the http URL for a path on the listener at base+offset.
func URL(base string, offset int, path string) (string, error) {
	addr, err := OffsetAddr(base, offset)
	if err != nil {
		return "", err
	}
	return "http://" + addr + path, nil
}
