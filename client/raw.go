package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/YuriyNasretdinov/kladovka/protocol"
)

var (
	// ErrNotFound is returned when the peer does not have the requested file.
	ErrNotFound = errors.New("file not found on peer")
	// ErrExists is returned when the peer refused a write because the name is taken.
	ErrExists = errors.New("file already exists on peer")
)

// StatusError is returned for every unexpected HTTP status code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http code %d, %s", e.Code, e.Body)
}

// Raw is an HTTP client that speaks the peer-to-peer protocol of a
// storage node. Every method accepts the base address of the node,
// e.g. "http://10.0.0.2:8080".
type Raw struct {
	Logger *log.Logger

	debug bool
	cl    *http.Client
}

// NewRaw creates a Raw client instance
func NewRaw(cl *http.Client) *Raw {
	if cl == nil {
		cl = &http.Client{}
	}

	return &Raw{
		cl: cl,
	}
}

// SetDebug either enables or disables debug logging for the client.
func (r *Raw) SetDebug(v bool) {
	r.debug = v
}

func (r *Raw) logger() *log.Logger {
	if r.Logger == nil {
		return log.Default()
	}

	return r.Logger
}

func (r *Raw) do(req *http.Request) (*http.Response, error) {
	resp, err := r.cl.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode/100 == 2 {
		return resp, nil
	}

	defer resp.Body.Close()

	var b bytes.Buffer
	io.Copy(&b, io.LimitReader(resp.Body, 4096))

	return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(b.String())}
}

func (r *Raw) getJSON(ctx context.Context, addr, path string, res interface{}) error {
	getURL := addr + path

	req, err := http.NewRequestWithContext(ctx, "GET", getURL, nil)
	if err != nil {
		return fmt.Errorf("creating new http request: %w", err)
	}

	resp, err := r.do(req)
	if err != nil {
		return fmt.Errorf("GET %q: %w", getURL, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
		return fmt.Errorf("decoding response of %q: %w", getURL, err)
	}

	if r.debug {
		r.logger().Printf("GET %s returned %+v", getURL, res)
	}

	return nil
}

// Capacity returns the advertised capacity of the node in megabytes.
func (r *Raw) Capacity(ctx context.Context, addr string) (float64, error) {
	var res protocol.CapacityResponse
	if err := r.getJSON(ctx, addr, "/capacity", &res); err != nil {
		return 0, err
	}
	return res.Capacity, nil
}

// Usage returns the amount of megabytes stored on the node itself.
func (r *Raw) Usage(ctx context.Context, addr string) (float64, error) {
	var res protocol.UsageResponse
	if err := r.getJSON(ctx, addr, "/usage", &res); err != nil {
		return 0, err
	}
	return res.Usage, nil
}

// Total returns the group-wide totals as seen by the node.
func (r *Raw) Total(ctx context.Context, addr string) (protocol.TotalResponse, error) {
	var res protocol.TotalResponse
	err := r.getJSON(ctx, addr, "/total", &res)
	return res, err
}

// List returns the files stored on the node.
func (r *Raw) List(ctx context.Context, addr string) ([]protocol.FileInfo, error) {
	var res protocol.ListResponse
	if err := r.getJSON(ctx, addr, "/list", &res); err != nil {
		return nil, err
	}
	return res.Files, nil
}

// Status returns the per-peer report of the node.
func (r *Raw) Status(ctx context.Context, addr string) (protocol.StatusResponse, error) {
	var res protocol.StatusResponse
	err := r.getJSON(ctx, addr, "/status", &res)
	return res, err
}

// Download fetches the contents of the file. ErrNotFound is returned
// when the node does not have it.
func (r *Raw) Download(ctx context.Context, addr string, name string) ([]byte, error) {
	downloadURL := addr + "/download/" + url.PathEscape(name)

	if r.debug {
		r.logger().Printf("Downloading %s", downloadURL)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Request: %v", err)
	}

	resp, err := r.do(req)
	if err != nil {
		var st *StatusError
		if errors.As(err, &st) && st.Code == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("download %q: %w", downloadURL, err)
	}
	defer resp.Body.Close()

	var b bytes.Buffer
	if _, err := io.Copy(&b, resp.Body); err != nil {
		return nil, fmt.Errorf("download %q: %w", downloadURL, err)
	}

	return b.Bytes(), nil
}

// Replicate pushes the file to the node's replication endpoint.
// ErrExists is returned when the node already has a file with this name.
func (r *Raw) Replicate(ctx context.Context, addr string, name string, contents io.Reader) error {
	var res protocol.ReplicateResponse
	return r.postMultipart(ctx, addr+"/replicate", nil, name, contents, &res)
}

// Upload stores a new file on the node as if it was sent by a client.
func (r *Raw) Upload(ctx context.Context, addr string, name string, contents io.Reader) (protocol.UploadResponse, error) {
	var res protocol.UploadResponse
	err := r.postMultipart(ctx, addr+"/upload", nil, name, contents, &res)
	return res, err
}

// MLSave stores a model under the provided name.
func (r *Raw) MLSave(ctx context.Context, addr string, name string, contents io.Reader) (protocol.MLSaveResponse, error) {
	var res protocol.MLSaveResponse
	err := r.postMultipart(ctx, addr+"/ml/save", map[string]string{"name": name}, name, contents, &res)
	return res, err
}

// postMultipart streams the contents as the "file" form field, so
// big files are never buffered in memory on the sending side.
func (r *Raw) postMultipart(ctx context.Context, postURL string, fields map[string]string, filename string, contents io.Reader, res interface{}) (err error) {
	if r.debug {
		r.logger().Printf("Sending %q to %s", filename, postURL)
		defer func() { r.logger().Printf("Send result: err=%v", err) }()
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		var err error
		for k, v := range fields {
			if err = mw.WriteField(k, v); err != nil {
				break
			}
		}

		if err == nil {
			var part io.Writer
			part, err = mw.CreateFormFile("file", filename)
			if err == nil {
				_, err = io.Copy(part, contents)
			}
		}

		if err == nil {
			err = mw.Close()
		}

		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, "POST", postURL, pr)
	if err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("making http request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.do(req)
	if err != nil {
		var st *StatusError
		if errors.As(err, &st) && st.Code == http.StatusConflict {
			return ErrExists
		}
		return fmt.Errorf("POST %q: %w", postURL, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
		return fmt.Errorf("decoding response of %q: %w", postURL, err)
	}

	return nil
}
