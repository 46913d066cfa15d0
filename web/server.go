package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"mime/multipart"
	"net"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/YuriyNasretdinov/kladovka/cluster"
	"github.com/YuriyNasretdinov/kladovka/protocol"
	"github.com/YuriyNasretdinov/kladovka/server"
)

// Hooks is notified about files written by clients. Files received
// through /replicate are not reported, so they are never pushed further.
type Hooks interface {
	AfterWrite(name string)
}

type noHooks struct{}

func (noHooks) AfterWrite(string) {}

// Server implements a web server
type Server struct {
	logger       *log.Logger
	instanceName string
	listenAddr   string

	storage server.Storage
	agg     *cluster.Aggregator
	reg     *cluster.Registry
	reports *cluster.Reports
	hooks   Hooks

	srv *fasthttp.Server
}

// NewServer creates *Server
func NewServer(logger *log.Logger, instanceName string, listenAddr string, maxUploadSizeMB int, storage server.Storage, agg *cluster.Aggregator, reg *cluster.Registry, reports *cluster.Reports, hooks Hooks) *Server {
	if hooks == nil {
		hooks = noHooks{}
	}

	s := &Server{
		logger:       logger,
		instanceName: instanceName,
		listenAddr:   listenAddr,
		storage:      storage,
		agg:          agg,
		reg:          reg,
		reports:      reports,
		hooks:        hooks,
	}

	s.srv = &fasthttp.Server{
		Handler:            s.handler,
		Name:               "kladovka",
		MaxRequestBodySize: maxUploadSizeMB * protocol.BytesPerMB,
		Logger:             logger,
	}

	return s
}

func (s *Server) handler(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())

	switch {
	case path == "/":
		s.indexHandler(ctx)
	case path == "/health":
		s.healthHandler(ctx)
	case path == "/capacity":
		s.capacityHandler(ctx)
	case path == "/usage":
		s.usageHandler(ctx)
	case path == "/total":
		s.totalHandler(ctx)
	case path == "/list":
		s.listHandler(ctx)
	case path == "/status":
		s.statusHandler(ctx)
	case path == "/upload":
		s.uploadHandler(ctx)
	case path == "/replicate":
		s.replicateHandler(ctx)
	case path == "/ml/save":
		s.mlSaveHandler(ctx)
	case strings.HasPrefix(path, "/download/"):
		s.downloadHandler(ctx, strings.TrimPrefix(path, "/download/"))
	case strings.HasPrefix(path, "/ml/load/"):
		s.downloadHandler(ctx, strings.TrimPrefix(path, "/ml/load/"))
	default:
		s.writeError(ctx, fasthttp.StatusNotFound, "Not found")
	}
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, v interface{}) {
	ctx.SetContentType("application/json")
	if err := json.NewEncoder(ctx).Encode(v); err != nil {
		s.logger.Printf("Could not encode response for %s: %v", ctx.Path(), err)
	}
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, code int, msg string) {
	ctx.SetStatusCode(code)
	s.writeJSON(ctx, protocol.ErrorResponse{Error: msg})
}

// allow writes 405 and returns false if the request method is not the
// expected one.
func (s *Server) allow(ctx *fasthttp.RequestCtx, method string) bool {
	if string(ctx.Method()) == method {
		return true
	}

	ctx.Response.Header.Set("Allow", method)
	s.writeError(ctx, fasthttp.StatusMethodNotAllowed, "Method not allowed")
	return false
}

func (s *Server) indexHandler(ctx *fasthttp.RequestCtx) {
	if !s.allow(ctx, fasthttp.MethodGet) {
		return
	}

	ctx.SetContentType("text/plain; charset=utf-8")
	fmt.Fprintf(ctx, "kladovka storage node %q, %d peers\n", s.instanceName, s.reg.Len())
}

func (s *Server) healthHandler(ctx *fasthttp.RequestCtx) {
	if !s.allow(ctx, fasthttp.MethodGet) {
		return
	}

	s.writeJSON(ctx, protocol.HealthResponse{Status: "ok", Service: "Storage server"})
}

func (s *Server) capacityHandler(ctx *fasthttp.RequestCtx) {
	if !s.allow(ctx, fasthttp.MethodGet) {
		return
	}

	s.writeJSON(ctx, protocol.CapacityResponse{Capacity: s.agg.LocalCapacity()})
}

func (s *Server) usageHandler(ctx *fasthttp.RequestCtx) {
	if !s.allow(ctx, fasthttp.MethodGet) {
		return
	}

	usage, err := s.agg.LocalUsage()
	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(ctx, protocol.UsageResponse{Usage: usage})
}

func (s *Server) totalHandler(ctx *fasthttp.RequestCtx) {
	if !s.allow(ctx, fasthttp.MethodGet) {
		return
	}

	v, err := s.agg.Total(ctx)
	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(ctx, v.Wire())
}

func (s *Server) listHandler(ctx *fasthttp.RequestCtx) {
	if !s.allow(ctx, fasthttp.MethodGet) {
		return
	}

	files, err := s.storage.List()
	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}

	res := protocol.ListResponse{Files: make([]protocol.FileInfo, 0, len(files))}
	for _, f := range files {
		res.Files = append(res.Files, protocol.FileInfo{Filename: f.Name, SizeMB: protocol.ToMB(f.Size)})
	}

	s.writeJSON(ctx, res)
}

func (s *Server) statusHandler(ctx *fasthttp.RequestCtx) {
	if !s.allow(ctx, fasthttp.MethodGet) {
		return
	}

	res := protocol.StatusResponse{
		Instance: s.instanceName,
		Peers:    s.reg.Peers(),
		Reports:  make([]protocol.PeerStatus, 0),
	}
	for _, pr := range s.reports.Snapshot() {
		res.Reports = append(res.Reports, pr.Wire())
	}

	s.writeJSON(ctx, res)
}

func (s *Server) downloadHandler(ctx *fasthttp.RequestCtx, name string) {
	if !s.allow(ctx, fasthttp.MethodGet) {
		return
	}

	if err := server.ValidateName(name); err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	rd, size, err := s.storage.Open(name)
	if errors.Is(err, server.ErrNotFound) {
		s.writeError(ctx, fasthttp.StatusNotFound, "Not found")
		return
	} else if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}

	ctx.SetContentType("application/octet-stream")
	// The reader is closed by fasthttp once the body is sent.
	ctx.SetBodyStream(rd, int(size))
}

func (s *Server) uploadHandler(ctx *fasthttp.RequestCtx) {
	if !s.allow(ctx, fasthttp.MethodPost) {
		return
	}

	fh, ok := s.formFile(ctx)
	if !ok {
		return
	}

	size, ok := s.store(ctx, fh.Filename, fh, "File exists, overwrite not allowed")
	if !ok {
		return
	}

	s.hooks.AfterWrite(fh.Filename)
	s.writeJSON(ctx, protocol.UploadResponse{Status: "uploaded", Filename: fh.Filename, SizeMB: protocol.ToMB(size)})
}

func (s *Server) replicateHandler(ctx *fasthttp.RequestCtx) {
	if !s.allow(ctx, fasthttp.MethodPost) {
		return
	}

	fh, ok := s.formFile(ctx)
	if !ok {
		return
	}

	if _, ok := s.store(ctx, fh.Filename, fh, "Exists, skipped"); !ok {
		return
	}

	s.writeJSON(ctx, protocol.ReplicateResponse{Status: "replicated", Filename: fh.Filename})
}

func (s *Server) mlSaveHandler(ctx *fasthttp.RequestCtx) {
	if !s.allow(ctx, fasthttp.MethodPost) {
		return
	}

	fh, ok := s.formFile(ctx)
	if !ok {
		return
	}

	name := string(ctx.FormValue("name"))
	if name == "" {
		s.writeError(ctx, fasthttp.StatusBadRequest, "missing `name` form field")
		return
	}

	size, ok := s.store(ctx, name, fh, "Exists, not allowed")
	if !ok {
		return
	}

	s.hooks.AfterWrite(name)
	s.writeJSON(ctx, protocol.MLSaveResponse{Status: "ml_saved", Name: name, SizeMB: protocol.ToMB(size)})
}

func (s *Server) formFile(ctx *fasthttp.RequestCtx) (*multipart.FileHeader, bool) {
	fh, err := ctx.FormFile("file")
	if err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("bad `file` form field: %v", err))
		return nil, false
	}

	return fh, true
}

// store writes the uploaded file under name. It writes the error
// response itself and returns false if the file was not stored.
func (s *Server) store(ctx *fasthttp.RequestCtx, name string, fh *multipart.FileHeader, conflictMsg string) (int64, bool) {
	if err := server.ValidateName(name); err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return 0, false
	}

	f, err := fh.Open()
	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return 0, false
	}
	defer f.Close()

	size, err := s.storage.Put(name, f)
	if errors.Is(err, server.ErrExists) {
		s.writeError(ctx, fasthttp.StatusConflict, conflictMsg)
		return 0, false
	} else if err != nil {
		s.logger.Printf("Could not store %q: %v", name, err)
		s.writeError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return 0, false
	}

	return size, true
}

// Serve listens to HTTP connections until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", s.listenAddr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if err := s.srv.Shutdown(); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	return <-errCh
}
