// Package server implements the analyzer's request-serving loop: a
// Unix domain socket accepting one (working directory, argv) request at
// a time and replying with the computed include closure. Grounded on
// VKCOM-nocc's internal/client/daemon-sock.go (same Unix-socket-listener
// shape, lifetime, and logging conventions), with the wire format
// replaced — nocc's C-string framing served a bespoke C++ client; this
// analyzer's request/response pair is exchanged with encoding/gob
// instead, since its one caller is this repository's own future Go or
// cgo-wrapped client and gob needs no separate schema compiler (the
// RPC/protobuf stack the teacher depends on belongs to the out-of-scope
// transport layer, see DESIGN.md).
package server

import (
	"encoding/gob"
	"net"
	"os"
	"time"

	"github.com/VKCOM/includesrv/internal/errtags"
	"github.com/VKCOM/includesrv/internal/includesrv"
)

// Request is one compilation command submitted for closure analysis.
type Request struct {
	WorkingDir string
	Argv       []string
}

// WireStagedFile mirrors includesrv.StagedFile for gob transport.
type WireStagedFile struct {
	Realpath     string
	WithLine     bool
	OriginalPath string
}

// WireMirrorLink mirrors includesrv.MirrorLink for gob transport.
type WireMirrorLink struct {
	LinkPath string
	Target   string
}

// Response is either a populated closure or — StagedFiles empty, no
// error set — the caller's signal to fall back to local preprocessing.
type Response struct {
	ClientRoot  string
	StagedFiles []WireStagedFile
	MirrorLinks []WireMirrorLink
	Warnings    []string
	Error       string // non-empty on any non-Fatal analyzer error (Not-covered, Timeout, ...); the caller falls back either way
}

// Logger is the minimal logging surface the server needs, satisfied by
// *common.LoggerWrapper.
type Logger interface {
	Info(verbosity int, v ...interface{})
	Error(v ...interface{})
}

// Server owns the listening socket and dispatches accepted connections
// to the analyzer strictly one at a time (spec.md §5: "single-threaded
// cooperative per request").
type Server struct {
	analyzer    *includesrv.Analyzer
	log         Logger
	netListener net.Listener
	quitChan    chan struct{}
}

func NewServer(analyzer *includesrv.Analyzer, log Logger) *Server {
	return &Server{analyzer: analyzer, log: log, quitChan: make(chan struct{})}
}

// Listen binds the Unix domain socket at sockPath, removing any stale
// socket file left by a prior crashed instance first.
func (s *Server) Listen(sockPath string) error {
	_ = os.Remove(sockPath)
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return err
	}
	s.netListener = ln
	return nil
}

// Serve accepts connections and handles each one fully — decode,
// analyze, encode, close — before accepting the next, so the analyzer
// never sees two requests in flight.
func (s *Server) Serve() {
	for {
		conn, err := s.netListener.Accept()
		if err != nil {
			select {
			case <-s.quitChan:
				return
			default:
				s.log.Error("accept error:", err)
				continue
			}
		}
		s.handleOne(conn)
	}
}

// Stop closes the listening socket; a blocked Accept returns an error
// that Serve recognizes via quitChan and exits cleanly.
func (s *Server) Stop() {
	close(s.quitChan)
	if s.netListener != nil {
		_ = s.netListener.Close()
	}
}

func (s *Server) handleOne(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	var req Request
	if err := gob.NewDecoder(conn).Decode(&req); err != nil {
		s.log.Error("decoding request:", err)
		return
	}

	resp := s.analyzeOne(req)

	if err := gob.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Error("encoding response:", err)
	}
}

func (s *Server) analyzeOne(req Request) Response {
	result, err := s.analyzer.ProcessCompilationCommand(req.WorkingDir, req.Argv)
	if err != nil {
		if errtags.IsFatal(err) {
			s.log.Error("fatal:", req.Argv, err)
			os.Exit(1)
		}
		s.log.Info(1, "not covered:", req.Argv, err)
		return Response{Error: err.Error()}
	}

	resp := Response{
		ClientRoot: result.ClientRoot,
		Warnings:   result.Warnings,
	}
	for _, sf := range result.StagedFiles {
		resp.StagedFiles = append(resp.StagedFiles, WireStagedFile{
			Realpath:     sf.Realpath,
			WithLine:     sf.WithLine,
			OriginalPath: sf.OriginalPath,
		})
	}
	for _, ml := range result.MirrorLinks {
		resp.MirrorLinks = append(resp.MirrorLinks, WireMirrorLink{LinkPath: ml.LinkPath, Target: ml.Target})
	}
	return resp
}
