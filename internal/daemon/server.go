package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
)

// Handler processes one request. Implementations must be safe for
// concurrent calls; each client connection is served by its own goroutine.
type Handler func(ctx context.Context, req Request) Response

// Server accepts shell clients on a unix socket.
type Server struct {
	path    string
	handler Handler
}

func NewServer(path string, handler Handler) *Server {
	return &Server{path: path, handler: handler}
}

// Run listens until ctx is done. A stale socket file from a previous run is
// removed before binding.
func (s *Server) Run(ctx context.Context) error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(s.path)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serve(ctx, conn)
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		var req Request
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp = Fail(fmt.Errorf("malformed request: %w", err))
		} else {
			resp = s.handler(ctx, req)
		}
		data, err := json.Marshal(resp)
		if err != nil {
			data, _ = json.Marshal(Fail(err))
		}
		data = append(data, '\n')
		if _, err := conn.Write(data); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
