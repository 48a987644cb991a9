package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/mux"

	"github.com/go-microvm/vmm/internal/mgmt"
	"github.com/go-microvm/vmm/internal/obs"
)

// routes builds the full command table bound against bridge. Each route
// is registered under its path as its mux route name.
func routes(bridge *mgmt.Bridge) []*Command {
	return []*Command{
		{Path: "/actions", PUT: actionPause(bridge)},
		{Path: "/", GET: actionInstanceInfo(bridge)},
		{Path: "/balloon", GET: actionGetBalloonConfig(bridge), PATCH: actionUpdateBalloon(bridge)},
		{Path: "/balloon/statistics", GET: actionGetBalloonStats(bridge), PUT: actionUpdateBalloonStatsInterval(bridge)},
		{Path: "/drives/{id}", PUT: actionUpdateBlockDevicePath(bridge), PATCH: actionUpdateBlockRateLimiter(bridge)},
		{Path: "/network-interfaces/{id}", PATCH: actionUpdateNetRateLimiters(bridge)},
		{Path: "/snapshot/create", PUT: actionCreateSnapshot(bridge)},
		{Path: "/snapshot/load", PUT: actionLoadSnapshot(bridge)},
		{Path: "/logger", PUT: actionConfigureLogger(bridge)},
		{Path: "/shutdown", PUT: actionShutdown(bridge)},
	}
}

// Server is the Unix-socket HTTP control-plane listener. One HTTP
// request is in flight against the bridge at a time: the control plane
// itself is not meant to be a high-throughput API, and serializing here
// keeps SendRequest's ordering guarantee trivially true.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
}

// NewServer builds the router and binds socketPath, removing any stale
// socket file left over from a previous run first.
func NewServer(socketPath string, bridge *mgmt.Bridge) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("httpapi: removing stale socket %q: %w", socketPath, err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("httpapi: listening on %q: %w", socketPath, err)
	}

	router := mux.NewRouter()
	router.NotFoundHandler = NotFound
	for _, cmd := range routes(bridge) {
		router.Handle(cmd.Path, cmd).Name(cmd.Path)
	}

	var mu sync.Mutex
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		router.ServeHTTP(w, r)
	})

	return &Server{
		httpServer: &http.Server{Handler: handler},
		listener:   ln,
		socketPath: socketPath,
	}, nil
}

// Serve blocks accepting connections until Shutdown is called.
func (s *Server) Serve() error {
	obs.L().WithField("socket", s.socketPath).Info("control API listening")
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops accepting new connections and closes the
// listener, removing the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
	return err
}
