// Package server implements the broker's HTTP surface (spec §2, §6):
// one chi router serving the registry, dispatch bus, extraction
// pipeline, sync/diff, playtest runner, bot rendezvous and console
// pub/sub endpoint groups, backed by a single internal/app.Broker.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rbxsync/broker/internal/app"
	_ "github.com/rbxsync/broker/internal/server/docs" // swagger docs
	"github.com/rbxsync/broker/internal/synclog"
)

// Server serves the broker's HTTP API over a loopback-only listener.
type Server struct {
	broker     *app.Broker
	router     chi.Router
	onShutdown func()
}

// New builds a Server wired to broker. onShutdown, if non-nil, is
// invoked (in its own goroutine) when a client calls POST /shutdown;
// the caller typically cancels the context passed to ListenAndServe.
func New(broker *app.Broker, onShutdown func()) *Server {
	s := &Server{broker: broker, onShutdown: onShutdown}
	s.router = s.setupRouter()
	return s
}

// Router returns the chi router, for tests driven with httptest.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)
	r.Use(s.bodyLimitMiddleware)

	r.Route("/rbxsync", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/unregister", s.handleUnregister)
		r.Get("/places", s.handlePlaces)
		r.Post("/register-vscode", s.handleRegisterVSCode)
		r.Get("/workspaces", s.handleWorkspaces)
		r.Post("/link-studio", s.handleLinkStudio)
		r.Post("/unlink-studio", s.handleUnlinkStudio)
		r.Post("/update-project-path", s.handleUpdateProjectPath)
		r.Get("/server-info", s.handleServerInfo)
		r.Get("/status", s.handleBrokerStatus)

		r.Get("/request", s.handleRequest)
		r.Post("/response", s.handleResponse)
		r.Post("/undo-extract", s.handleUndoExtract)
	})

	r.Get("/health", s.handleHealth)
	r.Post("/shutdown", s.handleShutdown)

	r.Route("/sync", func(r chi.Router) {
		r.Post("/command", s.handleSyncCommand)
		r.Post("/batch", s.handleSyncBatch)
		r.Get("/read-tree", s.handleReadTree)
		r.Get("/read-terrain", s.handleReadTerrain)
		r.Post("/from-studio", s.handleFromStudio)
		r.Post("/incremental", s.handleIncremental)
	})
	r.Get("/studio/paths", s.handleStudioPaths)
	r.Post("/diff", s.handleDiff)
	r.Post("/run", s.handleRun)

	r.Route("/extract", func(r chi.Router) {
		r.Post("/start", s.handleExtractStart)
		r.Post("/chunk", s.handleExtractChunk)
		r.Get("/status", s.handleExtractStatus)
		r.Post("/finalize", s.handleExtractFinalize)
		r.Post("/terrain", s.handleExtractTerrain)
	})

	r.Route("/test", func(r chi.Router) {
		r.Post("/start", s.handleTestStart)
		r.Get("/status", s.handleTestStatus)
		r.Post("/stop", s.handleTestStop)
	})

	r.Route("/bot", func(r chi.Router) {
		r.Post("/command", s.handleBotQueue)
		r.Post("/move", s.handleBotMove)
		r.Post("/action", s.handleBotAction)
		r.Post("/observe", s.handleBotObserve)
		r.Post("/state", s.handleBotState)
		r.Post("/queue", s.handleBotQueue)
		r.Get("/pending", s.handleBotPending)
		r.Post("/result", s.handleBotPostResult)
		r.Get("/result/{id}", s.handleBotResult)
		r.Post("/playtest", s.handleBotPlaytest)
		r.Post("/lifecycle", s.handleBotLifecycle)
	})

	r.Route("/console", func(r chi.Router) {
		r.Post("/push", s.handleConsolePush)
		r.Get("/history", s.handleConsoleHistory)
		r.Get("/subscribe", s.handleConsoleSubscribe)
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}

// corsMiddleware adds CORS headers for local tooling talking to the
// broker from a browser-hosted client.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bodyLimitMiddleware caps request bodies at the configured maximum
// (spec §2 "body-size limits"). An oversize payload makes the
// handler's JSON decode fail, which decodeJSON reports as a
// TransportError.
func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max := s.broker.Config.MaxBodyBytes
		if max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}

// loopbackListener wraps a net.Listener so Accept rejects any remote
// address that isn't loopback, enforced below the HTTP handler layer
// per spec §6 ("rejects non-loopback clients at accept time") so it
// can never be bypassed by a routing or middleware bug.
type loopbackListener struct {
	net.Listener
}

func (l loopbackListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err == nil {
			if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
				return conn, nil
			}
		}
		conn.Close()
	}
}

// ListenAndServe binds addr, rejects non-loopback connections at
// accept time, and serves until ctx is cancelled, draining in-flight
// handlers via http.Server.Shutdown (spec §9 "drain in-flight handlers
// up to a deadline, then exit"). The accept loop and the shutdown
// watcher run under one errgroup so either returning an error unblocks
// the other and is surfaced to the caller (spec §5).
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{Addr: addr, Handler: s.router}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ln = loopbackListener{ln}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		synclog.Log.Info("broker listening", "addr", addr)
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
