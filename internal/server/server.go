package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/payment_engine/internal/middleware"
	"github.com/congo-pay/payment_engine/internal/outbox"
	"github.com/congo-pay/payment_engine/internal/routes"
)

// Server wraps the Fiber application and the background outbox dispatcher.
type Server struct {
	app        *fiber.App
	addr       string
	dispatcher *outbox.Dispatcher
	logger     *slog.Logger

	cancelDispatch context.CancelFunc
	dispatchDone   sync.WaitGroup
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
// dispatcher may be nil, in which case no events are relayed by this process.
func New(deps routes.Deps, dispatcher *outbox.Dispatcher) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      deps.Cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: middleware.ErrorHandler(deps.Logger),
	})

	if err := routes.Setup(app, deps); err != nil {
		return nil, err
	}

	return &Server{
		app:        app,
		addr:       deps.Cfg.Address(),
		dispatcher: dispatcher,
		logger:     deps.Logger,
	}, nil
}

// App exposes the underlying Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// StartDispatcher launches the outbox dispatcher in the background. Call it
// once, before Listen.
func (s *Server) StartDispatcher() {
	if s.dispatcher == nil || s.cancelDispatch != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDispatch = cancel
	s.dispatchDone.Add(1)
	go func() {
		defer s.dispatchDone.Done()
		if err := s.dispatcher.Run(ctx); err != nil {
			s.logger.Error("outbox dispatcher exited", slog.Any("error", err))
		}
	}()
}

// Listen serves HTTP until shutdown.
func (s *Server) Listen() error {
	return s.app.Listen(s.addr)
}

// Shutdown stops accepting requests, then stops the dispatcher and waits for
// its in-flight cycle, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := s.app.ShutdownWithContext(ctx)

	if s.cancelDispatch != nil {
		s.cancelDispatch()
		done := make(chan struct{})
		go func() {
			s.dispatchDone.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return errors.Join(httpErr, ctx.Err())
		}
	}
	return httpErr
}
