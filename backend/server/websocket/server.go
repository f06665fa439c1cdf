package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adwski/collab-relay/backend/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultSendBuffer                  = 256

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		CreateSession(ctx context.Context, connID string, wire model.Wire) error
		HandleFrame(ctx context.Context, frame model.Frame)
		DeleteSession(ctx context.Context, connID string) error
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string
		AllowedOrigins   []string
		SendBuffer       int
		MaxMessageSize   int64
		RateLimit        float64 // inbound frames per second, 0 disables limiting
		RateBurst        int
		PingInterval     time.Duration
		PongWait         time.Duration
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		// cancels all live connections on shutdown, hijacked conns are not tracked by http.Server
		connCtx    context.Context
		connCancel context.CancelFunc

		sendBuffer     int
		maxMessageSize int64
		rateLimit      rate.Limit
		rateBurst      int
		pingInterval   time.Duration
		pongWait       time.Duration

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:         cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:            cfg.SignalingService,
		sendBuffer:     lo.Ternary(cfg.SendBuffer > 0, cfg.SendBuffer, defaultSendBuffer),
		maxMessageSize: lo.Ternary(cfg.MaxMessageSize > 0, cfg.MaxMessageSize, defaultWebSocketMaxMessageSize),
		rateLimit:      rate.Limit(cfg.RateLimit),
		rateBurst:      cfg.RateBurst,
		pingInterval:   lo.Ternary(cfg.PingInterval > 0, cfg.PingInterval, defaultPingInterval),
		pongWait:       lo.Ternary(cfg.PongWait > 0, cfg.PongWait, defaultPongWait),
	}
	if srv.pongWait <= srv.pingInterval {
		srv.pongWait = srv.pingInterval + defaultPongWait - defaultPingInterval
	}
	srv.connCtx, srv.connCancel = context.WithCancel(context.Background())
	srv.ws = &websocket.Upgrader{
		HandshakeTimeout: defaultWebSocketHandshakeTimeout,
		ReadBufferSize:   defaultWebsocketReadBufferSize,
		WriteBufferSize:  defaultWebsocketWriteBufferSize,
		CheckOrigin:      originChecker(cfg.AllowedOrigins, &srv.logger),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func originChecker(allowed []string, logger *zerolog.Logger) func(r *http.Request) bool {
	if len(allowed) == 0 || lo.Contains(allowed, "*") {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		ok := lo.ContainsBy(allowed, func(o string) bool {
			return strings.EqualFold(strings.TrimSuffix(o, "/"), origin)
		})
		if !ok {
			logger.Warn().Str("origin", origin).Msg("websocket connection from disallowed origin")
		}
		return ok
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
	srv.connCancel()
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied with error status
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	wire := model.NewWire(srv.sendBuffer)
	logger := srv.logger.With().Str("connID", connID).Logger()

	ctx, cancel := context.WithCancel(srv.connCtx) // long-living connection context

	if err = srv.svc.CreateSession(ctx, connID, wire); err != nil {
		logger.Error().Err(err).Msg("failed to create session")
		cancel()
		webSocketCloser(conn, &logger)
		return
	}
	logger.Debug().Str("remote", r.RemoteAddr).Msg("session created")

	go srv.handleWSConn(ctx, cancel, conn, connID, wire, &logger)
}

func (srv *Server) destroySession(connID string, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSessionCloseTimeout)
	defer cancel()
	if err := srv.svc.DeleteSession(ctx, connID); err != nil {
		logger.Error().Err(err).Msg("failed to delete session")
		return
	}
	logger.Debug().Msg("session ended")
}

// handleWSConn runs connection until either side gives up.
// Session is deleted exactly once, after all connection goroutines are finished,
// so no inbound frame can be processed after disconnect cleanup.
func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	connID string,
	wire model.Wire,
	logger *zerolog.Logger,
) {
	var limiter *rate.Limiter
	if srv.rateLimit > 0 {
		limiter = rate.NewLimiter(srv.rateLimit, max(srv.rateBurst, 1))
	}

	wg := &sync.WaitGroup{}
	wg.Add(3)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, connID, wire, limiter, logger)
		cancel()
	}()
	go func() {
		srv.webSocketSender(ctx, wg, conn, wire.TX, logger)
		cancel()
	}()
	go func() {
		srv.dispatcher(ctx, wg, wire.RX)
		cancel()
	}()

	<-ctx.Done()
	webSocketCloser(conn, logger) // unblocks receiver
	wg.Wait()
	srv.destroySession(connID, logger)
}

// dispatcher hands inbound frames to the service one by one, preserving per-connection order.
func (srv *Server) dispatcher(ctx context.Context, wg *sync.WaitGroup, rx <-chan model.Frame) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-rx:
			srv.svc.HandleFrame(ctx, frame)
		}
	}
}

func (srv *Server) webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Announcement,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.PingMessage, []byte{}); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case msg := <-tx:
			b, wsErr := json.Marshal(&msg)
			if wsErr != nil {
				// payloads are built by server, this is a bug but not a reason to drop connection
				logger.Error().Err(wsErr).Str("type", msg.Event).Msg("failed to marshall outgoing message")
				continue
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	connID string,
	wire model.Wire,
	limiter *rate.Limiter,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(srv.maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(srv.pongWait)
	})
	if err := readDeadLineFunc(srv.pongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			switch {
			case ctx.Err() != nil:
				logger.Debug().Msg("connection closed by server")
			case websocket.IsCloseError(wsErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Debug().Err(wsErr).Msg("connection closed")
			default:
				logger.Warn().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}

		if limiter != nil && !limiter.Allow() {
			logger.Warn().Msg("rate limit exceeded, frame discarded")
			select {
			case wire.TX <- model.Announcement{
				Event: model.EventError,
				Data: model.ErrorPayload{
					Code:    model.ErrCodeRateLimited,
					Message: "too many events, slow down",
				},
			}:
			default:
			}
			continue
		}

		select {
		case wire.RX <- model.Frame{SRC: connID, Payload: msg}:
		case <-ctx.Done():
			return
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	// WriteControl and Close are safe to call concurrently with sender
	wsErr := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
		logger.Debug().Err(wsErr).Msg("failed to send close message")
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
