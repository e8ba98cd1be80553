package livestream

import (
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/yutopp/go-rtmp"
	"github.com/yutopp/go-rtmp/message"
	"go.uber.org/zap"

	"streamvault/internal/storage"
)

// RTMPServer accepts RTMP publish sessions only to learn when a stream goes
// live or offline. Media payloads are discarded; the recorder pulls the
// stream from its source URL.
type RTMPServer struct {
	addr          string
	app           string
	streamManager *StreamManager
	logger        *zap.Logger

	mu       sync.Mutex
	server   *rtmp.Server
	listener net.Listener
	closed   bool
}

type RTMPServerHandler struct {
	rtmp.DefaultHandler
	server    *RTMPServer
	conn      net.Conn // identifies the connection on close
	app       string
	streamKey string // set once a publish has been accepted
}

// NewRTMPServer creates a listener for addr. An empty app accepts every
// application name.
func NewRTMPServer(addr, app string, sm *StreamManager, logger *zap.Logger) *RTMPServer {
	return &RTMPServer{
		addr:          addr,
		app:           app,
		streamManager: sm,
		logger:        logger.Named("rtmp"),
	}
}

// ListenAndServe listens on the configured address and serves until Close.
func (s *RTMPServer) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener.
func (s *RTMPServer) Serve(listener net.Listener) error {
	server := rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			handler := &RTMPServerHandler{server: s, conn: conn}
			return conn, &rtmp.ConnConfig{
				Handler: handler,
			}
		},
	})

	s.mu.Lock()
	s.server = server
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("publish listener started", zap.String("addr", listener.Addr().String()), zap.String("app", s.app))
	err := server.Serve(listener)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return err
}

// Addr returns the bound address once serving.
func (s *RTMPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting connections.
func (s *RTMPServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

func (h *RTMPServerHandler) OnConnect(timestamp uint32, cmd *message.NetConnectionConnect) error {
	h.app = cmd.Command.App
	if h.server.app != "" && h.app != h.server.app {
		return errors.Errorf("rtmp: unknown application %q", h.app)
	}
	return nil
}

func (h *RTMPServerHandler) OnPublish(ctx *rtmp.StreamContext, timestamp uint32, cmd *message.NetStreamPublish) error {
	streamKey := cmd.PublishingName
	h.server.logger.Debug("publish request", zap.String("stream", streamKey), zap.String("app", h.app))

	if streamKey == "" {
		return errors.New("rtmp: publishing name is required")
	}
	if err := storage.ValidateName(streamKey); err != nil {
		return errors.Wrap(err, "rtmp: invalid publishing name")
	}
	if !h.server.streamManager.HandleStreamStart(streamKey, OriginRTMP, h.conn.RemoteAddr().String()) {
		return errors.Errorf("rtmp: stream %q is already being published", streamKey)
	}

	h.streamKey = streamKey
	return nil
}

func (h *RTMPServerHandler) OnVideo(timestamp uint32, reader io.Reader) error {
	return h.discard(reader)
}

func (h *RTMPServerHandler) OnAudio(timestamp uint32, reader io.Reader) error {
	return h.discard(reader)
}

func (h *RTMPServerHandler) discard(reader io.Reader) error {
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return err
	}
	if h.streamKey != "" {
		h.server.streamManager.Touch(h.streamKey)
	}
	return nil
}

func (h *RTMPServerHandler) OnPlay(ctx *rtmp.StreamContext, timestamp uint32, cmd *message.NetStreamPlay) error {
	return errors.New("rtmp: playback is not supported")
}

func (h *RTMPServerHandler) OnClose() {
	// a stream key means this was a publishing connection
	if h.streamKey != "" {
		h.server.logger.Info("publisher disconnected", zap.String("stream", h.streamKey), zap.String("remote", h.conn.RemoteAddr().String()))
		h.server.streamManager.HandleStreamEnd(h.streamKey)
		return
	}
	h.server.logger.Debug("connection closed", zap.String("remote", h.conn.RemoteAddr().String()))
}
