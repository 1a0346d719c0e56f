package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tellerhq/teller/pkg/log"
	"github.com/tellerhq/teller/pkg/serialize"
)

const DefaultStreamQueueDepth = 32

// DecodeFunc decodes a request payload into its typed message.
type DecodeFunc func(*serialize.Reader) (Message, error)

// StreamHandler owns a streaming call for its full duration. The reader
// holds the initial request sent with the stream open. A non-nil return
// closes the stream with that error; a nil return closes it cleanly.
type StreamHandler func(*Stream, *serialize.Reader) error

type unaryMethod struct {
	decode DecodeFunc
	handle Handler
}

type methodKey struct {
	serviceID uint64
	methodID  uint64
}

type ServerConfig struct {
	Transport ServerTransport
	Logger    log.Logger
	// ErrHandler observes transport and routing errors that have no caller
	// to surface to. Optional.
	ErrHandler func(error)
	// StreamQueueDepth bounds each stream's inbound queue. Defaults to
	// DefaultStreamQueueDepth.
	StreamQueueDepth int
}

type Server struct {
	conf           ServerConfig
	transport      ServerTransport
	unaryMethods   map[methodKey]unaryMethod
	streamHandlers map[methodKey]StreamHandler
	middleware     []Middleware
	queueDepth     int

	mu      sync.Mutex
	conns   map[Connection]struct{}
	running bool
	connWG  sync.WaitGroup
}

func NewServer(conf ServerConfig) *Server {
	queueDepth := conf.StreamQueueDepth
	if queueDepth <= 0 {
		queueDepth = DefaultStreamQueueDepth
	}

	return &Server{
		conf:           conf,
		transport:      conf.Transport,
		unaryMethods:   make(map[methodKey]unaryMethod),
		streamHandlers: make(map[methodKey]StreamHandler),
		queueDepth:     queueDepth,
		conns:          make(map[Connection]struct{}),
	}
}

// RegisterUnary registers a single-request single-response method.
func (s *Server) RegisterUnary(serviceID uint64, methodID uint64, decode DecodeFunc, handler Handler) {
	key := methodKey{serviceID: serviceID, methodID: methodID}
	if _, ok := s.unaryMethods[key]; ok {
		panic(fmt.Sprintf("unary method %d/%d already registered", serviceID, methodID))
	}
	s.unaryMethods[key] = unaryMethod{decode: decode, handle: handler}
}

// RegisterStream registers a streaming method. Server-stream and
// bidirectional methods both go through here; the handler decides whether
// it reads the inbound direction.
func (s *Server) RegisterStream(serviceID uint64, methodID uint64, handler StreamHandler) {
	key := methodKey{serviceID: serviceID, methodID: methodID}
	if _, ok := s.streamHandlers[key]; ok {
		panic(fmt.Sprintf("stream method %d/%d already registered", serviceID, methodID))
	}
	s.streamHandlers[key] = handler
}

// Middleware appends to the unary middleware chain. First registered runs
// outermost.
func (s *Server) Middleware(m Middleware) {
	s.middleware = append(s.middleware, m)
}

func (s *Server) handleError(err error) {
	if errors.Is(err, ErrConnectionClosed) {
		s.logInfo("client disconnected")
		return
	}
	s.logError("encountered error: " + err.Error())
	if s.conf.ErrHandler != nil {
		s.conf.ErrHandler(err)
	}
}

func (s *Server) logDebug(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Debug(msg)
	}
}

func (s *Server) logInfo(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Info(msg)
	}
}

func (s *Server) logError(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Error(msg)
	}
}

func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logInfo("starting server")

	err := s.transport.Listen()
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	for {
		conn, err := s.transport.Accept()
		if err != nil {
			if errors.Is(err, ErrTransportClosed) {
				break
			}
			s.handleError(err)
			continue
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			break
		}
		s.conns[conn] = struct{}{}
		s.connWG.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.connWG.Done()
			s.handleConnection(conn)

			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}

	return nil
}

// Shutdown stops accepting connections, closes all active connections and
// waits for their handlers to finish or the context to expire. Streams on
// closed connections observe cancellation at their next suspension point.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	conns := make([]Connection, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	s.logInfo("shutting down server")

	err := s.transport.Close()
	for _, conn := range conns {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// handleConnection owns the read loop for one client connection. Unary
// calls fan out to goroutines; stream control frames are handled inline so
// per-stream inbound ordering is preserved.
func (s *Server) handleConnection(conn Connection) {
	defer conn.Close()

	// streams active on this connection
	streams := make(map[uint64]*Stream)
	streamsMu := &sync.Mutex{}

	for {
		bs, err := conn.Receive()
		if err != nil {
			if !errors.Is(err, ErrConnectionClosed) {
				s.handleError(err)
			}
			break
		}

		reader := serialize.NewReader(bs)

		var prefix [16]byte
		err = DeserializePrefix(&prefix, reader)
		if err != nil {
			s.handleError(err)
			continue
		}

		switch prefix {
		case CallRequestPrefix:
			go s.handleCall(conn, reader)
		case StreamOpenPrefix:
			// handled inline so the stream is registered before any
			// subsequent frames for it arrive
			s.handleStreamOpen(conn, reader, streams, streamsMu)
		case StreamDataPrefix:
			// inline: per-stream inbound delivery is FIFO
			s.handleStreamData(reader, streams, streamsMu)
		case StreamEndPrefix:
			s.handleStreamEnd(reader, streams, streamsMu)
		case StreamClosePrefix:
			s.handleStreamClose(reader, streams, streamsMu)
		default:
			s.handleError(fmt.Errorf("unexpected prefix: %v", prefix))
		}
	}

	// Connection is gone: every stream on it transitions to Closed. No
	// close frame is sent, there is nothing left to send it on.
	streamsMu.Lock()
	orphaned := make([]*Stream, 0, len(streams))
	for _, stream := range streams {
		orphaned = append(orphaned, stream)
	}
	streamsMu.Unlock()

	for _, stream := range orphaned {
		stream.close(NewError(CodeSessionError, "connection lost"), false)
	}
}

func (s *Server) handleCall(conn Connection, reader *serialize.Reader) {
	ctx := context.Background()
	err := DeserializeContext(&ctx, reader)
	if err != nil {
		s.handleError(err)
		return
	}

	var requestID uint64
	err = serialize.DeserializeUInt64(&requestID, reader)
	if err != nil {
		s.handleError(err)
		return
	}

	var serviceID uint64
	err = serialize.DeserializeUInt64(&serviceID, reader)
	if err != nil {
		s.handleError(err)
		return
	}

	var methodID uint64
	err = serialize.DeserializeUInt64(&methodID, reader)
	if err != nil {
		s.handleError(err)
		return
	}

	method, ok := s.unaryMethods[methodKey{serviceID: serviceID, methodID: methodID}]
	if !ok {
		s.respond(conn, respondWithError(requestID, Errorf(CodeInvalidRequest, "unknown method %d/%d", serviceID, methodID)))
		return
	}

	req, err := method.decode(reader)
	if err != nil {
		s.respond(conn, respondWithError(requestID, Errorf(CodeInvalidRequest, "malformed request: %s", err)))
		return
	}

	resp, err := ApplyHandlerChain(ctx, req, s.middleware, method.handle)
	if err != nil {
		s.respond(conn, respondWithError(requestID, asWireError(err)))
		return
	}

	s.respond(conn, respondWithMessage(requestID, resp))
}

func (s *Server) respond(conn Connection, frame []byte) {
	if err := conn.Send(frame); err != nil {
		s.handleError(err)
	}
}

func (s *Server) handleStreamOpen(conn Connection, reader *serialize.Reader, streams map[uint64]*Stream, streamsMu *sync.Mutex) {
	ctx := context.Background()
	err := DeserializeContext(&ctx, reader)
	if err != nil {
		s.handleError(err)
		return
	}

	var requestID uint64
	err = serialize.DeserializeUInt64(&requestID, reader)
	if err != nil {
		s.handleError(err)
		return
	}

	var streamID uint64
	err = serialize.DeserializeUInt64(&streamID, reader)
	if err != nil {
		s.handleError(err)
		return
	}

	var serviceID uint64
	err = serialize.DeserializeUInt64(&serviceID, reader)
	if err != nil {
		s.handleError(err)
		return
	}

	var methodID uint64
	err = serialize.DeserializeUInt64(&methodID, reader)
	if err != nil {
		s.handleError(err)
		return
	}

	handler, ok := s.streamHandlers[methodKey{serviceID: serviceID, methodID: methodID}]
	if !ok {
		s.respond(conn, respondWithError(requestID, Errorf(CodeInvalidRequest, "no stream handler registered for method %d/%d", serviceID, methodID)))
		return
	}

	stream := newStream(ctx, streamID, conn, s.queueDepth, func() {
		streamsMu.Lock()
		delete(streams, streamID)
		streamsMu.Unlock()
	})

	streamsMu.Lock()
	streams[streamID] = stream
	streamsMu.Unlock()

	// acknowledge before the handler runs so the client sees the stream
	// accepted before any data frames
	s.respond(conn, respondWithMessage(requestID, nil))

	go func() {
		err := handler(stream, reader)
		if err != nil {
			s.handleError(err)
			stream.CloseWithError(err)
			return
		}
		stream.Close()
	}()
}

func (s *Server) handleStreamData(reader *serialize.Reader, streams map[uint64]*Stream, streamsMu *sync.Mutex) {
	var streamID uint64
	err := serialize.DeserializeUInt64(&streamID, reader)
	if err != nil {
		s.handleError(err)
		return
	}

	streamsMu.Lock()
	stream, ok := streams[streamID]
	streamsMu.Unlock()

	if !ok {
		// data racing a close; nothing to deliver to
		s.logDebug(fmt.Sprintf("dropping data for unknown stream %d", streamID))
		return
	}

	if err := stream.pushInbound(reader); err != nil {
		s.logDebug(fmt.Sprintf("stream %d closed during delivery: %s", streamID, err))
	}
}

func (s *Server) handleStreamEnd(reader *serialize.Reader, streams map[uint64]*Stream, streamsMu *sync.Mutex) {
	var streamID uint64
	err := serialize.DeserializeUInt64(&streamID, reader)
	if err != nil {
		s.handleError(err)
		return
	}

	streamsMu.Lock()
	stream, ok := streams[streamID]
	streamsMu.Unlock()

	if ok {
		stream.finishInput()
	}
}

func (s *Server) handleStreamClose(reader *serialize.Reader, streams map[uint64]*Stream, streamsMu *sync.Mutex) {
	var streamID uint64
	err := serialize.DeserializeUInt64(&streamID, reader)
	if err != nil {
		s.handleError(err)
		return
	}

	streamsMu.Lock()
	stream, ok := streams[streamID]
	streamsMu.Unlock()

	if !ok {
		return
	}

	status, err := DeserializeError(reader)
	if err != nil {
		s.handleError(err)
		status = NewError(CodeSessionError, "malformed close frame")
	}
	if status.Code == CodeOK {
		status = nil
	}
	stream.handleRemoteClose(status)
}

func respondWithMessage(requestID uint64, msg Message) []byte {
	payloadSize := 0
	if msg != nil {
		payloadSize = msg.ByteSize()
	}

	writer := serialize.NewFixedSizeWriter(
		ByteSizePrefix() +
			serialize.ByteSizeUInt64(requestID) +
			serialize.ByteSizeUInt8(MessageResponse) +
			payloadSize)

	SerializePrefix(writer, CallResponsePrefix)
	serialize.SerializeUInt64(writer, requestID)
	serialize.SerializeUInt8(writer, MessageResponse)
	if msg != nil {
		msg.Serialize(writer)
	}
	return writer.Bytes()
}

func respondWithError(requestID uint64, e *Error) []byte {
	writer := serialize.NewFixedSizeWriter(
		ByteSizePrefix() +
			serialize.ByteSizeUInt64(requestID) +
			serialize.ByteSizeUInt8(ErrorResponse) +
			ByteSizeError(e))

	SerializePrefix(writer, CallResponsePrefix)
	serialize.SerializeUInt64(writer, requestID)
	serialize.SerializeUInt8(writer, ErrorResponse)
	SerializeError(writer, e)
	return writer.Bytes()
}
