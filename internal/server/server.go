// Package server accepts WebSocket connections and bridges the wire protocol
// to per-connection session controllers.
//
// Each connection performs an Init/Connected handshake, then runs a read loop
// that reassembles binary wire messages across WebSocket reads and dispatches
// them to the session controller. Inbound audio passes through a bounded
// drop-oldest frame queue so a slow transcription backend sheds load instead
// of backpressuring the socket. Legacy JSON text frames are accepted
// alongside the binary envelope.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/parlovoice/parlo/internal/config"
	"github.com/parlovoice/parlo/internal/observe"
	"github.com/parlovoice/parlo/internal/session"
	"github.com/parlovoice/parlo/pkg/audio"
	"github.com/parlovoice/parlo/pkg/audio/opus"
	"github.com/parlovoice/parlo/pkg/history"
	"github.com/parlovoice/parlo/pkg/provider/llm"
	"github.com/parlovoice/parlo/pkg/provider/stt"
	"github.com/parlovoice/parlo/pkg/provider/tts"
	"github.com/parlovoice/parlo/pkg/wire"
)

const (
	// handshakeTimeout bounds the wait for the client's Init message.
	handshakeTimeout = 10 * time.Second

	// writeTimeout bounds a single outbound WebSocket write.
	writeTimeout = 10 * time.Second
)

// errUnsupportedCodec rejects an init asking for a codec profile the server
// does not speak.
var errUnsupportedCodec = errors.New("server: unsupported audio codec")

// Config carries the server's dependencies. STT, LLM, TTS and Conf are
// required; Store nil disables persistence.
type Config struct {
	Conf *config.Config

	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	Store history.Store

	// Metrics defaults to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics
}

// Server is the WebSocket session endpoint. It implements [http.Handler];
// mount it wherever the voice socket should live.
type Server struct {
	conf     atomic.Pointer[config.Config]
	sttP     stt.Provider
	llmP     llm.Provider
	ttsP     tts.Provider
	store    history.Store
	metrics  *observe.Metrics
	registry *session.Registry
}

// New validates cfg and builds a Server.
func New(cfg Config) (*Server, error) {
	var errs []error
	if cfg.Conf == nil {
		errs = append(errs, errors.New("server: configuration is required"))
	}
	if cfg.STT == nil {
		errs = append(errs, errors.New("server: STT provider is required"))
	}
	if cfg.LLM == nil {
		errs = append(errs, errors.New("server: LLM provider is required"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("server: TTS provider is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	s := &Server{
		sttP:     cfg.STT,
		llmP:     cfg.LLM,
		ttsP:     cfg.TTS,
		store:    cfg.Store,
		metrics:  metrics,
		registry: session.NewRegistry(),
	}
	s.conf.Store(cfg.Conf)
	return s, nil
}

// UpdateConfig swaps the configuration used for sessions opened from now on.
// Live sessions keep the configuration they started with.
func (s *Server) UpdateConfig(conf *config.Config) {
	if conf == nil {
		return
	}
	s.conf.Store(conf)
}

// Registry returns the live session registry.
func (s *Server) Registry() *session.Registry { return s.registry }

// Close tears down every live session. In-flight connections observe their
// controller going idle and unwind.
func (s *Server) Close() { s.registry.CloseAll() }

// ServeHTTP upgrades the request and runs the session until the connection
// drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("server: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(wire.MaxPayload)

	s.handle(r.Context(), ws)
}

func (s *Server) handle(ctx context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	init, rest, err := awaitInit(ctx, ws)
	if err != nil {
		slog.Warn("server: handshake failed", "err", err)
		ws.Close(websocket.StatusProtocolError, "expected init")
		return
	}

	c, err := s.newConn(ctx, ws, init)
	if err != nil {
		if errors.Is(err, errUnsupportedCodec) {
			slog.Warn("server: rejected init", "err", err)
			ws.Close(websocket.StatusUnsupportedData, "unsupported audio codec")
			return
		}
		slog.Error("server: session setup failed", "err", err)
		ws.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	defer c.teardown()

	if err := c.sendConnected(); err != nil {
		slog.Warn("server: send connected", "session_id", c.ctrl.Session().ID, "err", err)
		return
	}

	c.serve(ctx, rest)
}

// awaitInit reads until one complete message arrives and requires it to be
// Init, in either the binary envelope or the legacy JSON text form. The
// returned rest holds binary bytes received past the Init message.
func awaitInit(ctx context.Context, ws *websocket.Conn) (wire.InitPayload, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	var buf []byte
	for {
		kind, data, err := ws.Read(ctx)
		if err != nil {
			return wire.InitPayload{}, nil, fmt.Errorf("server: await init: %w", err)
		}

		if kind == websocket.MessageText {
			t, payload, err := wire.DecodeLegacy(data)
			if err != nil {
				return wire.InitPayload{}, nil, err
			}
			if t != wire.TypeInit {
				return wire.InitPayload{}, nil, fmt.Errorf("server: expected init, got %s", t)
			}
			var init wire.InitPayload
			if err := wire.DecodeJSON(t, payload, &init); err != nil {
				return wire.InitPayload{}, nil, err
			}
			return init, buf, nil
		}

		buf = append(buf, data...)
		t, payload, n, err := wire.Decode(buf)
		if errors.Is(err, wire.ErrShortBuffer) {
			continue
		}
		if err != nil {
			return wire.InitPayload{}, nil, err
		}
		if t != wire.TypeInit {
			return wire.InitPayload{}, nil, fmt.Errorf("server: expected init, got %s", t)
		}
		var init wire.InitPayload
		if err := wire.DecodeJSON(t, payload, &init); err != nil {
			return wire.InitPayload{}, nil, err
		}
		return init, buf[n:], nil
	}
}

// conn is the per-connection state tying the socket to its controller.
type conn struct {
	srv  *Server
	ws   *websocket.Conn
	ctx  context.Context
	ctrl *session.Controller

	codec      config.Codec
	sampleRate int
	decoder    *opus.Decoder

	queue       *audio.FrameQueue
	frameNotify chan struct{}
	frameDone   chan struct{}
	droppedSeen uint64

	writeMu sync.Mutex
	pumpWG  sync.WaitGroup
}

func (s *Server) newConn(ctx context.Context, ws *websocket.Conn, init wire.InitPayload) (*conn, error) {
	conf := s.conf.Load()

	codec := conf.Audio.Codec
	if init.AudioCodec != "" {
		codec = config.Codec(init.AudioCodec)
	}
	if codec == "" {
		codec = config.CodecPCM16
	}
	if !codec.IsValid() {
		return nil, fmt.Errorf("%w: %q", errUnsupportedCodec, init.AudioCodec)
	}

	sampleRate := init.SampleRate
	if sampleRate == 0 {
		sampleRate = conf.Audio.InputSampleRate
	}
	if sampleRate <= 0 {
		sampleRate = audio.InputSampleRate
	}

	c := &conn{
		srv:         s,
		ws:          ws,
		ctx:         ctx,
		codec:       codec,
		sampleRate:  sampleRate,
		queue:       audio.NewFrameQueue(audio.DefaultQueueCapacity),
		frameNotify: make(chan struct{}, 1),
		frameDone:   make(chan struct{}),
	}

	if codec == config.CodecOpus {
		dec, err := opus.NewDecoder(sampleRate)
		if err != nil {
			return nil, err
		}
		c.decoder = dec
	}

	ctrl, err := session.NewController(session.ControllerConfig{
		STT:            s.sttP,
		LLM:            s.llmP,
		TTS:            s.ttsP,
		Send:           c.write,
		Conf:           conf,
		Language:       init.Language,
		TranslatorMode: init.TranslatorMode,
		Voice:          init.Voice,
		Store:          s.store,
		Metrics:        s.metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := ctrl.Start(ctx); err != nil {
		return nil, err
	}
	c.ctrl = ctrl

	if err := s.registry.Add(ctrl); err != nil {
		ctrl.Close()
		return nil, err
	}

	c.pumpWG.Add(1)
	go c.pumpFrames()

	return c, nil
}

func (c *conn) teardown() {
	c.srv.registry.Remove(c.ctrl.Session().ID)
	c.ctrl.Close()
	close(c.frameDone)
	c.pumpWG.Wait()
	c.ws.Close(websocket.StatusNormalClosure, "")
}

// write delivers one encoded wire frame. It is the controller's SendFunc and
// serialises concurrent writers onto the single WebSocket connection.
func (c *conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageBinary, frame)
}

func (c *conn) sendConnected() error {
	frame, err := wire.EncodeJSON(wire.TypeConnected, wire.ConnectedPayload{
		SessionID:  c.ctrl.Session().ID,
		AudioCodec: string(c.codec),
		SampleRate: c.sampleRate,
	})
	if err != nil {
		return err
	}
	return c.write(frame)
}

// serve decodes inbound messages until the connection fails. rest carries
// bytes read during the handshake that belong to the message stream.
func (c *conn) serve(ctx context.Context, rest []byte) {
	buf := rest
	for {
		kind, data, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				slog.Info("server: client disconnected", "session_id", c.ctrl.Session().ID)
			} else if ctx.Err() == nil {
				slog.Warn("server: read failed", "session_id", c.ctrl.Session().ID, "err", err)
			}
			return
		}

		if kind == websocket.MessageText {
			t, payload, err := wire.DecodeLegacy(data)
			if err != nil {
				slog.Warn("server: dropping malformed legacy frame",
					"session_id", c.ctrl.Session().ID, "err", err)
				continue
			}
			c.dispatch(t, payload)
			continue
		}

		buf = append(buf, data...)
		for {
			t, payload, n, err := wire.Decode(buf)
			if errors.Is(err, wire.ErrShortBuffer) {
				break
			}
			if err != nil {
				// The stream can only resynchronise at a message boundary.
				slog.Warn("server: dropping malformed inbound data",
					"session_id", c.ctrl.Session().ID, "err", err, "buffered", len(buf))
				buf = nil
				break
			}
			c.dispatch(t, payload)
			buf = buf[n:]
		}
	}
}

func (c *conn) dispatch(t wire.Type, payload []byte) {
	switch t {
	case wire.TypeAudioFrame:
		c.onAudioFrame(payload)

	case wire.TypeSpeechStart:
		c.ctrl.HandleSpeechStart()

	case wire.TypeSpeechEnd:
		c.ctrl.HandleSpeechEnd()

	case wire.TypeBargeIn:
		c.ctrl.HandleBargeIn()

	case wire.TypeConfigUpdate:
		var p wire.ConfigUpdatePayload
		if err := wire.DecodeJSON(t, payload, &p); err != nil {
			c.sendError("malformed config_update payload")
			return
		}
		c.ctrl.HandleConfigUpdate(p)

	case wire.TypeImageUpload:
		var p wire.ImageUploadPayload
		if err := wire.DecodeJSON(t, payload, &p); err != nil {
			c.sendError("malformed image_upload payload")
			return
		}
		c.ctrl.HandleImageUpload(p)

	case wire.TypeNotesRequest:
		c.ctrl.HandleNotesRequest()

	case wire.TypeInit:
		slog.Warn("server: duplicate init ignored", "session_id", c.ctrl.Session().ID)

	default:
		slog.Warn("server: unexpected message type",
			"session_id", c.ctrl.Session().ID, "type", t.String())
	}
}

// onAudioFrame decodes one inbound frame and enqueues it for transcription.
func (c *conn) onAudioFrame(payload []byte) {
	var frame audio.Frame
	if c.decoder != nil {
		f, err := c.decoder.Decode(payload)
		if err != nil {
			c.srv.metrics.RecordDroppedFrames(c.ctx, 1, "codec")
			slog.Debug("server: opus decode failed", "session_id", c.ctrl.Session().ID, "err", err)
			return
		}
		frame = f
	} else {
		data := make([]byte, len(payload))
		copy(data, payload)
		frame = audio.Frame{Data: data, SampleRate: c.sampleRate}
	}

	c.queue.Push(frame)
	select {
	case c.frameNotify <- struct{}{}:
	default:
	}
}

// pumpFrames drains the frame queue into the controller. Keeping the queue
// between the socket and the controller means a stalled transcription stream
// costs the oldest audio, never socket reads.
func (c *conn) pumpFrames() {
	defer c.pumpWG.Done()
	for {
		select {
		case <-c.frameDone:
			return
		case <-c.frameNotify:
		}

		for {
			f, ok := c.queue.Pop()
			if !ok {
				break
			}
			c.ctrl.HandleAudioFrame(f.Data)
		}

		if d := c.queue.Dropped(); d > c.droppedSeen {
			c.srv.metrics.RecordDroppedFrames(c.ctx, int64(d-c.droppedSeen), "queue")
			c.droppedSeen = d
		}
	}
}

func (c *conn) sendError(message string) {
	frame, err := wire.EncodeJSON(wire.TypeError, wire.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	if err := c.write(frame); err != nil {
		slog.Warn("server: send error frame", "session_id", c.ctrl.Session().ID, "err", err)
	}
}
