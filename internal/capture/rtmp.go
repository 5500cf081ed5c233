package capture

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"
	"github.com/yutopp/go-rtmp"
	"github.com/yutopp/go-rtmp/message"
)

type RTMPConfig struct {
	Addr           string
	StreamKey      string
	AcquireTimeout time.Duration
	Timeslice      time.Duration
}

// RTMPSource accepts a screen capture pushed by an external encoder (OBS,
// ffmpeg -f flv) and remuxes it to FLV. Acquire waits for the encoder to
// publish on the configured stream key.
type RTMPSource struct {
	cfg RTMPConfig
	now func() time.Time

	mu      sync.Mutex
	pending *rtmpStream
}

func NewRTMPSource(cfg RTMPConfig) *RTMPSource {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = 10 * time.Second
	}
	return &RTMPSource{cfg: cfg, now: time.Now}
}

func (s *RTMPSource) Name() string { return "rtmp" }

func (s *RTMPSource) Format() Format {
	return Format{ContentType: "video/x-flv", Extension: "flv"}
}

// Serve runs the RTMP listener until ctx is cancelled.
func (s *RTMPSource) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, "rtmp listen")
	}
	return s.serve(ctx, listener)
}

func (s *RTMPSource) serve(ctx context.Context, listener net.Listener) error {
	server := rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: &rtmpHandler{source: s, conn: conn},
			}
		},
	})

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	log.Info().Str("addr", listener.Addr().String()).Msg("RTMP: listening for screen publishers")
	err := server.Serve(listener)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Acquire registers a waiting stream and blocks until an encoder publishes
// to it, the acquire timeout expires or ctx is done.
func (s *RTMPSource) Acquire(ctx context.Context) (Stream, error) {
	st := &rtmpStream{
		Chunker:   NewChunker(s.cfg.Timeslice, s.now),
		published: make(chan struct{}),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		st.finish()
		return nil, errors.Wrap(ErrDeviceUnavailable, "rtmp: another capture is waiting for a publisher")
	}
	s.pending = st
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.AcquireTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-st.published:
		return st, nil
	case <-timer.C:
		err = errors.Wrapf(ErrDeviceUnavailable, "rtmp: no publisher on %q within %s", s.cfg.StreamKey, s.cfg.AcquireTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	claimed := s.pending != st
	if !claimed {
		s.pending = nil
	}
	s.mu.Unlock()
	if claimed {
		// A publisher won the race against the deadline.
		select {
		case <-st.published:
			return st, nil
		case <-st.done:
			return nil, err
		}
	}
	st.finish()
	return nil, err
}

// waiting reports whether an Acquire is waiting for a publisher.
func (s *RTMPSource) waiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *RTMPSource) claim() *rtmpStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.pending
	s.pending = nil
	return st
}

// rtmpStream writes the publisher's tags into an FLV encoder backed by the
// chunker.
type rtmpStream struct {
	*Chunker

	encMu sync.Mutex
	enc   *flv.Encoder
	conn  net.Conn

	published chan struct{}
	done      chan struct{}
	once      sync.Once
}

func (st *rtmpStream) Done() <-chan struct{} { return st.done }

func (st *rtmpStream) attach(conn net.Conn) error {
	st.encMu.Lock()
	defer st.encMu.Unlock()

	enc, err := flv.NewEncoder(st.Chunker, flv.FlagsAudio|flv.FlagsVideo)
	if err != nil {
		return errors.Wrap(err, "rtmp: flv header")
	}
	st.enc = enc
	st.conn = conn
	close(st.published)
	return nil
}

func (st *rtmpStream) writeTag(tag *flvtag.FlvTag) error {
	st.encMu.Lock()
	defer st.encMu.Unlock()
	if st.enc == nil {
		return nil
	}
	return st.enc.Encode(tag)
}

// finish closes the chunker once. Holding encMu keeps a tag from being cut
// in half.
func (st *rtmpStream) finish() {
	st.once.Do(func() {
		st.encMu.Lock()
		st.enc = nil
		st.Chunker.Close()
		st.encMu.Unlock()
		close(st.done)
	})
}

// Stop disconnects the publisher.
func (st *rtmpStream) Stop(context.Context) error {
	st.encMu.Lock()
	conn := st.conn
	st.encMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	st.finish()
	return nil
}

type rtmpHandler struct {
	rtmp.DefaultHandler
	source *RTMPSource
	conn   net.Conn
	stream *rtmpStream
}

func (h *rtmpHandler) OnPublish(_ *rtmp.StreamContext, timestamp uint32, cmd *message.NetStreamPublish) error {
	key := cmd.PublishingName
	log.Info().Str("key", key).Str("remote", h.remote()).Msg("RTMP: publish request")

	if key == "" {
		return errors.New("rtmp: publishing name is required")
	}
	if key != h.source.cfg.StreamKey {
		return errors.New("rtmp: invalid stream key")
	}

	st := h.source.claim()
	if st == nil {
		return errors.New("rtmp: no recording is waiting for a publisher")
	}
	if err := st.attach(h.conn); err != nil {
		st.finish()
		return err
	}
	h.stream = st
	return nil
}

func (h *rtmpHandler) OnSetDataFrame(timestamp uint32, data *message.NetStreamSetDataFrame) error {
	if h.stream == nil {
		return nil
	}
	var script flvtag.ScriptData
	if err := flvtag.DecodeScriptData(bytes.NewReader(data.Payload), &script); err != nil {
		log.Debug().Err(err).Msg("RTMP: ignoring undecodable metadata")
		return nil
	}
	return h.stream.writeTag(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeScriptData,
		Timestamp: timestamp,
		Data:      &script,
	})
}

func (h *rtmpHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	if h.stream == nil {
		return nil // Not publishing yet
	}
	var audio flvtag.AudioData
	if err := flvtag.DecodeAudioData(payload, &audio); err != nil {
		return err
	}
	body := new(bytes.Buffer)
	if _, err := io.Copy(body, audio.Data); err != nil {
		return err
	}
	audio.Data = body
	return h.stream.writeTag(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeAudio,
		Timestamp: timestamp,
		Data:      &audio,
	})
}

func (h *rtmpHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	if h.stream == nil {
		return nil
	}
	var video flvtag.VideoData
	if err := flvtag.DecodeVideoData(payload, &video); err != nil {
		return err
	}
	body := new(bytes.Buffer)
	if _, err := io.Copy(body, video.Data); err != nil {
		return err
	}
	video.Data = body
	return h.stream.writeTag(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeVideo,
		Timestamp: timestamp,
		Data:      &video,
	})
}

func (h *rtmpHandler) OnClose() {
	if h.stream == nil {
		log.Debug().Str("remote", h.remote()).Msg("RTMP: non-publishing connection closed")
		return
	}
	log.Info().Str("remote", h.remote()).Msg("RTMP: publisher disconnected")
	h.stream.finish()
}

func (h *rtmpHandler) remote() string {
	if h.conn == nil || h.conn.RemoteAddr() == nil {
		return ""
	}
	return h.conn.RemoteAddr().String()
}
