package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"smsgate/internal/publisher"
	logx "smsgate/pkg/logx"
)

// streamListener queues encoded notifications for one WebSocket connection.
type streamListener struct {
	out     chan []byte
	gone    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func newStreamListener(queue int) *streamListener {
	return &streamListener{out: make(chan []byte, queue), gone: make(chan struct{})}
}

func (l *streamListener) Notify(n publisher.Notification) {
	b, err := json.Marshal(n)
	if err != nil {
		return
	}
	select {
	case l.out <- b:
	default:
		l.dropped.Add(1)
	}
}

func (l *streamListener) Detached() { l.once.Do(func() { close(l.gone) }) }

// frameWriter serializes whole frames onto the connection.
type frameWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *frameWriter) message(op ws.OpCode, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wsutil.WriteServerMessage(w.conn, op, payload)
}

func (w *frameWriter) raw(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.conn.Write(b)
	return err
}

// events upgrades to a WebSocket and attaches it as the notification listener.
// A newer connection replaces this one, which is then closed.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("event stream upgrade failed", logx.Err(err))
		return
	}
	s.streams.Add(1)
	defer s.streams.Done()

	id := "ws-" + uuid.NewString()
	log := s.log.With(logx.String("stream_id", id), logx.String("remote", r.RemoteAddr))
	l := newStreamListener(s.cfg.StreamQueue)
	fw := &frameWriter{conn: conn}

	defer func() {
		s.deps.Publisher.DetachIf(id)
		_ = conn.Close()
		log.Info("event stream closed", logx.Uint64("dropped", l.dropped.Load()))
	}()

	if prev := s.deps.Publisher.Attach(id, l); prev != "" {
		log.Info("event stream attached", logx.String("replaced", prev))
	} else {
		log.Info("event stream attached")
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		if err := s.readClient(conn, fw); err != nil && !isClosed(err) {
			log.Debug("event stream read ended", logx.Err(err))
		}
	}()

	var ping <-chan time.Time
	if s.cfg.PingInterval > 0 {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case b := <-l.out:
			if err := fw.message(ws.OpText, b); err != nil {
				log.Debug("event stream write failed", logx.Err(err))
				return
			}
		case <-ping:
			if err := fw.message(ws.OpPing, nil); err != nil {
				return
			}
		case <-l.gone:
			body := ws.NewCloseFrameBody(ws.StatusGoingAway, "listener replaced")
			_ = fw.message(ws.OpClose, body)
			return
		case <-readerDone:
			return
		}
	}
}

// readClient drains client frames, answering pings and close. Client data
// frames are ignored; the stream is push only.
func (s *Server) readClient(conn net.Conn, fw *frameWriter) error {
	ctl := func(h ws.Header, r io.Reader) error {
		var buf bytes.Buffer
		err := wsutil.ControlHandler{
			Src:                 r,
			Dst:                 &buf,
			State:               ws.StateServerSide,
			DisableSrcCiphering: true,
		}.Handle(h)
		if buf.Len() > 0 {
			if werr := fw.raw(buf.Bytes()); werr != nil && err == nil {
				err = werr
			}
		}
		return err
	}
	rd := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: ctl,
	}
	for {
		h, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if h.OpCode.IsControl() {
			if err := ctl(h, rd); err != nil {
				return err
			}
			continue
		}
		if err := rd.Discard(); err != nil {
			return err
		}
	}
}

func isClosed(err error) bool {
	var ce wsutil.ClosedError
	return errors.As(err, &ce) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
