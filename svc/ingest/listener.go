// Package ingest accepts raw pastes over a plain TCP socket.
//
// Protocol: the client connects, writes its payload and half-closes its
// write side (shutdown(SHUT_WR), or CloseWrite in Go). The server stores the
// bytes and answers with one line holding the retrieval URL, then closes the
// connection. End of message is the half-close alone; a client that stops
// sending without closing is cut off after the read timeout and gets no URL.
// Earlier releases treated a short read as end of message, which broke for
// payloads whose last chunk exactly filled the read buffer.
package ingest

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"sharebox/metrics"
	"sharebox/svc/lim"
	"sharebox/svc/svc"
	"sharebox/svc/util"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	minAcceptDelay      = 5 * time.Millisecond
	maxAcceptDelay      = time.Second
	readChunk           = 4096
)

// Inserter stores a payload and returns its id.
type Inserter interface {
	Insert(ctx context.Context, payload []byte, source string) (int64, error)
}

type Listener struct {
	addr         string
	store        Inserter
	urlBase      string
	limiter      *lim.Limiter
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu sync.Mutex
	ln net.Listener
}

type Option func(*Listener)

// WithReadTimeout bounds how long one connection may take to deliver its
// payload.
func WithReadTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.readTimeout = d
		}
	}
}

// WithLimiter drops pastes from clients over their rate limit.
func WithLimiter(limiter *lim.Limiter) Option {
	return func(l *Listener) { l.limiter = limiter }
}

// New prepares a listener on addr. urlBase is the externally visible
// "scheme://host:port" of the web server that serves pastes.
func New(addr string, store Inserter, urlBase string, opts ...Option) *Listener {
	l := &Listener{
		addr:         addr,
		store:        store,
		urlBase:      strings.TrimRight(urlBase, "/"),
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Listen binds the socket. It is separate from Serve so callers can learn the
// bound address before the loop starts.
func (l *Listener) Listen() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", l.addr)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Run binds the socket and serves until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve accepts connections one at a time until ctx is cancelled. A
// connection being handled when ctx ends is finished before Serve returns.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return errors.New("ingest listener not bound")
	}
	util.Info().Str("addr", ln.Addr().String()).Msg("paste service listening")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		ln.Close()
	}()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				util.Info().Msg("paste service stopped")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "accept")
			}
			// Transient failures (EMFILE and friends) back off and retry.
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			util.Warn().Err(err).Dur("retry_in", delay).Msg("accept failed")
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	log := util.GetLogger().With().Str("peer", util.RedactIP(peer)).Logger()

	payload, err := l.read(conn)
	if err != nil {
		log.Warn().Err(err).Int("read", len(payload)).Msg("failed to read paste")
		metrics.IngestConnections.WithLabelValues("read_error").Inc()
		return
	}

	if l.limiter != nil {
		host, _, err := net.SplitHostPort(peer)
		if err != nil {
			host = peer
		}
		if res := l.limiter.Allow(ctx, host, "ingest"); !res.Allowed {
			log.Warn().Msg("rate limit exceeded, dropping paste")
			metrics.IngestConnections.WithLabelValues("rate_limited").Inc()
			return
		}
	}

	// Storing is not tied to ctx so a shutdown never aborts an accepted paste.
	id, err := l.store.Insert(context.WithoutCancel(ctx), payload, svc.SourceSocket)
	if err != nil {
		log.Error().Err(err).Int("size", len(payload)).Msg("failed to store paste")
		metrics.IngestConnections.WithLabelValues("store_error").Inc()
		return
	}

	if err := conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
		log.Warn().Err(err).Msg("set write deadline")
	}
	if _, err := io.WriteString(conn, l.URLFor(id)+"\n"); err != nil {
		log.Warn().Err(err).Int64("id", id).Msg("failed to send paste url")
		metrics.IngestConnections.WithLabelValues("write_error").Inc()
		return
	}
	metrics.IngestConnections.WithLabelValues("ok").Inc()
	log.Debug().Int64("id", id).Msg("paste url sent")
}

// read collects everything the peer sends until it half-closes.
func (l *Listener) read(conn net.Conn) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
		return nil, errors.Wrap(err, "set read deadline")
	}
	var data []byte
	buf := make([]byte, readChunk)
	for {
		n, err := conn.Read(buf)
		data = append(data, buf[:n]...)
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return data, errors.Wrap(err, "read payload")
		}
	}
}

// URLFor builds the retrieval URL of paste id.
func (l *Listener) URLFor(id int64) string {
	return l.urlBase + "/download_paste/" + strconv.FormatInt(id, 10)
}
