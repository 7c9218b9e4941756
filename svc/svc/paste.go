package svc

import (
	"context"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"sharebox/metrics"
	"sharebox/pkg/domain"
	"sharebox/svc/cache"
	"sharebox/svc/util"
)

const (
	SourceHTTP   = "http"
	SourceSocket = "socket"

	remoteCacheTTL = 24 * time.Hour
)

// Store is the persistence behind the paste service. It must assign strictly
// increasing ids and serialize concurrent inserts. Generation changes
// whenever the store is recreated and its ids may be reused.
type Store interface {
	Insert(ctx context.Context, p *domain.Paste) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Paste, error)
	List(ctx context.Context) ([]*domain.Paste, error)
	Generation() string
}

// RemoteCache is a shared cache tier in front of the Store. Entries are
// scoped by the store generation.
type RemoteCache interface {
	CachePaste(ctx context.Context, gen string, p *domain.Paste, ttl time.Duration) error
	GetPaste(ctx context.Context, gen string, id int64) (*domain.Paste, error)
}

type Paste struct {
	store  Store
	lru    *cache.LRU
	remote RemoteCache
	now    func() time.Time
}

// NewPaste builds the paste service. remote may be nil.
func NewPaste(store Store, lru *cache.LRU, remote RemoteCache) *Paste {
	if store == nil || lru == nil {
		panic("paste service: nil dependency (store or lru)")
	}
	return &Paste{
		store:  store,
		lru:    lru,
		remote: remote,
		now:    time.Now,
	}
}

// Classify reports whether payload is valid UTF-8 in full. Any invalid
// sequence makes the payload binary.
func Classify(payload []byte) bool {
	return utf8.Valid(payload)
}

// NameFor derives the display name of a paste created at t seconds. Whole
// seconds keep one decimal, so 1700000000 becomes "1700000000.0".
func NameFor(t float64, isText bool) string {
	prec := -1
	if t == math.Trunc(t) {
		prec = 1
	}
	name := strconv.FormatFloat(t, 'f', prec, 64)
	if isText {
		name += ".txt"
	}
	return name
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Insert classifies and stores payload, returning the new paste id. source
// labels the ingestion path for metrics and logs.
func (p *Paste) Insert(ctx context.Context, payload []byte, source string) (int64, error) {
	isText := Classify(payload)
	created := epochSeconds(p.now())
	content := make([]byte, len(payload))
	copy(content, payload)
	paste := &domain.Paste{
		Name:      NameFor(created, isText),
		CreatedAt: created,
		Content:   content,
		Size:      int64(len(content)),
		IsText:    isText,
	}
	id, err := p.store.Insert(ctx, paste)
	if err != nil {
		metrics.PasteIngestFailed.WithLabelValues(source).Inc()
		return 0, errors.Wrap(err, "insert paste")
	}
	paste.ID = id
	p.lru.Set(paste)
	if p.remote != nil {
		if err := p.remote.CachePaste(ctx, p.store.Generation(), paste, remoteCacheTTL); err != nil {
			util.Warn().Err(err).Int64("id", id).Msg("failed to cache paste in redis")
		}
	}
	kind := "binary"
	if isText {
		kind = "text"
	}
	metrics.PasteIngested.WithLabelValues(source, kind).Inc()
	metrics.PasteBytes.Add(float64(paste.Size))
	util.Info().
		Int64("id", id).
		Str("source", source).
		Str("kind", kind).
		Int64("size", paste.Size).
		Str("digest", util.RedactPayload(content)).
		Msg("paste stored")
	return id, nil
}

// Get returns the paste with the given id, or domain.ErrPasteNotFound.
func (p *Paste) Get(ctx context.Context, id int64) (*domain.Paste, error) {
	if paste := p.lru.Get(id); paste != nil {
		metrics.CacheHits.WithLabelValues("lru").Inc()
		metrics.PasteRetrieved.Inc()
		return paste, nil
	}
	if p.remote != nil {
		paste, err := p.remote.GetPaste(ctx, p.store.Generation(), id)
		if err != nil {
			util.Warn().Err(err).Int64("id", id).Msg("redis lookup failed, falling back to database")
		} else if paste != nil {
			metrics.CacheHits.WithLabelValues("redis").Inc()
			p.lru.Set(paste)
			metrics.PasteRetrieved.Inc()
			return paste, nil
		}
	}
	metrics.CacheMisses.Inc()
	paste, err := p.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(err, "get paste")
	}
	p.lru.Set(paste)
	if p.remote != nil {
		if err := p.remote.CachePaste(ctx, p.store.Generation(), paste, remoteCacheTTL); err != nil {
			util.Warn().Err(err).Int64("id", id).Msg("failed to cache paste in redis")
		}
	}
	metrics.PasteRetrieved.Inc()
	return paste, nil
}

// List summarizes every paste, newest first. Ages are computed now, not
// stored.
func (p *Paste) List(ctx context.Context) ([]domain.Summary, error) {
	pastes, err := p.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list pastes")
	}
	now := epochSeconds(p.now())
	out := make([]domain.Summary, 0, len(pastes))
	for _, paste := range pastes {
		s := domain.Summary{
			ID:         paste.ID,
			Name:       paste.Name,
			MinutesAgo: int64(math.RoundToEven((now - paste.CreatedAt) / 60)),
			Size:       paste.Size,
			IsText:     paste.IsText,
		}
		if paste.IsText {
			s.Content = string(paste.Content)
		}
		out = append(out, s)
	}
	return out, nil
}
