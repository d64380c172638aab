package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/WendelHime/btcore/internal/shared/models"
)

var (
	ErrNoTrackers          = errors.New("no tracker urls")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrTrackerFailure      = errors.New("tracker returned a failure")
	ErrInvalidResponse     = errors.New("invalid tracker response")
)

type Event int32

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventCompleted:
		return "completed"
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	}
	return ""
}

// Announce describes us and our progress on one transfer.
type Announce struct {
	InfoHash   models.Hash
	PeerID     models.PeerID
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

type Response struct {
	Interval time.Duration
	Peers    []models.Peer
}

type Tracker interface {
	Announce(ctx context.Context, req Announce) (Response, error)
	WithHTTPClient(client *http.Client) Tracker
}

type PeersGetter interface {
	GetPeers(ctx context.Context, announce string, req Announce) (Response, error)
}

type tracker struct {
	urls       []string
	log        *slog.Logger
	HTTPClient PeersGetter
	UDPClient  PeersGetter
}

// NewTracker announces to urls in order until one answers.
func NewTracker(urls []string, logger *slog.Logger) Tracker {
	return &tracker{
		urls:       urls,
		log:        logger,
		HTTPClient: NewHTTPGetter(&http.Client{Timeout: 60 * time.Second}),
		UDPClient:  NewUDPGetter(15 * time.Second),
	}
}

// URLs flattens the announce list of a metafile, falling back to its single
// announce url.
func URLs(metafile models.Metafile) []string {
	seen := make(map[string]struct{})
	var urls []string
	add := func(u string) {
		if _, ok := seen[u]; ok || u == "" {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	for _, tier := range metafile.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	add(metafile.Announce)
	return urls
}

func (t *tracker) WithHTTPClient(client *http.Client) Tracker {
	t.HTTPClient = NewHTTPGetter(client)
	return t
}

func (t *tracker) Announce(ctx context.Context, req Announce) (Response, error) {
	if len(t.urls) == 0 {
		return Response{}, ErrNoTrackers
	}
	var errs []error
	for _, announce := range t.urls {
		resp, err := t.announce(ctx, announce, req)
		if err == nil {
			t.log.Debug("tracker answered", slog.String("announce-url", announce), slog.Int("peers", len(resp.Peers)))
			return resp, nil
		}
		t.log.Warn("announce failed", slog.String("announce-url", announce), slog.Any("error", err))
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return Response{}, errors.Join(errs...)
}

func (t *tracker) announce(ctx context.Context, announce string, req Announce) (Response, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return Response{}, err
	}
	switch u.Scheme {
	case "http", "https":
		return t.HTTPClient.GetPeers(ctx, announce, req)
	case "udp":
		return t.UDPClient.GetPeers(ctx, announce, req)
	default:
		return Response{}, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, announce)
	}
}
