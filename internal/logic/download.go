package logic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WendelHime/btcore/internal/config"
	"github.com/WendelHime/btcore/internal/decoder"
	"github.com/WendelHime/btcore/internal/p2p"
	"github.com/WendelHime/btcore/internal/reactor"
	"github.com/WendelHime/btcore/internal/shared/models"
	"github.com/WendelHime/btcore/internal/storage"
	"github.com/WendelHime/btcore/internal/tracker"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
)

const (
	peerIDPrefix          = "-BT0001-"
	announceRetryInterval = time.Minute
	minAnnounceInterval   = 30 * time.Second
	stoppedTimeout        = 5 * time.Second
)

var ErrIncomplete = errors.New("transfer stopped before completion")

type Downloader interface {
	Download(ctx context.Context, metafile io.Reader, outputDir string) error
}

type Option func(*downloader)

// WithPeers adds addresses to dial besides the ones trackers return.
func WithPeers(addrs ...string) Option {
	return func(d *downloader) { d.peers = append(d.peers, addrs...) }
}

// WithFs stores downloads on fs instead of the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(d *downloader) { d.fs = fs }
}

func WithProgressWriter(w io.Writer) Option {
	return func(d *downloader) { d.progress = w }
}

// WithTracker replaces how announce urls become a tracker client.
func WithTracker(newTracker func(urls []string) tracker.Tracker) Option {
	return func(d *downloader) { d.newTracker = newTracker }
}

type downloader struct {
	clientID   models.PeerID
	d          decoder.MetafileDecoder
	cfg        *config.Config
	log        *slog.Logger
	fs         afero.Fs
	progress   io.Writer
	peers      []string
	newTracker func(urls []string) tracker.Tracker

	// pool is shared by every Download so that no two transfers write the
	// same file.
	pool      *storage.HandlePool
	transfers atomic.Uint64
}

func NewDownloader(d decoder.MetafileDecoder, cfg *config.Config, logger *slog.Logger, opts ...Option) Downloader {
	dl := &downloader{
		clientID: generateRandomPeerID(),
		d:        d,
		cfg:      cfg,
		log:      logger,
		fs:       afero.NewOsFs(),
		progress: os.Stdout,
	}
	dl.newTracker = func(urls []string) tracker.Tracker { return tracker.NewTracker(urls, dl.log) }
	for _, opt := range opts {
		opt(dl)
	}
	dl.pool = storage.NewHandlePool(dl.fs, cfg.MaxOpenFiles, dl.log)
	return dl
}

func generateRandomPeerID() models.PeerID {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	var peerID models.PeerID
	copy(peerID[:], peerIDPrefix)
	for i := len(peerIDPrefix); i < len(peerID); i++ {
		peerID[i] = charset[rand.IntN(len(charset))]
	}

	return peerID
}

func (d *downloader) Download(ctx context.Context, metafile io.Reader, outputDir string) error {
	outputDir, err := filepath.Abs(outputDir)
	if err != nil {
		return err
	}
	d.log.Info("creating output directory", slog.String("output_dir", outputDir))
	if err := d.fs.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	d.log.Info("decoding metafile")
	meta, err := d.d.Decode(metafile)
	if err != nil {
		return err
	}
	log := d.log.With(slog.String("info_hash", meta.InfoHash.String()))

	files := fileSpecs(meta.Info)
	for i := range files {
		files[i].Path = filepath.Join(outputDir, files[i].Path)
	}
	owner := fmt.Sprintf("%s#%d", meta.InfoHash, d.transfers.Add(1))
	store, err := storage.NewStore(d.pool, owner, files, meta.Info.PieceLength)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions64(store.Length(),
		progressbar.OptionSetWriter(d.progress),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	t := newTransfer(store, meta.Info.PiecesHashes, bar, log)

	resumeName := filepath.Join(outputDir, "."+meta.InfoHash.String()+".resume")
	if err := d.restore(d.fs, resumeName, store, t); err != nil {
		store.Close()
		return err
	}
	// closing may touch modification times, so the record is written after
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close files", slog.Any("error", err))
		}
		d.saveResume(d.fs, resumeName, store)
	}()

	if t.complete() && !d.cfg.Seed {
		log.Info("nothing to download", slog.String("size", humanize.Bytes(uint64(store.Length()))))
		return nil
	}

	err = d.run(ctx, meta, t)
	switch {
	case t.complete():
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		return err
	default:
		return ErrIncomplete
	}
}

// run drives the transfer on its own reactor until it completes, or until
// ctx is done when seeding.
func (d *downloader) run(ctx context.Context, meta models.Metafile, t *transfer) error {
	r, err := reactor.New(
		reactor.WithLogger(t.log),
		reactor.WithIdleTimeout(d.cfg.IdleTimeout, d.cfg.ReapInterval),
	)
	if err != nil {
		return err
	}

	maxMessage, err := d.cfg.MaxMessageBytes()
	if err != nil {
		r.Close()
		return err
	}
	writeChunk, err := d.cfg.WriteChunkBytes()
	if err != nil {
		r.Close()
		return err
	}

	rctx := r.NewContext(func(err error) {
		t.log.Warn("transfer error", slog.Any("error", err))
	})
	swarm := p2p.NewSwarm(r, rctx, p2p.SwarmConfig{
		InfoHash:         meta.InfoHash,
		PeerID:           d.clientID,
		NumPieces:        len(meta.Info.PiecesHashes),
		MaxMessageLength: maxMessage,
		WriteChunk:       writeChunk,
		UploadLimiter:    d.cfg.UploadLimiter(),
		KeepAlive:        d.cfg.KeepAlive,
		Transfer:         t,
		Choker:           t,
		Logger:           t.log,
	})
	router := p2p.NewRouter(t.log)
	if err := router.Register(swarm); err != nil {
		r.Close()
		return err
	}
	l, err := r.Listen(fmt.Sprintf(":%d", d.cfg.IncomingPort), reactor.NoContext, router.Accept)
	if err != nil {
		r.Close()
		return err
	}
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	t.log.Info("listening for peers", slog.Int("port", int(port)))

	t.onComplete = func() {
		if d.cfg.Seed {
			return
		}
		swarm.Close()
		router.Unregister(meta.InfoHash)
		r.RemoveContext(rctx)
		r.Stop()
	}

	dialer := &peerDialer{swarm: swarm, log: t.log, dialed: mapset.NewThreadUnsafeSet[string](), maxPeers: d.cfg.MaxPeers}
	dialer.dial(d.peers)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	urls := tracker.URLs(meta)
	if len(urls) > 0 {
		trk := d.newTracker(urls)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.announceLoop(runCtx, trk, meta.InfoHash, port, t, func(peers []models.Peer) {
				addrs := make([]string, 0, len(peers))
				for _, peer := range peers {
					addrs = append(addrs, peer.Addr.String())
				}
				r.AddTaskFromOtherThread(func() error {
					dialer.dial(addrs)
					return nil
				}, 0, rctx)
			})
		}()
	}

	err = r.Run(runCtx)
	cancel()
	wg.Wait()

	if len(urls) > 0 {
		stopCtx, stop := context.WithTimeout(context.Background(), stoppedTimeout)
		defer stop()
		_, serr := d.newTracker(urls).Announce(stopCtx, d.announce(meta.InfoHash, port, t, tracker.EventStopped))
		if serr != nil {
			t.log.Debug("stopped announce failed", slog.Any("error", serr))
		}
	}
	return err
}

func (d *downloader) announce(hash models.Hash, port uint16, t *transfer, event tracker.Event) tracker.Announce {
	return tracker.Announce{
		InfoHash:   hash,
		PeerID:     d.clientID,
		Port:       port,
		Uploaded:   t.uploaded.Load(),
		Downloaded: t.downloaded.Load(),
		Left:       t.left.Load(),
		Event:      event,
		NumWant:    d.cfg.MaxPeers,
	}
}

func (d *downloader) announceLoop(ctx context.Context, trk tracker.Tracker, hash models.Hash, port uint16, t *transfer, found func([]models.Peer)) {
	event := tracker.EventStarted
	for {
		interval := announceRetryInterval
		resp, err := trk.Announce(ctx, d.announce(hash, port, t, event))
		if err != nil {
			d.log.Warn("failed to get peers", slog.Any("error", err))
		} else {
			event = tracker.EventNone
			d.log.Info("retrieved peers", slog.Int("peers", len(resp.Peers)))
			found(resp.Peers)
			interval = max(resp.Interval, minAnnounceInterval)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// restore loads the resume record, falling back to hashing every piece on
// disk when there is none or it no longer matches the files.
func (d *downloader) restore(fs afero.Fs, name string, store *storage.Store, t *transfer) error {
	f, err := fs.Open(name)
	switch {
	case err == nil:
		err = store.LoadResume(f)
		f.Close()
		if err == nil {
			t.loadFromStore()
			t.log.Info("resumed transfer", slog.String("downloaded", humanize.Bytes(uint64(store.Downloaded()))))
			return nil
		}
		if !errors.Is(err, storage.ErrResumeMismatch) && !errors.Is(err, storage.ErrBadResume) {
			return err
		}
		t.log.Warn("resume data rejected", slog.Any("error", err))
	case errors.Is(err, os.ErrNotExist):
	default:
		return err
	}
	return t.verifyAll()
}

func (d *downloader) saveResume(fs afero.Fs, name string, store *storage.Store) {
	tmp := name + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		d.log.Error("failed to save resume data", slog.Any("error", err))
		return
	}
	err = store.WriteResume(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fs.Rename(tmp, name)
	}
	if err != nil {
		d.log.Error("failed to save resume data", slog.Any("error", err))
	}
}

// fileSpecs lays the metainfo files out under the torrent name, except for
// single-file torrents whose only file is the name itself.
func fileSpecs(info models.Info) []storage.FileSpec {
	specs := make([]storage.FileSpec, 0, len(info.Files))
	for _, f := range info.Files {
		path := filepath.Join(f.Path...)
		if info.Length == 0 {
			path = filepath.Join(info.Name, path)
		}
		specs = append(specs, storage.FileSpec{Path: path, Length: f.Length})
	}
	return specs
}

// peerDialer connects to each address once, up to maxPeers connections.
type peerDialer struct {
	swarm    *p2p.Swarm
	log      *slog.Logger
	dialed   mapset.Set[string]
	maxPeers int
}

func (pd *peerDialer) dial(addrs []string) {
	for _, addr := range addrs {
		if pd.maxPeers > 0 && pd.swarm.Len() >= pd.maxPeers {
			return
		}
		if host, _, err := net.SplitHostPort(addr); err != nil || host == "0.0.0.0" {
			continue
		}
		if !pd.dialed.Add(addr) {
			continue
		}
		if err := pd.swarm.Connect(addr); err != nil {
			pd.log.Debug("failed to connect to peer", slog.String("addr", addr), slog.Any("error", err))
		}
	}
}
