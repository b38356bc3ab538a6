package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sipeed/wxclaw/pkg/gateway"
	"github.com/sipeed/wxclaw/pkg/logger"
	"github.com/sipeed/wxclaw/pkg/wechat"
)

var (
	ErrCorruptImage     = errors.New("downloaded data is not a decodable image")
	ErrEmptyPayload     = errors.New("gateway returned no image data")
	ErrChunkDecode      = errors.New("chunk payload could not be decoded")
	ErrUnsupportedMedia = errors.New("only images can be fetched")
)

const (
	DefaultChunkSize       = 65536
	defaultStaleAfter      = 5 * time.Minute
	defaultDownloadTimeout = 2 * time.Minute
)

// ChunkDownloader is the part of the gateway client the fetcher needs.
type ChunkDownloader interface {
	DownloadImageChunk(ctx context.Context, req gateway.ChunkRequest) (*gateway.Response, error)
}

type Options struct {
	ChunkSize  int64
	StaleAfter time.Duration
	Timeout    time.Duration
}

// flight marks one in-progress download so a stale one can be told apart
// from its replacement.
type flight struct {
	started time.Time
}

// Fetcher downloads images from the gateway into a Cache. Concurrent
// requests for the same key share one download.
type Fetcher struct {
	gw         ChunkDownloader
	cache      *Cache
	chunkSize  int64
	staleAfter time.Duration
	timeout    time.Duration

	flights singleflight.Group
	mu      sync.Mutex
	active  map[string]*flight
	nowFunc func() time.Time
}

func NewFetcher(gw ChunkDownloader, cache *Cache, opts Options) *Fetcher {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultDownloadTimeout
	}
	return &Fetcher{
		gw:         gw,
		cache:      cache,
		chunkSize:  opts.ChunkSize,
		staleAfter: opts.StaleAfter,
		timeout:    opts.Timeout,
		active:     make(map[string]*flight),
		nowFunc:    time.Now,
	}
}

func (f *Fetcher) Cache() *Cache { return f.cache }

// FetchChunked streams the asset into sink chunk by chunk and returns the
// number of bytes written. With no expected length a single chunk is
// requested and an empty answer is a clean end of stream.
func (f *Fetcher) FetchChunked(ctx context.Context, ref wechat.MediaRef, sink io.WriteSeeker) (int64, error) {
	expected := ref.ExpectedLength
	chunks := int64(1)
	if expected > 0 {
		chunks = (expected + f.chunkSize - 1) / f.chunkSize
	}

	var total int64
	for i := int64(0); i < chunks; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		start := i * f.chunkSize
		size := f.chunkSize
		if expected > 0 && expected-start < size {
			size = expected - start
		}

		resp, err := f.gw.DownloadImageChunk(ctx, gateway.ChunkRequest{
			MsgID:    ref.MsgID,
			ToWxid:   ref.ConversationID,
			Wxid:     ref.DownloaderWxid,
			TotalLen: expected,
			StartPos: start,
			DataLen:  size,
			AESKey:   ref.AESKey,
		})
		if err != nil {
			return total, fmt.Errorf("chunk %d/%d: %w", i+1, chunks, err)
		}

		data, err := decodeChunk(resp)
		if expected == 0 && (errors.Is(err, ErrEmptyPayload) || (err == nil && len(data) == 0)) {
			break
		}
		if err != nil {
			return total, fmt.Errorf("chunk %d/%d: %w", i+1, chunks, err)
		}
		if len(data) == 0 {
			return total, fmt.Errorf("chunk %d/%d: %w", i+1, chunks, ErrEmptyPayload)
		}

		if _, err := sink.Seek(start, io.SeekStart); err != nil {
			return total, fmt.Errorf("seek to %d: %w", start, err)
		}
		n, err := sink.Write(data)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("write chunk %d/%d: %w", i+1, chunks, err)
		}

		logger.DebugCF("media", "Chunk received", map[string]interface{}{
			"msg_id": ref.MsgID,
			"chunk":  i + 1,
			"chunks": chunks,
			"bytes":  n,
		})
	}

	if expected > 0 && total < expected {
		logger.WarnCF("media", "Download shorter than announced", map[string]interface{}{
			"msg_id":   ref.MsgID,
			"expected": expected,
			"received": total,
		})
	}
	return total, nil
}

// FetchImage returns the local path of the image, downloading and
// verifying it first when it is not cached.
func (f *Fetcher) FetchImage(ctx context.Context, ref wechat.MediaRef) (string, error) {
	if ref.Kind != "" && ref.Kind != wechat.MediaImage {
		return "", ErrUnsupportedMedia
	}

	key, reusable := ref.CacheKey()
	if reusable {
		if p, ok := f.cache.Lookup(key); ok {
			return p, nil
		}
	}

	f.forgetIfStale(key)

	v, err, shared := f.flights.Do(key, func() (interface{}, error) {
		fl := f.begin(key)
		defer f.end(key, fl)
		return f.download(ctx, ref, key)
	})
	if err != nil {
		return "", err
	}
	if shared {
		logger.DebugCF("media", "Joined in-flight download", map[string]interface{}{
			"key": key,
		})
	}
	return v.(string), nil
}

func (f *Fetcher) begin(key string) *flight {
	fl := &flight{started: f.nowFunc()}
	f.mu.Lock()
	f.active[key] = fl
	f.mu.Unlock()
	return fl
}

func (f *Fetcher) end(key string, fl *flight) {
	f.mu.Lock()
	if f.active[key] == fl {
		delete(f.active, key)
	}
	f.mu.Unlock()
}

// forgetIfStale detaches callers from a download that has run past
// staleAfter; the next Do starts a fresh one.
func (f *Fetcher) forgetIfStale(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.active[key]
	if !ok || f.nowFunc().Sub(fl.started) <= f.staleAfter {
		return
	}
	f.flights.Forget(key)
	delete(f.active, key)
	logger.WarnCF("media", "Forgetting stale download", map[string]interface{}{
		"key":     key,
		"started": fl.started.Format(time.RFC3339),
	})
}

func (f *Fetcher) download(ctx context.Context, ref wechat.MediaRef, key string) (string, error) {
	if p, ok := f.cache.Lookup(key); ok {
		return p, nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	tmp, err := f.cache.createTemp(key)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	n, err := f.FetchChunked(ctx, ref, tmp)
	if err == nil {
		// Sync is best-effort; the decode below is the real check.
		_ = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		logger.WarnCF("media", "Image download failed", map[string]interface{}{
			"msg_id": ref.MsgID,
			"key":    key,
			"error":  err.Error(),
		})
		return "", err
	}

	ext := "jpg"
	if n == 0 {
		if ref.ExpectedLength != 0 {
			return "", ErrEmptyPayload
		}
		logger.InfoCF("media", "Gateway sent an empty image", map[string]interface{}{
			"msg_id": ref.MsgID,
			"key":    key,
		})
	} else {
		if _, err := verifyImage(tmpPath); err != nil {
			logger.WarnCF("media", "Downloaded image failed verification", map[string]interface{}{
				"msg_id": ref.MsgID,
				"key":    key,
				"bytes":  n,
				"error":  err.Error(),
			})
			return "", err
		}
		ext = extensionFor(tmpPath)
	}

	final := f.cache.Path(key, ext)
	if err := os.Rename(tmpPath, final); err != nil {
		return "", fmt.Errorf("commit %s: %w", final, err)
	}
	committed = true

	logger.InfoCF("media", "Image cached", map[string]interface{}{
		"msg_id": ref.MsgID,
		"path":   final,
		"bytes":  n,
	})
	return final, nil
}
