package taskqueue

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/offstack/datastash/pkg/cache"
	"github.com/offstack/datastash/pkg/errs"
	"github.com/offstack/datastash/pkg/pool"
	"github.com/offstack/datastash/pkg/store"
	"github.com/offstack/datastash/pkg/utils"
)

const (
	defaultDownloadTimeout = 30 * time.Second
	defaultCheckTimeout    = 10 * time.Second
	defaultUploadTimeout   = 60 * time.Second

	downloadChunkSize = 32 << 10
)

type NetExecutorOpts struct {
	// Client is optional. Timeouts are applied per operation through the
	// request context, not on the client.
	Client *http.Client

	// Store serves Cleanup tasks. Optional.
	Store *store.Store

	// Cache serves ValidateCache tasks. Optional.
	Cache *cache.Cache

	// Limiter, when set, bounds download bandwidth in bytes per second.
	Limiter *rate.Limiter

	DownloadTimeout time.Duration
	CheckTimeout    time.Duration
	UploadTimeout   time.Duration

	Logger *zap.Logger
}

// NetExecutor is the production Executor: it performs the real HTTP and
// storage work for every task type.
type NetExecutor struct {
	opts NetExecutorOpts
}

func NewNetExecutor(opts NetExecutorOpts) *NetExecutor {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	utils.SetDefaultNum(&opts.DownloadTimeout, defaultDownloadTimeout)
	utils.SetDefaultNum(&opts.CheckTimeout, defaultCheckTimeout)
	utils.SetDefaultNum(&opts.UploadTimeout, defaultUploadTimeout)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &NetExecutor{opts: opts}
}

func (e *NetExecutor) Execute(ctx context.Context, t *Task, progress ProgressFunc) (*Result, error) {
	switch p := t.Payload.(type) {
	case DownloadPayload:
		return e.download(ctx, p, progress)
	case CheckUpdatePayload:
		return e.checkUpdate(ctx, p)
	case CleanupPayload:
		return e.cleanup(p)
	case UploadPayload:
		return e.upload(ctx, p)
	case ValidateCachePayload:
		return e.validateCache()
	default:
		return nil, errs.Newf(errs.KindOther, "taskqueue.execute", "unknown payload type %T", t.Payload)
	}
}

// download streams the response body, reporting progress per chunk. When a
// baseline ETag/Last-Modified is present the request is conditional and a
// 304 completes with NotModified set.
func (e *NetExecutor) download(ctx context.Context, p DownloadPayload, progress ProgressFunc) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, errs.New(errs.KindOther, "taskqueue.download", err)
	}
	if len(p.ETag) > 0 {
		req.Header.Set("If-None-Match", p.ETag)
	}
	if len(p.LastModified) > 0 {
		req.Header.Set("If-Modified-Since", p.LastModified)
	}

	resp, err := e.opts.Client.Do(req)
	if err != nil {
		return nil, errs.New(errs.KindTransient, "taskqueue.download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{NotModified: true, ETag: p.ETag, LastModified: p.LastModified}, nil
	}
	if err := classifyStatus("taskqueue.download", resp.StatusCode); err != nil {
		return nil, err
	}

	total := resp.ContentLength
	buf := pool.GetBuf(downloadChunkSize)
	defer buf.Release()

	var body bytes.Buffer
	if total > 0 {
		body.Grow(int(total))
	}
	var received int64
	for {
		n, rerr := resp.Body.Read(buf.Bytes())
		if n > 0 {
			body.Write(buf.Bytes()[:n])
			received += int64(n)
			if e.opts.Limiter != nil {
				if werr := e.opts.Limiter.WaitN(ctx, n); werr != nil {
					return nil, errs.New(errs.KindTransient, "taskqueue.download", werr)
				}
			}
			if progress != nil {
				progress(received, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, errs.New(errs.KindTransient, "taskqueue.download", rerr)
		}
	}

	return &Result{
		Bytes:        body.Bytes(),
		Size:         received,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

// checkUpdate issues a metadata-only request and compares the remote version
// markers against the baseline without transferring the body.
func (e *NetExecutor) checkUpdate(ctx context.Context, p CheckUpdatePayload) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.CheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return nil, errs.New(errs.KindOther, "taskqueue.check_update", err)
	}
	resp, err := e.opts.Client.Do(req)
	if err != nil {
		return nil, errs.New(errs.KindTransient, "taskqueue.check_update", err)
	}
	resp.Body.Close()
	if err := classifyStatus("taskqueue.check_update", resp.StatusCode); err != nil {
		return nil, err
	}

	etag := resp.Header.Get("ETag")
	lastMod := resp.Header.Get("Last-Modified")
	hasUpdate := false
	if len(etag) > 0 && etag != p.ETag {
		hasUpdate = true
	}
	if len(lastMod) > 0 && lastMod != p.LastModified {
		hasUpdate = true
	}
	// A remote without version markers cannot be compared; treat it as
	// updated so callers refresh rather than serve stale data forever.
	if len(etag) == 0 && len(lastMod) == 0 {
		hasUpdate = true
	}

	return &Result{HasUpdate: hasUpdate, ETag: etag, LastModified: lastMod}, nil
}

func (e *NetExecutor) cleanup(p CleanupPayload) (*Result, error) {
	if e.opts.Store == nil {
		return nil, errs.Newf(errs.KindOther, "taskqueue.cleanup", "no store configured")
	}
	n, err := e.opts.Store.Cleanup(p.Namespace, p.MaxAge)
	if err != nil {
		return nil, err
	}
	return &Result{Removed: n}, nil
}

func (e *NetExecutor) upload(ctx context.Context, p UploadPayload) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.UploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		return nil, errs.New(errs.KindOther, "taskqueue.upload", err)
	}
	if len(p.ContentType) > 0 {
		req.Header.Set("Content-Type", p.ContentType)
	}
	resp, err := e.opts.Client.Do(req)
	if err != nil {
		return nil, errs.New(errs.KindTransient, "taskqueue.upload", err)
	}
	resp.Body.Close()
	if err := classifyStatus("taskqueue.upload", resp.StatusCode); err != nil {
		return nil, err
	}
	return &Result{Size: int64(len(p.Body)), ETag: resp.Header.Get("ETag")}, nil
}

// validateCache reads every persistent entry; the cache itself drops entries
// it cannot decode, so a listed key that misses afterwards was corrupt.
func (e *NetExecutor) validateCache() (*Result, error) {
	if e.opts.Cache == nil {
		return nil, errs.Newf(errs.KindOther, "taskqueue.validate_cache", "no cache configured")
	}
	keys, err := e.opts.Cache.PersistentKeys()
	if err != nil {
		return nil, err
	}
	removed := 0
	for _, key := range keys {
		_, ok, err := e.opts.Cache.Get(key)
		if err != nil {
			e.opts.Logger.Warn("cache validation read failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if !ok {
			removed++
		}
	}
	return &Result{Removed: removed}, nil
}

func classifyStatus(op string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errs.Newf(errs.KindPermission, op, "http status %d", code)
	case code == http.StatusNotFound || code == http.StatusGone:
		return errs.Newf(errs.KindNotFound, op, "http status %d", code)
	case code == http.StatusTooManyRequests || code >= 500:
		return errs.Newf(errs.KindTransient, op, "http status %d", code)
	default:
		return errs.Newf(errs.KindOther, op, "http status %d", code)
	}
}
