package storage

import (
	"context"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mdouchement/logger"
	"github.com/ncw/swift/v2"
	"github.com/pkg/errors"

	"github.com/mdouchement/s3cache/internal/config"
)

const (
	swiftPageSize   = 1000
	swiftRetryWait  = 500 * time.Millisecond
	swiftMaxBackoff = 20 * time.Second
)

type swiftbackend struct {
	logger    logger.Logger
	conn      *swift.Connection
	container string
	retries   int
}

// NewSwift returns a backend for an OpenStack Swift container.
// Bodyless requests are retried by a retryablehttp transport, uploads by the backend itself.
func NewSwift(ctx context.Context, cfg config.Config, log logger.Logger) (Backend, error) {
	client := retryablehttp.NewClient()
	client.RetryWaitMin = swiftRetryWait
	client.RetryWaitMax = swiftMaxBackoff
	client.RetryMax = cfg.Retries
	client.Logger = newLeveledLogger(log)

	conn := &swift.Connection{
		AuthUrl:  cfg.Swift.AuthURL,
		UserName: cfg.Swift.Username,
		ApiKey:   cfg.Swift.APIKey,
		Tenant:   cfg.Swift.Tenant,
		Domain:   cfg.Swift.Domain,
		Region:   cfg.Swift.Region,
		Retries:  1, // re-authentication only
		Transport: &swiftTransport{
			retrying: &retryablehttp.RoundTripper{Client: client},
			direct:   client.HTTPClient.Transport,
		},
	}

	b := &swiftbackend{
		logger:    log,
		conn:      conn,
		container: cfg.Bucket,
		retries:   cfg.Retries,
	}

	if err := conn.Authenticate(ctx); err != nil {
		return nil, errors.Wrap(err, "could not authenticate")
	}
	return b, b.ensureContainer(ctx, cfg.CreateBucket)
}

func (b *swiftbackend) ensureContainer(ctx context.Context, create bool) error {
	_, _, err := b.conn.Container(ctx, b.container)
	if err == nil {
		return nil
	}
	if err != swift.ContainerNotFound {
		return errors.Wrapf(err, "could not check container %s", b.container)
	}
	if !create {
		return errors.Errorf("container %s not found, and create not allowed", b.container)
	}

	b.logger.Infof("Creating container %s", b.container)
	return errors.Wrapf(b.conn.ContainerCreate(ctx, b.container, nil), "could not create container %s", b.container)
}

func (b *swiftbackend) Name() string {
	return "swift"
}

func (b *swiftbackend) Exists(ctx context.Context, key string) (bool, error) {
	_, _, err := b.conn.Object(ctx, b.container, key)
	if err == nil {
		return true, nil
	}
	if err == swift.ObjectNotFound {
		return false, nil
	}
	return false, errors.Wrapf(err, "could not head %s", key)
}

// Put uploads the content, retrying server side failures when r can be rewound.
func (b *swiftbackend) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	for attempt := 0; ; attempt++ {
		_, err := b.conn.ObjectPut(ctx, b.container, key, r, false, "", "application/octet-stream", nil)
		if err == nil {
			return nil
		}
		if attempt >= b.retries || !retryable(err) || !rewind(r) {
			return errors.Wrapf(err, "could not put %s", key)
		}

		wait := retryablehttp.DefaultBackoff(swiftRetryWait, swiftMaxBackoff, attempt, nil)
		b.logger.Warnf("put %s failed (%s), retrying in %s", key, err, wait)

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "could not put %s", key)
		case <-time.After(wait):
		}
	}
}

func (b *swiftbackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, _, err := b.conn.ObjectOpen(ctx, b.container, key, false, nil)
	if err == swift.ObjectNotFound {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not get %s", key)
	}
	return f, nil
}

func (b *swiftbackend) Delete(ctx context.Context, key string) error {
	err := b.conn.ObjectDelete(ctx, b.container, key)
	if err == swift.ObjectNotFound {
		return nil
	}
	return errors.Wrapf(err, "could not delete %s", key)
}

func (b *swiftbackend) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		opts := &swift.ObjectsOpts{
			Prefix: prefix,
			Limit:  swiftPageSize,
		}

		for {
			names, err := b.conn.ObjectNames(ctx, b.container, opts)
			if err != nil {
				yield("", errors.Wrapf(err, "could not list %s", prefix))
				return
			}

			for _, name := range names {
				if !yield(name, nil) {
					return
				}
			}

			if len(names) < swiftPageSize {
				return
			}
			opts.Marker = names[len(names)-1]
		}
	}
}

func (b *swiftbackend) Close() error {
	return nil
}

func retryable(err error) bool {
	var serr *swift.Error
	if errors.As(err, &serr) {
		return serr.StatusCode >= http.StatusInternalServerError || serr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func rewind(r io.Reader) bool {
	s, ok := r.(io.Seeker)
	if !ok {
		return false
	}
	_, err := s.Seek(0, io.SeekStart)
	return err == nil
}

// swiftTransport routes the requests without body through the retrying transport.
// Request bodies are streamed once since retryablehttp would buffer them in memory.
type swiftTransport struct {
	retrying http.RoundTripper
	direct   http.RoundTripper
}

func (t *swiftTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return t.retrying.RoundTrip(req)
	}
	return t.direct.RoundTrip(req)
}

//
//-----
//

// leveledLogger implements retryablehttp.LeveledLogger on top of a logger.Logger.
type leveledLogger struct {
	log logger.Logger
}

func newLeveledLogger(log logger.Logger) retryablehttp.LeveledLogger {
	return &leveledLogger{log: log.WithPrefix("[http]")}
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Errorf("%s %v", msg, keysAndValues)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warnf("%s %v", msg, keysAndValues)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugf("%s %v", msg, keysAndValues)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debugf("%s %v", msg, keysAndValues)
}
