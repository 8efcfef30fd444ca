package certrepo

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LoggingMiddleware logs every repository call at debug level and failures
// at warn level.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next Repository) Repository {
		return &loggingMiddleware{
			next:   next,
			logger: logger.With().Str("component", "certrepo").Logger(),
		}
	}
}

type loggingMiddleware struct {
	next   Repository
	logger zerolog.Logger
}

func (mw *loggingMiddleware) log(method, name string, begin time.Time, err error) {
	ev := mw.logger.Debug()
	if err != nil {
		ev = mw.logger.Warn().Err(err)
	}
	if name != "" {
		ev = ev.Str("name", name)
	}
	ev.Str("method", method).Dur("took", time.Since(begin)).Send()
}

func (mw *loggingMiddleware) ListPendingCSRs(ctx context.Context) (names []string, err error) {
	defer func(begin time.Time) { mw.log("ListPendingCSRs", "", begin, err) }(time.Now())
	return mw.next.ListPendingCSRs(ctx)
}

func (mw *loggingMiddleware) GetCSR(ctx context.Context, name string) (der []byte, err error) {
	defer func(begin time.Time) { mw.log("GetCSR", name, begin, err) }(time.Now())
	return mw.next.GetCSR(ctx, name)
}

func (mw *loggingMiddleware) SubmitCSR(ctx context.Context, name string, csrDER []byte) (err error) {
	defer func(begin time.Time) { mw.log("SubmitCSR", name, begin, err) }(time.Now())
	return mw.next.SubmitCSR(ctx, name, csrDER)
}

func (mw *loggingMiddleware) ListCertificates(ctx context.Context) (names []string, err error) {
	defer func(begin time.Time) { mw.log("ListCertificates", "", begin, err) }(time.Now())
	return mw.next.ListCertificates(ctx)
}

func (mw *loggingMiddleware) GetCertificate(ctx context.Context, name string) (der []byte, err error) {
	defer func(begin time.Time) { mw.log("GetCertificate", name, begin, err) }(time.Now())
	return mw.next.GetCertificate(ctx, name)
}

func (mw *loggingMiddleware) PublishCertificate(ctx context.Context, name string, certDER []byte) (err error) {
	defer func(begin time.Time) { mw.log("PublishCertificate", name, begin, err) }(time.Now())
	return mw.next.PublishCertificate(ctx, name, certDER)
}

func (mw *loggingMiddleware) CACertificate(ctx context.Context) (der []byte, err error) {
	defer func(begin time.Time) { mw.log("CACertificate", "", begin, err) }(time.Now())
	return mw.next.CACertificate(ctx)
}
