package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/jmcleod/pkidesk/certerr"
)

// Health reports that the server is up.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// GetCACertificate serves the CA certificate DER. Clients cache it for five
// minutes.
func (a *API) GetCACertificate(w http.ResponseWriter, r *http.Request) {
	der, err := a.repo.CACertificate(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeDER(w, ContentTypeCertificate, der)
}

func (a *API) ListCSRs(w http.ResponseWriter, r *http.Request) {
	names, err := a.repo.ListPendingCSRs(r.Context())
	a.writeNames(w, r, names, err)
}

func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	names, err := a.repo.ListCertificates(r.Context())
	a.writeNames(w, r, names, err)
}

func (a *API) writeNames(w http.ResponseWriter, r *http.Request, names []string, err error) {
	if err != nil {
		mapError(w, err)
		return
	}
	limit, offset := parsePagination(r)
	start, end, meta := paginateSlice(len(names), limit, offset)
	page := names[start:end]
	if page == nil {
		page = []string{}
	}
	writeJSON(w, http.StatusOK, NameListResponse{Names: page, PaginationMeta: meta})
}

func (a *API) GetCSR(w http.ResponseWriter, r *http.Request) {
	der, err := a.repo.GetCSR(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeDER(w, ContentTypeCSR, der)
}

func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	der, err := a.repo.GetCertificate(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeDER(w, ContentTypeCertificate, der)
}

// SubmitCSR stages the DER CSR in the request body under {name}.
func (a *API) SubmitCSR(w http.ResponseWriter, r *http.Request) {
	a.handleSubmit(w, r, AuditCSRSubmitted, AuditCSRRejected, a.repo.SubmitCSR)
}

// PublishCertificate stores the DER certificate in the request body under
// {name}, retiring the pending CSR.
func (a *API) PublishCertificate(w http.ResponseWriter, r *http.Request) {
	a.handleSubmit(w, r, AuditCertificatePublished, AuditPublishRejected, a.repo.PublishCertificate)
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request, okEvent, rejectEvent AuditEvent,
	submit func(ctx context.Context, name string, der []byte) error) {
	name := chi.URLParam(r, "name")
	clientIP := a.extractClientIP(r)

	if blocked, retryAfter := a.limiter.check(clientIP); blocked {
		a.audit.log(AuditSubmitRateLimited, r, clientIP, name)
		writeRateLimited(w, retryAfter)
		return
	}

	body, err := readBody(w, r, a.maxBodyBytes)
	if err == nil {
		err = submit(r.Context(), name, body)
	}
	if err != nil {
		if countsAsFailure(err) {
			a.limiter.recordFailure(clientIP)
		}
		a.audit.logFailure(rejectEvent, r, clientIP, name, err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, certerr.KindInvalid, err.Error())
			return
		}
		mapError(w, err)
		return
	}

	a.limiter.recordSuccess(clientIP)
	a.audit.log(okEvent, r, clientIP, name)
	zerolog.Ctx(r.Context()).Debug().Str("name", name).Int("bytes", len(body)).Msg("stored")
	writeJSON(w, http.StatusCreated, NameResponse{Name: name})
}

// readBody reads the whole request body, capped at limit bytes.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("body exceeds %d bytes: %w: %w", limit, certerr.ErrInvalid, err)
		}
		return nil, fmt.Errorf("reading body: %w: %w", certerr.ErrTransport, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body: %w", certerr.ErrInvalid)
	}
	return body, nil
}

func writeDER(w http.ResponseWriter, contentType string, der []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(der)
}
