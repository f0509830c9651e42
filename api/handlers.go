package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/mtlsvault/audit"
	"github.com/jmcleod/mtlsvault/certs"
	"github.com/jmcleod/mtlsvault/storage"
)

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// fail maps err to a response and feeds forbidden outcomes to the anomaly
// collector.
func (a *API) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, certs.ErrForbidden) {
		a.alerts.recordDenied()
	}
	mapError(w, a.logger, err)
}

// SetupStatus handles GET /setup.
func (a *API) SetupStatus(w http.ResponseWriter, r *http.Request) {
	ok, err := a.svc.IsSetup(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SetupStatusResponse{Setup: ok})
}

// Setup handles POST /setup. It needs no identity: it creates the first
// admin and only succeeds once.
func (a *API) Setup(w http.ResponseWriter, r *http.Request) {
	var req certs.SetupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := a.svc.Setup(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SetupResponse{
		CAID:        res.CA.ID,
		ValidUntil:  res.CA.ValidUntil,
		AdminUserID: res.AdminUserID,
	})
}

// GetCA handles GET /ca.
func (a *API) GetCA(w http.ResponseWriter, r *http.Request) {
	status, err := a.svc.CAStatus(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// DownloadCA handles GET /ca/download. The caller is recorded when an
// identity is present but none is required.
func (a *API) DownloadCA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if id, err := a.identity(r); err == nil {
		ctx = certs.WithIdentity(ctx, id)
	}
	pemBytes, err := a.svc.CAPublicPEM(ctx)
	if err != nil {
		a.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="ca.crt"`)
	w.WriteHeader(http.StatusOK)
	w.Write(pemBytes)
}

func toCertificateResponse(l storage.LeafCertificate, now time.Time) CertificateResponse {
	return CertificateResponse{
		ID:              l.ID,
		Name:            l.Name,
		CreatedOn:       l.CreatedOn,
		ValidUntil:      l.ValidUntil,
		UserID:          l.OwnerUserID,
		CAID:            l.CAID,
		CertificateType: l.Type,
		TypeName:        l.Type.String(),
		Expired:         l.Expired(now),
	}
}

// ListCertificates handles GET /certificates.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	leaves, err := a.svc.ListCertificates(r.Context(), identityFrom(r))
	if err != nil {
		a.fail(w, err)
		return
	}
	window, meta := page(r, leaves)

	now := time.Now()
	out := make([]CertificateResponse, 0, len(window))
	for _, l := range window {
		out = append(out, toCertificateResponse(l, now))
	}
	writeJSON(w, http.StatusOK, ListCertificatesResponse{Certificates: out, PaginationMeta: meta})
}

// IssueCertificate handles POST /certificates.
func (a *API) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	var req certs.IssueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	leaf, err := a.svc.IssueCertificate(r.Context(), identityFrom(r), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.metrics.issued.Inc()
	writeJSON(w, http.StatusCreated, toCertificateResponse(*leaf, time.Now()))
}

// DownloadBundle handles GET /certificates/{id}/download.
func (a *API) DownloadBundle(w http.ResponseWriter, r *http.Request) {
	certID, ok := pathID(w, r)
	if !ok {
		return
	}
	id := identityFrom(r)
	bundle, err := a.svc.DownloadBundle(r.Context(), id, certID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.metrics.downloads.WithLabelValues("bundle").Inc()
	a.alerts.recordDownload(id.UserID)

	w.Header().Set("Content-Type", "application/x-pkcs12")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="certificate-%d.p12"`, certID))
	w.WriteHeader(http.StatusOK)
	w.Write(bundle)
}

// ExportPassword handles GET /certificates/{id}/password.
func (a *API) ExportPassword(w http.ResponseWriter, r *http.Request) {
	certID, ok := pathID(w, r)
	if !ok {
		return
	}
	id := identityFrom(r)
	password, err := a.svc.ExportPassword(r.Context(), id, certID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.metrics.downloads.WithLabelValues("password").Inc()
	a.alerts.recordDownload(id.UserID)
	writeJSON(w, http.StatusOK, PasswordResponse{Password: password})
}

// DeleteCertificate handles DELETE /certificates/{id}.
func (a *API) DeleteCertificate(w http.ResponseWriter, r *http.Request) {
	certID, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.svc.DeleteCertificate(r.Context(), identityFrom(r), certID); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddUser handles POST /users.
func (a *API) AddUser(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	role := storage.RoleUser
	if req.Role != "" {
		var err error
		if role, err = storage.ParseRole(req.Role); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	userID, err := a.svc.AddUser(r.Context(), identityFrom(r), storage.User{
		Name: req.Name, Email: req.Email, Role: role,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, AddUserResponse{ID: userID})
}

// RemoveUser handles DELETE /users/{id}.
func (a *API) RemoveUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.svc.RemoveUser(r.Context(), identityFrom(r), userID); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAudit handles GET /audit. Admins only. Optional "event" and
// "certificate_id" query parameters filter the entries.
func (a *API) ListAudit(w http.ResponseWriter, r *http.Request) {
	if a.auditLog == nil {
		writeError(w, http.StatusNotImplemented, "audit journal is not configured")
		return
	}
	if !identityFrom(r).IsAdmin() {
		a.fail(w, certs.ErrForbidden)
		return
	}

	q := r.URL.Query()
	f := audit.Filter{Event: audit.Event(q.Get("event"))}
	if v := q.Get("certificate_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid certificate_id")
			return
		}
		f.CertificateID = n
	}

	entries, err := a.auditLog.List(r.Context(), f)
	if err != nil {
		a.fail(w, err)
		return
	}
	window, meta := page(r, entries)
	writeJSON(w, http.StatusOK, ListAuditResponse{Entries: window, PaginationMeta: meta})
}
