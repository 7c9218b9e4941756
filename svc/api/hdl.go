package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"sharebox/metrics"
	"sharebox/pkg/domain"
	"sharebox/svc/share"
	"sharebox/svc/svc"
	"sharebox/svc/util"
)

const defaultBrowsePath = "0"

type Hdl struct {
	paste *svc.Paste
	roots *share.Roots
}

func browseLink(virtual string) string {
	return "/browse?path=" + url.QueryEscape(virtual)
}
func downloadLink(virtual string) string {
	return "/download?path=" + url.QueryEscape(virtual)
}

func (h *Hdl) shares() []domain.Entry {
	roots := h.roots.Roots()
	out := make([]domain.Entry, 0, len(roots))
	for _, root := range roots {
		out = append(out, domain.Entry{
			Link:  browseLink(root.Token),
			Label: norm.NFC.String(root.Name),
			Dir:   true,
		})
	}
	return out
}

// Index lists the share roots.
func (h *Hdl) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.shares())
}

// Browse lists one shared directory. Subdirectories and files are sorted by
// name; ".." leads the directories when the parent is itself shared.
func (h *Hdl) Browse(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	virtual := r.URL.Query().Get("path")
	if virtual == "" {
		virtual = defaultBrowsePath
	}
	dir, err := h.roots.Resolve(virtual)
	if err != nil {
		h.deny(w, r, "browse", virtual, err)
		return
	}
	info, err := os.Stat(dir)
	if err != nil {
		h.deny(w, r, "browse", virtual, errors.Wrap(domain.ErrDenied, err.Error()))
		return
	}
	if !info.IsDir() {
		h.deny(w, r, "browse", virtual, errors.Wrap(domain.ErrDenied, "not a directory"))
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		h.deny(w, r, "browse", virtual, errors.Wrap(domain.ErrDenied, err.Error()))
		return
	}

	here := h.roots.Shorten(dir)
	listing := domain.Listing{
		Path:   here,
		Shares: h.shares(),
		Dirs:   []domain.Entry{},
		Files:  []domain.Entry{},
	}
	if parent := filepath.Dir(dir); parent != dir && h.roots.IsAllowed(parent) {
		listing.Dirs = append(listing.Dirs, domain.Entry{
			Link:  browseLink(h.roots.Shorten(parent)),
			Label: "..",
			Dir:   true,
		})
	}
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		// Symlinks pointing out of every share are hidden rather than listed
		// as dead links.
		if !h.roots.IsAllowed(full) {
			continue
		}
		isDir := e.IsDir()
		if e.Type()&os.ModeSymlink != 0 {
			target, err := os.Stat(full)
			if err != nil {
				continue
			}
			isDir = target.IsDir()
		}
		child := here + "/" + e.Name()
		entry := domain.Entry{Label: norm.NFC.String(e.Name()), Dir: isDir}
		if isDir {
			entry.Link = browseLink(child)
			listing.Dirs = append(listing.Dirs, entry)
		} else {
			entry.Link = downloadLink(child)
			listing.Files = append(listing.Files, entry)
		}
	}
	hlog.FromRequest(r).Debug().
		Str("path", here).
		Int("dirs", len(listing.Dirs)).
		Int("files", len(listing.Files)).
		Str("request_id", requestID).
		Msg("directory listed")
	writeJSON(w, http.StatusOK, listing)
}

// Download streams one shared regular file as an attachment. Range and
// conditional requests are handled by http.ServeContent.
func (h *Hdl) Download(w http.ResponseWriter, r *http.Request) {
	virtual := r.URL.Query().Get("path")
	if virtual == "" {
		writeErr(w, domain.ErrPathRequired, util.GetRequestID(r.Context()))
		return
	}
	p, err := h.roots.Resolve(virtual)
	if err != nil {
		h.deny(w, r, "download", virtual, err)
		return
	}
	f, err := os.Open(p)
	if err != nil {
		h.deny(w, r, "download", virtual, errors.Wrap(domain.ErrDenied, err.Error()))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		h.deny(w, r, "download", virtual, errors.Wrap(domain.ErrDenied, err.Error()))
		return
	}
	if !info.Mode().IsRegular() {
		h.deny(w, r, "download", virtual, errors.Wrap(domain.ErrDenied, "not a regular file"))
		return
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": info.Name()})
	if disposition == "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", disposition)
	metrics.FilesDownloaded.Inc()
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (h *Hdl) deny(w http.ResponseWriter, r *http.Request, endpoint, virtual string, err error) {
	requestID := util.GetRequestID(r.Context())
	metrics.PathDenied.WithLabelValues(endpoint).Inc()
	hlog.FromRequest(r).Warn().
		Err(err).
		Str("path", virtual).
		Str("request_id", requestID).
		Msg("path denied")
	writeErr(w, domain.ErrDenied, requestID)
}

// ListPastes returns every paste, newest first.
func (h *Hdl) ListPastes(w http.ResponseWriter, r *http.Request) {
	pastes, err := h.paste.List(r.Context())
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, pastes)
}

// SubmitPaste stores the raw request body and answers with its retrieval URL.
func (h *Hdl) SubmitPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	body, err := io.ReadAll(r.Body)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("request_id", requestID).Msg("failed to read paste body")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	id, err := h.paste.Insert(r.Context(), body, svc.SourceHTTP)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, scheme+"://"+r.Host+"/download_paste/"+strconv.FormatInt(id, 10))
}

// DownloadPaste serves a paste's bytes with its text or binary content type.
func (h *Hdl) DownloadPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, domain.ErrPasteNotFound, requestID)
		return
	}
	p, err := h.paste.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", p.ContentType())
	w.Header().Set("Content-Length", strconv.FormatInt(int64(len(p.Content)), 10))
	w.WriteHeader(http.StatusOK)
	w.Write(p.Content)
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	errorMsg := domain.ToResp(err).Error.Msg
	switch {
	case statusCode == http.StatusServiceUnavailable:
		util.Error().Err(err).Str("request_id", requestID).Msg("paste store unavailable")
	case statusCode >= 500:
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}
