package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"bootvault/pkg/bus"
	"bootvault/pkg/errs"
	"bootvault/services/artifacts"
)

// multipartOverhead leaves room for form boundaries and headers around the file part.
const multipartOverhead = 1 << 20

func (a *API) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	list, err := a.store.Artifacts.List(ctx)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, artifactListResponse{Artifacts: list})
}

// handleUploadArtifact accepts a multipart form with the payload in the "file" field.
func (a *API) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	maxSize := a.store.Artifacts.MaxSize()
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			a.respondErr(w, r, errs.TooLargef("upload exceeds %d bytes", maxSize))
		case errors.Is(err, http.ErrMissingFile):
			a.respondErr(w, r, errs.Validationf("no file provided"))
		default:
			a.respondErr(w, r, errs.Validationf("read upload: %v", err))
		}
		return
	}
	defer file.Close()

	if header.Filename == "" {
		a.respondErr(w, r, errs.Validationf("no file selected"))
		return
	}

	content, err := io.ReadAll(io.LimitReader(file, maxSize+1))
	if err != nil {
		a.respondErr(w, r, errs.Storage("read upload", err))
		return
	}
	a.storeArtifact(w, r, header.Filename, content)
}

// handlePutArtifact stores the raw request body under the display name in the path.
func (a *API) handlePutArtifact(w http.ResponseWriter, r *http.Request) {
	maxSize := a.store.Artifacts.MaxSize()
	if r.ContentLength > maxSize {
		a.respondErr(w, r, errs.TooLargef("upload exceeds %d bytes", maxSize))
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxSize)
	defer body.Close()

	content, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.respondErr(w, r, errs.TooLargef("upload exceeds %d bytes", maxSize))
			return
		}
		a.respondErr(w, r, errs.Validationf("read body: %v", err))
		return
	}
	a.storeArtifact(w, r, chi.URLParam(r, "displayName"), content)
}

func (a *API) storeArtifact(w http.ResponseWriter, r *http.Request, displayName string, content []byte) {
	artifact, err := a.store.Artifacts.Put(r.Context(), displayName, content)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	a.metrics.uploads.Inc()
	a.metrics.uploadedBytes.Add(float64(artifact.Size))
	a.publish(r.Context(), bus.SubjectArtifactStored, artifactEvent{
		StoredName: artifact.StoredName,
		Digest:     artifact.Digest,
		Size:       artifact.Size,
	})

	respondJSON(w, http.StatusCreated, artifact)
}

func (a *API) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	storedName := chi.URLParam(r, "storedName")
	if err := a.store.Artifacts.Delete(ctx, storedName); err != nil {
		a.respondErr(w, r, err)
		return
	}

	a.metrics.deletes.Inc()
	a.publish(ctx, bus.SubjectArtifactsDeleted, artifactEvent{StoredName: storedName})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePresignArtifact(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	url, err := a.store.Artifacts.Presign(ctx, chi.URLParam(r, "storedName"), a.config.PresignTTL)
	if err != nil {
		if errors.Is(err, artifacts.ErrPresignUnsupported) {
			respondError(w, http.StatusNotImplemented, err)
			return
		}
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, presignResponse{
		URL:       url,
		ExpiresIn: int64(a.config.PresignTTL.Seconds()),
	})
}

// handleArtifactDownload streams a payload to boot clients.
func (a *API) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	storedName := chi.URLParam(r, "storedName")

	rc, size, err := a.store.Artifacts.Get(r.Context(), storedName)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			http.Error(w, fmt.Sprintf("artifact not found: %s", storedName), http.StatusNotFound)
			return
		}
		a.logger.Error().Err(err).Str("stored_name", storedName).Msg("open artifact")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": storedName}))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Warn().Err(err).Str("stored_name", storedName).Msg("stream artifact")
	}
}
