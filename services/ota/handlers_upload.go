package ota

import (
	"errors"
	"net/http"

	"espota/services/firmware"
)

const multipartMemory = 1 << 20

func (a *API) handleUploadForm(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := map[string]any{
		"Action":   "/upload",
		"DeviceID": r.URL.Query().Get("device_id"),
		"Accept":   firmware.FirmwareExt,
	}
	if err := a.renderer.Execute(w, "upload.html.tmpl", data); err != nil {
		a.logger.Printf("ERROR render upload form: %v", err)
	}
}

// handleUpload stores one multipart firmware upload. An empty device id or an
// unselected file is answered with 200 and a plain-text notice.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		a.metrics.upload("rejected")
		a.logger.Printf("ERROR parse upload: %v", err)
		respondText(w, http.StatusBadRequest, "Bad Request\n")
		return
	}
	defer r.MultipartForm.RemoveAll()

	// A file part sent without a filename lands among the plain values.
	files := r.MultipartForm.File["file"]
	_, emptyFile := r.MultipartForm.Value["file"]
	if len(files) == 0 && !emptyFile {
		a.metrics.upload("rejected")
		a.logger.Printf("ERROR no file part")
		respondText(w, http.StatusBadRequest, "Bad Request\n")
		return
	}
	ids, ok := r.MultipartForm.Value["device_id"]
	if !ok {
		a.metrics.upload("rejected")
		a.logger.Printf("ERROR no device_id field")
		respondText(w, http.StatusBadRequest, "Bad Request\n")
		return
	}
	device := ""
	if len(ids) > 0 {
		device = ids[0]
	}
	if device == "" {
		a.metrics.upload("no_device")
		a.logger.Printf("ERROR no device")
		respondText(w, http.StatusOK, "No device\n")
		return
	}
	if len(files) == 0 || files[0].Filename == "" {
		a.metrics.upload("no_file")
		a.logger.Printf("ERROR no selected file")
		respondText(w, http.StatusOK, "No selected file\n")
		return
	}

	header := files[0]
	file, err := header.Open()
	if err != nil {
		a.metrics.upload("error")
		a.logger.Printf("ERROR open upload %s: %v", header.Filename, err)
		respondText(w, http.StatusBadRequest, "Bad Request\n")
		return
	}
	defer file.Close()

	receipt, err := a.uploads.Receive(r.Context(), device, header.Filename, file)
	if err != nil {
		if errors.Is(err, firmware.ErrValidation) {
			a.metrics.upload("rejected")
			a.logger.Printf("ERROR reject upload %s for %q: %v", header.Filename, device, err)
			respondText(w, http.StatusBadRequest, "Bad Request\n")
			return
		}
		a.metrics.upload("error")
		a.logger.Printf("ERROR store upload %s for %q: %v", header.Filename, device, err)
		respondStatus(w, http.StatusInternalServerError)
		return
	}
	a.metrics.upload("stored")

	rel, err := a.store.Rel(receipt.Artifact.Path)
	if err != nil {
		rel = receipt.Artifact.Path
	}
	a.publish(r.Context(), uploadedSubject, UploadedEvent{
		Identity: receipt.Identity,
		Path:     rel,
		Size:     receipt.Artifact.Size,
		MD5:      receipt.MD5,
		At:       a.now().UTC(),
	})
	a.mirrorArtifact(r.Context(), receipt.Artifact.Path, receipt.MD5)

	respondText(w, http.StatusOK, "OK\n")
}
