package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/stampstore/stampstore/internal/alert"
	stamperr "github.com/stampstore/stampstore/internal/errors"
	"github.com/stampstore/stampstore/internal/logging"
)

// multipartMemory is the part of a multipart body kept in memory; the rest
// spills to temporary files.
const multipartMemory = 8 << 20

// UploadResponse is the JSON body returned by /put_avro.
type UploadResponse struct {
	Status string `json:"status"`
	Survey string `json:"survey_id"`
	Candid string `json:"candid"`
	Object string `json:"object"`
}

// putAvro handles POST /put_avro: a multipart form with the record in the
// "avro" file field plus "candid" and "survey_id" values.
func (s *Server) putAvro(w http.ResponseWriter, r *http.Request) {
	if limit := s.cfg.Server.MaxUploadSize; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("upload exceeds %d bytes: %w", tooLarge.Limit, stamperr.ErrTooLarge)
		} else {
			err = fmt.Errorf("reading multipart form: %v: %w", err, stamperr.ErrMissingParameter)
		}
		writeProblem(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("avro")
	if err != nil {
		writeProblem(w, r, fmt.Errorf("avro file: %w", stamperr.ErrMissingParameter))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeProblem(w, r, fmt.Errorf("reading avro file: %w", err))
		return
	}

	survey := strings.TrimSpace(r.FormValue("survey_id"))
	candid := strings.TrimSpace(r.FormValue("candid"))
	if err := s.svc.PutAvro(r.Context(), survey, candid, data); err != nil {
		writeProblem(w, r, err)
		return
	}

	name, _ := alert.ObjectName(candid)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(UploadResponse{
		Status: "ok",
		Survey: survey,
		Candid: candid,
		Object: name,
	}); err != nil {
		logging.FromContext(r.Context()).Error("Writing upload response", "error", err)
	}
}
