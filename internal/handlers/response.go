package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/transitops/fleet-ingest/internal/fleeterr"
)

type errorBody struct {
	Kind      fleeterr.Kind `json:"kind"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps a taxonomy error onto its HTTP status and a stable
// envelope. Cause chains stay in the logs; the body carries only the
// human-readable message.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	status := fleeterr.HTTPStatus(err)
	msg := err.Error()
	var fe *fleeterr.Error
	if errors.As(err, &fe) {
		msg = fe.Message()
	}
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Kind:      fleeterr.KindOf(err),
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}})
}

func writeValidationError(w http.ResponseWriter, log *logrus.Entry, msg string) {
	writeError(w, log, fleeterr.New(fleeterr.KindValidation, msg))
}
