package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"shiftcast/internal/coordinator"
	"shiftcast/internal/domain"
	"shiftcast/internal/store"
	logx "shiftcast/pkg/logx"
)

// Deps carries everything the handlers read or drive.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Shifts      *store.Store[domain.Shift]
	Caregivers  *store.Store[domain.Caregiver]
	Fanouts     *store.Store[domain.FanoutState]
	Log         logx.Logger
}

// shiftView is a shift joined with its fanout state, if any.
type shiftView struct {
	domain.Shift
	Fanout *domain.FanoutState `json:"fanout,omitempty"`
}

func newMux(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /caregivers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Caregivers.All())
	})

	mux.HandleFunc("GET /shifts", func(w http.ResponseWriter, r *http.Request) {
		views := []shiftView{}
		for _, s := range d.Shifts.All() {
			views = append(views, joinFanout(d, s))
		}
		writeJSON(w, http.StatusOK, views)
	})

	mux.HandleFunc("GET /shifts/{id}", func(w http.ResponseWriter, r *http.Request) {
		shift, ok := d.Shifts.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, domain.ErrShiftNotFound)
			return
		}
		writeJSON(w, http.StatusOK, joinFanout(d, shift))
	})

	mux.HandleFunc("POST /shifts/{id}/fanout", func(w http.ResponseWriter, r *http.Request) {
		state, err := d.Coordinator.Advance(r.Context(), r.PathValue("id"))
		if err != nil {
			writeDomainError(w, d.Log, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	})

	mux.HandleFunc("POST /messages/inbound", func(w http.ResponseWriter, r *http.Request) {
		var msg domain.InboundMessage
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&msg); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if msg.FromPhone == "" || msg.ShiftID == "" {
			writeError(w, http.StatusBadRequest, errors.New("from_phone and shift_id are required"))
			return
		}
		resp, err := d.Coordinator.HandleInbound(r.Context(), msg)
		if err != nil {
			writeDomainError(w, d.Log, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	return withRequestLog(d.Log, mux)
}

func joinFanout(d Deps, shift domain.Shift) shiftView {
	v := shiftView{Shift: shift}
	if state, ok := d.Fanouts.Get(shift.ID); ok {
		snap := state.Clone()
		v.Fanout = &snap
	}
	return v
}

func writeDomainError(w http.ResponseWriter, log logx.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrShiftNotFound), errors.Is(err, domain.ErrCaregiverNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		log.Error("request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// withRequestLog logs one line per request at debug level.
func withRequestLog(log logx.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", rec.status),
			logx.Duration("dur", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
