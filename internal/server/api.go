package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"bridge-controller/internal/scheduler"

	"github.com/robfig/cron/v3"
)

const maxScriptBytes = 64 << 10

// Scripts is the script library and runner behind /api/scripts.
type Scripts interface {
	Scripts() ([]string, error)
	ScriptCode(name string) (string, error)
	SaveScript(name, code string) error
	DeleteScript(name string) error
	RunScript(name string) error
	StopScript() error
}

// Schedules is the cron table behind /api/schedules.
type Schedules interface {
	Add(spec, command string) (cron.EntryID, error)
	Remove(id int)
	GetAll() map[cron.EntryID]scheduler.ScheduleEntry
}

// Settings is the key/value store behind /api/settings.
type Settings interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// SetSettings enables the settings endpoints. Call before serving.
func (s *Server) SetSettings(st Settings) { s.settings = st }

// SetScripts enables the script endpoints. Call before serving.
func (s *Server) SetScripts(sc Scripts) { s.scripts = sc }

// SetSchedules enables the schedule endpoints. Call before serving.
func (s *Server) SetSchedules(sc Schedules) { s.schedules = sc }

func (s *Server) scriptRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/scripts", s.withScripts(func(w http.ResponseWriter, r *http.Request) {
		list, err := s.scripts.Scripts()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, list)
	}))
	mux.HandleFunc("GET /api/scripts/{name}", s.withScripts(func(w http.ResponseWriter, r *http.Request) {
		code, err := s.scripts.ScriptCode(r.PathValue("name"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": r.PathValue("name"), "code": code})
	}))
	mux.HandleFunc("PUT /api/scripts/{name}", s.withScripts(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxScriptBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		if err := s.scripts.SaveScript(r.PathValue("name"), string(body)); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.broadcastScripts()
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("DELETE /api/scripts/{name}", s.withScripts(func(w http.ResponseWriter, r *http.Request) {
		if err := s.scripts.DeleteScript(r.PathValue("name")); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.broadcastScripts()
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("POST /api/scripts/{name}/run", s.withScripts(func(w http.ResponseWriter, r *http.Request) {
		if err := s.scripts.RunScript(r.PathValue("name")); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"running": r.PathValue("name")})
	}))
	mux.HandleFunc("POST /api/scripts/stop", s.withScripts(func(w http.ResponseWriter, r *http.Request) {
		if err := s.scripts.StopScript(); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
}

func (s *Server) scheduleRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/schedules", s.withSchedules(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.schedules.GetAll())
	}))
	mux.HandleFunc("POST /api/schedules", s.withSchedules(func(w http.ResponseWriter, r *http.Request) {
		var entry scheduler.ScheduleEntry
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&entry); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		id, err := s.schedules.Add(entry.Spec, entry.Command)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.Hub.Broadcast(NewMessage("schedule_list", s.schedules.GetAll()))
		writeJSON(w, http.StatusCreated, map[string]int{"id": int(id)})
	}))
	mux.HandleFunc("DELETE /api/schedules/{id}", s.withSchedules(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		s.schedules.Remove(id)
		s.Hub.Broadcast(NewMessage("schedule_list", s.schedules.GetAll()))
		w.WriteHeader(http.StatusNoContent)
	}))
}

func (s *Server) settingsRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/settings/{key}", func(w http.ResponseWriter, r *http.Request) {
		if s.settings == nil {
			writeError(w, http.StatusNotImplemented, "settings disabled")
			return
		}
		value, ok, err := s.settings.Get(r.Context(), r.PathValue("key"))
		switch {
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		case !ok:
			writeError(w, http.StatusNotFound, "not set")
		default:
			writeJSON(w, http.StatusOK, map[string]string{r.PathValue("key"): value})
		}
	})
	mux.HandleFunc("PUT /api/settings/{key}", func(w http.ResponseWriter, r *http.Request) {
		if s.settings == nil {
			writeError(w, http.StatusNotImplemented, "settings disabled")
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		if err := s.settings.Set(r.Context(), r.PathValue("key"), string(body)); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) withScripts(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.scripts == nil {
			writeError(w, http.StatusNotImplemented, "scripting disabled")
			return
		}
		h(w, r)
	}
}

func (s *Server) withSchedules(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.schedules == nil {
			writeError(w, http.StatusNotImplemented, "scheduler disabled")
			return
		}
		h(w, r)
	}
}

func (s *Server) broadcastScripts() {
	if list, err := s.scripts.Scripts(); err == nil {
		s.Hub.Broadcast(NewMessage("script_list", list))
	}
}
