package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sproutling/arduino/handler"
	"sproutling/protocol"
	"sproutling/store"
)

// MountHTTPAPI は JSON の REST API を r に追加する
//
//	GET    /healthz
//	GET    /api/status
//	POST   /api/connect
//	POST   /api/refresh
//	POST   /api/water
//	GET    /api/plants
//	POST   /api/plants
//	DELETE /api/plants/{name}
//	GET    /api/settings
func (ws *WebSocketServer) MountHTTPAPI(r chi.Router) {
	r.Get("/healthz", ws.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Recoverer)

		r.Get("/status", ws.handleGetStatus)
		r.Post("/connect", ws.handlePostConnect)
		r.Post("/refresh", ws.handlePostRefresh)
		r.Post("/water", ws.handlePostWater)
		r.Get("/settings", ws.handleGetSettings)

		r.Route("/plants", func(r chi.Router) {
			r.Get("/", ws.handleListPlants)
			r.Post("/", ws.handleAddPlant)
			r.Delete("/{name}", ws.handleRemovePlant)
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code protocol.ErrorCode, message string) {
	writeJSON(w, status, protocol.Error{Code: code, Message: message})
}

func (ws *WebSocketServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  ws.controller.State().String(),
	})
}

func (ws *WebSocketServer) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.StatusToProtocol(ws.controller.Status()))
}

func (ws *WebSocketServer) handlePostConnect(w http.ResponseWriter, r *http.Request) {
	state := ws.controller.Connect(r.Context())
	payload := protocol.ConnectionStatePayload{
		State:   state.String(),
		Address: ws.controller.Address(),
	}
	if state == handler.Offline {
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (ws *WebSocketServer) handlePostRefresh(w http.ResponseWriter, r *http.Request) {
	report, ok := ws.controller.RefreshStatus(r.Context())
	if !ok {
		writeError(w, http.StatusServiceUnavailable, protocol.ErrorCodeControllerOffline,
			"controller is "+ws.controller.State().String())
		return
	}
	writeJSON(w, http.StatusOK, protocol.StatusToProtocol(report))
}

func (ws *WebSocketServer) handlePostWater(w http.ResponseWriter, r *http.Request) {
	result := ws.controller.WaterPlant(r.Context())
	if !result.Delivered() {
		writeError(w, http.StatusBadGateway, protocol.ErrorCodeControllerCommunication, result.Message)
		return
	}
	writeJSON(w, http.StatusOK, protocol.WaterResultToProtocol(result))
}

func (ws *WebSocketServer) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	s, err := ws.settings()
	if err != nil {
		slog.Warn("設定の読み出しに失敗しました", "err", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrorCodeInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (ws *WebSocketServer) handleListPlants(w http.ResponseWriter, _ *http.Request) {
	plants, err := ws.store.ListPlants()
	if err != nil {
		slog.Warn("植物一覧の取得に失敗しました", "err", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrorCodeInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, protocol.PlantsToProtocol(plants))
}

func (ws *WebSocketServer) handleAddPlant(w http.ResponseWriter, r *http.Request) {
	var req protocol.AddPlantPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrorCodeInvalidRequestFormat, `body must be {"name":"<plant>","species":"<optional>"}`)
		return
	}
	plant, err := ws.store.AddPlant(req.Name, req.Species)
	if err != nil {
		if errors.Is(err, store.ErrPlantExists) {
			writeError(w, http.StatusConflict, protocol.ErrorCodeAlreadyExists, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, protocol.ErrorCodeInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, protocol.PlantToProtocol(plant))
}

func (ws *WebSocketServer) handleRemovePlant(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if err := ws.store.RemovePlant(name); err != nil {
		if errors.Is(err, store.ErrPlantNotFound) {
			writeError(w, http.StatusNotFound, protocol.ErrorCodeTargetNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, protocol.ErrorCodeInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
