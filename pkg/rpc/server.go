// Package rpc exposes the manager.Manager query surface over HTTP+JSON
// and fans out the four async notifications of spec.md §4.6 over a
// websocket, grounded on the teacher's cmd/interpreter_api (plain
// net/http handlers, gorilla/websocket client-set broadcast) and on
// the method names from original_source's plugin/energyjsonhandler.cpp.
package rpc

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NotCoffee418/nymea-energycore/pkg/manager"
	"github.com/NotCoffee418/nymea-energycore/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// notification is the wire envelope for every async message pushed over
// /ws, carrying the method name so a client can dispatch on it the same
// way the original's JSON-RPC notifications do.
type notification struct {
	Notification string `json:"notification"`
	Params       any    `json:"params"`
}

// Server exposes manager.Manager's query methods over HTTP and its
// notifications over a websocket broadcast hub, following the teacher's
// mutex-guarded client-set idiom.
type Server struct {
	mgr *manager.Manager

	wsMu      sync.RWMutex
	wsClients map[*websocket.Conn]bool
}

// New wires a Server to mgr, subscribing to every notification mgr
// exposes so each is rebroadcast to connected websocket clients.
func New(mgr *manager.Manager) *Server {
	s := &Server{
		mgr:       mgr,
		wsClients: make(map[*websocket.Conn]bool),
	}

	mgr.OnRootMeterChanged(func(id types.ThingID, ok bool) {
		params := map[string]any{}
		if ok {
			params["rootMeterThingId"] = id.String()
		}
		s.broadcast("RootMeterChanged", params)
	})
	mgr.OnPowerBalanceChanged(func(sample types.BalanceSample) {
		s.broadcast("PowerBalanceChanged", balanceToWire(sample))
	})
	mgr.OnBalanceLogEntryAdded(func(rate types.SampleRate, sample types.BalanceSample) {
		s.broadcast("PowerBalanceLogEntryAdded", map[string]any{
			"sampleRate": rate.String(),
			"sample":     balanceToWire(sample),
		})
	})
	mgr.OnThingLogEntryAdded(func(rate types.SampleRate, sample types.ThingSample) {
		s.broadcast("ThingPowerLogEntryAdded", map[string]any{
			"sampleRate": rate.String(),
			"sample":     thingToWire(sample),
		})
	})

	return s
}

// RegisterHandlers mounts the RPC surface on mux, following the flat
// per-method route shape the teacher uses (one http.HandleFunc per
// verb) rather than a JSON-RPC dispatch table.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/GetRootMeter", s.handleGetRootMeter)
	mux.HandleFunc("/SetRootMeter", s.handleSetRootMeter)
	mux.HandleFunc("/GetPowerBalance", s.handleGetPowerBalance)
	mux.HandleFunc("/GetPowerBalanceLogs", s.handleGetPowerBalanceLogs)
	mux.HandleFunc("/GetThingPowerLogs", s.handleGetThingPowerLogs)
	mux.HandleFunc("/ws", s.handleWebSocket)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleGetRootMeter(w http.ResponseWriter, r *http.Request) {
	id, ok := s.mgr.RootMeter()
	resp := map[string]any{}
	if ok {
		resp["rootMeterThingId"] = id.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetRootMeter(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("rootMeterThingId")
	if idStr == "" {
		writeJSON(w, http.StatusOK, map[string]string{"energyError": types.EnergyErrorMissingParameter.String()})
		return
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"energyError": types.EnergyErrorInvalidParameter.String()})
		return
	}

	result := s.mgr.SetRootMeter(id)
	writeJSON(w, http.StatusOK, map[string]string{"energyError": result.String()})
}

func (s *Server) handleGetPowerBalance(w http.ResponseWriter, r *http.Request) {
	sample, ok := s.mgr.CurrentPowerBalance()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, balanceToWire(sample))
}

func (s *Server) handleGetPowerBalanceLogs(w http.ResponseWriter, r *http.Request) {
	rate, ok := parseSampleRate(r.URL.Query().Get("sampleRate"))
	if !ok {
		writeError(w, http.StatusBadRequest, "sampleRate is required and must not be Any")
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.mgr.PowerBalanceLogs(rate, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, balanceToWire(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetThingPowerLogs(w http.ResponseWriter, r *http.Request) {
	rate, ok := parseSampleRate(r.URL.Query().Get("sampleRate"))
	if !ok {
		writeError(w, http.StatusBadRequest, "sampleRate is required and must not be Any")
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var thingIDs []types.ThingID
	for _, raw := range r.URL.Query()["thingId"] {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid thingId: "+raw)
			return
		}
		thingIDs = append(thingIDs, id)
	}

	rows, err := s.mgr.ThingPowerLogs(rate, thingIDs, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, thingToWire(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("rpc: websocket upgrade error: %v", err)
		return
	}

	s.wsMu.Lock()
	s.wsClients[conn] = true
	s.wsMu.Unlock()

	if sample, ok := s.mgr.CurrentPowerBalance(); ok {
		s.writeTo(conn, notification{Notification: "PowerBalanceChanged", Params: balanceToWire(sample)})
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.removeClient(conn)
			return
		}
	}
}

func (s *Server) broadcast(name string, params any) {
	msg := notification{Notification: name, Params: params}

	s.wsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.wsClients))
	for c := range s.wsClients {
		clients = append(clients, c)
	}
	s.wsMu.RUnlock()

	for _, c := range clients {
		s.writeTo(c, msg)
	}
}

func (s *Server) writeTo(conn *websocket.Conn, msg notification) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("rpc: failed to marshal notification: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.removeClient(conn)
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.wsMu.Lock()
	delete(s.wsClients, conn)
	s.wsMu.Unlock()
	conn.Close()
}

// balanceToWire converts internal-millisecond timestamps to the
// unix-seconds wire format of spec.md §6.
func balanceToWire(s types.BalanceSample) map[string]any {
	return map[string]any{
		"timestamp":        s.Timestamp / 1000,
		"sampleRate":       s.SampleRate.String(),
		"consumption":      s.Consumption,
		"production":       s.Production,
		"acquisition":      s.Acquisition,
		"storage":          s.Storage,
		"totalConsumption": s.TotalConsumption,
		"totalProduction":  s.TotalProduction,
		"totalAcquisition": s.TotalAcquisition,
		"totalReturn":      s.TotalReturn,
	}
}

func thingToWire(s types.ThingSample) map[string]any {
	return map[string]any{
		"timestamp":        s.Timestamp / 1000,
		"sampleRate":       s.SampleRate.String(),
		"thingId":          s.ThingID.String(),
		"currentPower":     s.CurrentPower,
		"totalConsumption": s.TotalConsumption,
		"totalProduction":  s.TotalProduction,
	}
}

func parseSampleRate(raw string) (types.SampleRate, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return types.SampleRateAny, false
	}
	rate := types.SampleRate(n)
	if rate == types.SampleRateAny {
		return types.SampleRateAny, false
	}
	return rate, true
}

// parseRange reads optional from/to query params as unix-seconds wire
// timestamps and converts them to the milliseconds the Archive expects.
func parseRange(r *http.Request) (from, to *int64, err error) {
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return nil, nil, perr
		}
		ms := v * 1000
		from = &ms
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		v, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return nil, nil, perr
		}
		ms := v * 1000
		to = &ms
	}
	return from, to, nil
}
