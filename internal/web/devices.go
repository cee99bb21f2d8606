package web

import (
	"net/http"
	"strconv"

	"github.com/fernbed/drip/internal/api"
	"github.com/fernbed/drip/internal/broker"
	"github.com/fernbed/drip/internal/devstate"
)

// PageData is the shared template context: brand, connection status
// for the header indicator, and the signed-in user.
type PageData struct {
	BrandName string
	Status    broker.Status
	Username  string
}

// DashboardData is the template context for the device overview.
// ListError and ClaimError are separate slots: the first renders above
// the device table, the second next to the claim form.
type DashboardData struct {
	PageData
	Devices    []devstate.Snapshot
	ListError  string
	ClaimError string
}

// DeviceData is the template context for the device detail page.
type DeviceData struct {
	PageData
	Device      devstate.Snapshot
	PresetError string
}

func (s *WebServer) pageData() PageData {
	pd := PageData{BrandName: brandName, Status: broker.StatusDisconnected}
	if s.broker != nil {
		pd.Status = s.broker.Status()
	}
	if s.sessions != nil {
		pd.Username, _ = s.sessions.Username()
	}
	return pd
}

// handleDashboard renders the device overview. The summary list comes
// from the platform on every load and replaces local identity and
// connectivity state; telemetry already held for known devices is
// preserved by the store.
func (s *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if !s.loggedIn() {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	data := DashboardData{PageData: s.pageData()}
	res := s.platform.Devices(r.Context())
	if res.IsError {
		s.logger.Warn("device list fetch failed", "code", res.Code, "message", res.Message)
		data.ListError = pageError("device list unavailable", res.Code, res.Message)
	} else {
		s.store.SyncList(res.Data)
	}
	data.Devices = s.store.List()

	if r.Header.Get("HX-Request") == "true" && r.Header.Get("HX-Target") == "device-list" {
		if s.renderBlock(w, "dashboard.html", "device-list", data) {
			return
		}
	}
	s.render(w, r, "dashboard.html", data)
}

// handleDevice renders the detail page and opens (or refreshes) the
// watch session for the device, so telemetry starts flowing before the
// websocket connects.
func (s *WebServer) handleDevice(w http.ResponseWriter, r *http.Request) {
	if !s.loggedIn() {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if err := s.binder.Watch(r.Context(), id); err != nil {
		s.logger.Warn("watch device", "device_id", id, "error", err)
		http.Error(w, "device unavailable: "+err.Error(), http.StatusBadGateway)
		return
	}
	s.markWatched(id)

	snap, ok := s.store.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	data := DeviceData{PageData: s.pageData(), Device: snap}
	if r.Header.Get("HX-Request") == "true" && r.Header.Get("HX-Target") == "device-reading" {
		if s.renderBlock(w, "device.html", "device-reading", data) {
			return
		}
	}
	s.render(w, r, "device.html", data)
}

// handleClaim registers a new device from the dashboard form. Errors
// come back inline on the overview page.
func (s *WebServer) handleClaim(w http.ResponseWriter, r *http.Request) {
	if !s.loggedIn() {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	name := r.FormValue("name")
	apiKey := r.FormValue("api_key")

	res := s.platform.ClaimDevice(r.Context(), name, apiKey)
	if res.IsError {
		data := DashboardData{
			PageData:   s.pageData(),
			Devices:    s.store.List(),
			ClaimError: pageError("claim failed", res.Code, res.Message),
		}
		s.render(w, r, "dashboard.html", data)
		return
	}

	s.store.Replace(res.Data)
	s.logger.Info("device claimed", "device_id", res.Data.ID, "name", res.Data.Name)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleWater sends a water-now command. Fire-and-forget: the page
// redirects back regardless, and the connection indicator is the only
// delivery signal the user gets.
func (s *WebServer) handleWater(w http.ResponseWriter, r *http.Request) {
	if !s.loggedIn() {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	s.broker.WaterNow(r.Context(), id)
	http.Redirect(w, r, "/devices/"+strconv.FormatInt(id, 10), http.StatusSeeOther)
}

// handlePreset stores a watering preset from the device detail form.
func (s *WebServer) handlePreset(w http.ResponseWriter, r *http.Request) {
	if !s.loggedIn() {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	preset, err := presetFromForm(r)
	if err != nil {
		s.renderPresetError(w, r, id, err.Error())
		return
	}

	res := s.platform.SetPreset(r.Context(), id, preset)
	if res.IsError {
		s.renderPresetError(w, r, id, pageError("preset rejected", res.Code, res.Message))
		return
	}
	http.Redirect(w, r, "/devices/"+strconv.FormatInt(id, 10), http.StatusSeeOther)
}

func (s *WebServer) renderPresetError(w http.ResponseWriter, r *http.Request, id int64, msg string) {
	snap, ok := s.store.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.render(w, r, "device.html", DeviceData{
		PageData:    s.pageData(),
		Device:      snap,
		PresetError: msg,
	})
}

// presetFromForm validates the preset form fields. Step presets need
// all three numbers; continuous needs only the watering time.
func presetFromForm(r *http.Request) (api.Preset, error) {
	wateringTime, err := strconv.Atoi(r.FormValue("watering_time"))
	if err != nil || wateringTime <= 0 {
		return api.Preset{}, errInvalidPreset("watering time must be a positive number of seconds")
	}

	switch r.FormValue("pattern") {
	case "continuous":
		return api.ContinuousPreset(wateringTime), nil
	case "step":
		steps, err := strconv.Atoi(r.FormValue("steps"))
		if err != nil || steps <= 0 {
			return api.Preset{}, errInvalidPreset("steps must be a positive number")
		}
		delay, err := strconv.Atoi(r.FormValue("delay"))
		if err != nil || delay < 0 {
			return api.Preset{}, errInvalidPreset("delay must be zero or more seconds")
		}
		return api.StepPreset(wateringTime, steps, delay), nil
	default:
		return api.Preset{}, errInvalidPreset("pattern must be continuous or step")
	}
}

type errInvalidPreset string

func (e errInvalidPreset) Error() string { return string(e) }
