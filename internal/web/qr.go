package web

import (
	"net/http"
	"strconv"

	qrcode "github.com/skip2/go-qrcode"
)

// handleDeviceQR renders a QR code pointing at the device detail page,
// for pulling a device up on a phone while standing next to the plant.
func (s *WebServer) handleDeviceQR(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if _, ok := s.store.Get(id); !ok {
		http.NotFound(w, r)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	target := scheme + "://" + r.Host + "/devices/" + strconv.FormatInt(id, 10)

	png, err := qrcode.Encode(target, qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("qr encode failed", "device_id", id, "error", err)
		http.Error(w, "qr encoding failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}
