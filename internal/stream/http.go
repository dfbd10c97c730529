package stream

import (
	"log/slog"
	"net/http"
)

// Serve writes the encoder's chunks to w, flushing after each one. It
// returns when the sequence ends or the client goes away.
func Serve(w http.ResponseWriter, r *http.Request, e *Encoder) {
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	var sent uint64
	for chunk := range e.Chunks(r.Context()) {
		if _, err := w.Write(chunk); err != nil {
			slog.Debug("stream: client disconnected", "remote", r.RemoteAddr, "error", err)
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
		sent++
	}
	slog.Info("stream: viewer finished", "remote", r.RemoteAddr, "chunks", sent)
}
