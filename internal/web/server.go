package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"path"
	"time"

	"github.com/gorilla/websocket"
)

//go:embed assets/*
var embeddedAssets embed.FS

// Controller exposes the tracker actions to the Web UI.
// Implementations should be safe to call concurrently.
type Controller interface {
	Recentre() error
	ZeroDrift(ctx context.Context) error
	// GyroAction reports the gyro action button going down or up.
	GyroAction(down bool)
}

const defaultZeroDriftTimeout = 10 * time.Second

// Options wires the handler to the rest of the daemon. Nil fields disable
// the endpoints that need them.
type Options struct {
	Status     *Status
	Logs       *LogBuffer
	Controller Controller
	Aim        *AimBroadcaster

	// ZeroDriftTimeout bounds a zero drift request. It must exceed the
	// configured averaging window. Zero means 10s.
	ZeroDriftTimeout time.Duration
}

func (o Options) zeroDriftTimeout() time.Duration {
	if o.ZeroDriftTimeout > 0 {
		return o.ZeroDriftTimeout
	}
	return defaultZeroDriftTimeout
}

const wsWriteTimeout = 2 * time.Second

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

func Handler(opt Options) http.Handler {
	status, logs, ctl, aim := opt.Status, opt.Logs, opt.Controller, opt.Aim
	if status == nil {
		status = NewStatus()
	}
	zeroDriftTimeout := opt.zeroDriftTimeout()
	mux := http.NewServeMux()

	assetsFS, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		assetsFS = nil
	}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, status.Snapshot(time.Now().UTC()))
	})

	mux.HandleFunc("/api/aim", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		f, ok := aim.Last()
		if !ok {
			http.Error(w, "no aim frame yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, f)
	})

	mux.HandleFunc("/api/recentre", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		if ctl == nil {
			http.Error(w, "tracker unavailable", http.StatusNotFound)
			return
		}
		if err := ctl.Recentre(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeOK(w)
	})

	mux.HandleFunc("/api/zero-drift", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		if ctl == nil {
			http.Error(w, "tracker unavailable", http.StatusNotFound)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), zeroDriftTimeout)
		defer cancel()
		if err := ctl.ZeroDrift(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeOK(w)
	})

	mux.HandleFunc("/api/gyro/action", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		if ctl == nil {
			http.Error(w, "tracker unavailable", http.StatusNotFound)
			return
		}
		switch r.URL.Query().Get("state") {
		case "down":
			ctl.GyroAction(true)
		case "up":
			ctl.GyroAction(false)
		default:
			http.Error(w, "state must be down or up", http.StatusBadRequest)
			return
		}
		writeOK(w)
	})

	mux.HandleFunc("/api/aim/stream", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		serveAimSSE(w, r, aim)
	})

	mux.HandleFunc("/api/aim/ws", func(w http.ResponseWriter, r *http.Request) {
		serveAimWebsocket(w, r, aim)
	})

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}

	if assetsFS != nil {
		fileServer := http.FileServer(http.FS(assetsFS))
		mux.Handle("/assets/", http.StripPrefix("/assets/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			fileServer.ServeHTTP(w, r)
		})))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if r.URL.Path != "/" {
			if path.Dir(r.URL.Path) == "/api" || path.Dir(r.URL.Path) == "/assets" {
				http.NotFound(w, r)
				return
			}
		}

		var b []byte
		if assetsFS != nil {
			b, _ = fs.ReadFile(assetsFS, "index.html")
		}
		if b == nil {
			snap := status.Snapshot(time.Now().UTC())
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>gyroaim</title></head><body>")
			_, _ = fmt.Fprintf(w, "<h1>gyroaim</h1><p>Use <a href=\"/api/status\">/api/status</a>.</p>")
			_, _ = fmt.Fprintf(w, "<pre>source=%s\nframes_sent_total=%d</pre></body></html>", snap.Source, snap.FramesSentTotal)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})

	return mux
}

func serveAimSSE(w http.ResponseWriter, r *http.Request, aim *AimBroadcaster) {
	rc := http.NewResponseController(w)
	// The server write timeout would otherwise end the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, ch := aim.Subscribe(8)
	defer aim.Unsubscribe(id)

	if _, err := w.Write([]byte(": ping\n\n")); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(f)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func serveAimWebsocket(w http.ResponseWriter, r *http.Request, aim *AimBroadcaster) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		log.Printf("web: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	id, ch := aim.Subscribe(8)
	defer aim.Unsubscribe(id)

	// Client messages are ignored; reading is how a close is noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{\"ok\":true}\n"))
}

func Serve(ctx context.Context, listenAddr string, opt Options) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(opt),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      opt.zeroDriftTimeout() + 5*time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
