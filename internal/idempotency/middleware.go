package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"

	// lease bounds how long a crashed first request can block retries.
	lease = 30 * time.Second
)

// Middleware makes POST requests carrying an Idempotency-Key header
// repeatable: the first completed response is stored for ttl and replayed
// for later requests with the same key on the same route. Server errors are
// not stored, so the client may retry them. When the store is unavailable the
// request is served normally.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(HeaderKey)
			if r.Method != http.MethodPost || clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Method + " " + r.URL.Path + " " + clientKey
			ctx := r.Context()
			fields := log.Fields{"idempotency_key": clientKey, "path": r.URL.Path}

			state, stored, err := store.Begin(ctx, key, lease)
			if err != nil {
				log.WithError(err).WithFields(fields).Warn("idempotency: store unavailable, serving without guard")
				next.ServeHTTP(w, r)
				return
			}

			switch state {
			case StateDone:
				log.WithFields(fields).Info("idempotency: replaying stored response")
				replay(w, stored)
				return
			case StateInFlight:
				writeJSONError(w, http.StatusConflict, "a request with this Idempotency-Key is still in progress")
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// The response is already written; the bookkeeping must not
			// depend on the client staying connected.
			bg := context.WithoutCancel(ctx)
			if rec.status >= http.StatusInternalServerError {
				if err := store.Release(bg, key); err != nil {
					log.WithError(err).WithFields(fields).Warn("idempotency: release failed")
				}
				return
			}
			resp := Response{Status: rec.status, ContentType: rec.Header().Get("Content-Type"), Body: rec.body.Bytes()}
			if err := store.Save(bg, key, resp, ttl); err != nil {
				log.WithError(err).WithFields(fields).Warn("idempotency: save failed")
			}
		})
	}
}

func replay(w http.ResponseWriter, resp *Response) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// recorder passes the response through while keeping a copy.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
