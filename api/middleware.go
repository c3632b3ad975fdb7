package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// clockSkew is the device clock drift above which we complain.
	clockSkew = time.Minute
	// requestTTL is the device clock drift above which a request is
	// rejected outright, keeping replays outside the idempotency window
	// from being accepted as new.
	requestTTL = 3 * time.Minute
)

const (
	fingerprintKey = "deviceFingerprint"
	deviceTimeKey  = "deviceTime"
)

// deviceIdentity resolves the caller's fingerprint and declared clock.
// With mutual TLS the fingerprint comes from the peer certificate; the
// header fallback exists for plain-HTTP development setups.
func (s *Server) deviceIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		fingerprint := ""
		if tls := c.Request.TLS; tls != nil && len(tls.PeerCertificates) > 0 {
			fingerprint = certFingerprint(tls.PeerCertificates[0].Raw)
		}
		if fingerprint == "" {
			fingerprint = c.GetHeader("X-Device-Fingerprint")
		}
		if fingerprint == "" {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		deviceTime, err := http.ParseTime(c.GetHeader("Date"))
		if err != nil {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}

		c.Set(fingerprintKey, fingerprint)
		c.Set(deviceTimeKey, deviceTime)
		c.Next()
	}
}

// filterStale rejects requests whose declared device time is too far in
// the past before they can reach the ledger.
func (s *Server) filterStale() gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceTime := c.MustGet(deviceTimeKey).(time.Time)
		delta := time.Since(deviceTime)

		if delta > clockSkew {
			s.log.Error("device clock skew too high, adjust machine clock",
				"device", c.GetString(fingerprintKey), "skew", delta.Round(10*time.Millisecond))
		}
		if delta > requestTTL {
			c.AbortWithStatus(http.StatusRequestTimeout)
			return
		}
		c.Next()
	}
}

// idempotent deduplicates state-mutating actions by the request-id
// header. First sight claims the id and records the final response;
// a retry while the original is in flight gets an empty 204, and a retry
// after completion replays the stored response verbatim.
func (s *Server) idempotent() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("request-id")
		if requestID == "" {
			c.Next()
			return
		}
		fingerprint := c.GetString(fingerprintKey)

		outcome, err := s.cache.BeginAction(c.Request.Context(), requestID, fingerprint)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		switch {
		case outcome.AlreadyPending:
			c.AbortWithStatus(http.StatusNoContent)
			return
		case !outcome.New:
			c.Abort()
			c.Data(outcome.StatusCode, "application/json", outcome.Body)
			return
		}

		writer := &recordingWriter{ResponseWriter: c.Writer, body: &strings.Builder{}, statusCode: http.StatusOK}
		c.Writer = writer

		c.Next()

		c.Writer = writer.ResponseWriter
		body := []byte(writer.body.String())
		if err := s.cache.CompleteAction(c.Request.Context(), requestID, fingerprint, body, writer.statusCode); err != nil {
			// The record stays pending, so a device retry is safe.
			s.log.Error("idempotent completion failed", "request", requestID, "err", err)
		}
		c.Writer.WriteHeader(writer.statusCode)
		c.Writer.Write(body)
	}
}

// recordingWriter captures the response so the idempotency cache can
// store it before it reaches the wire.
type recordingWriter struct {
	gin.ResponseWriter
	body       *strings.Builder
	statusCode int
	written    bool
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return len(b), nil
}

func (w *recordingWriter) WriteString(str string) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.WriteString(str)
}

// certFingerprint is the hex SHA-256 digest of the peer certificate,
// matching how machines identify themselves at pairing time.
func certFingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
