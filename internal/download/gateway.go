package download

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/apperr"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/telemetry"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/token"
)

const chunkSize = 32 << 10

// Limiter decides whether a client may download once more. Record appends
// the log entry only if the client is still under its ceiling.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, int, error)
	Record(ctx context.Context, entry models.DownloadLogEntry) (bool, error)
}

// Gateway serves generated exports to holders of a valid download token.
type Gateway struct {
	tokens   *token.Codec
	limiter  Limiter
	dir      string
	types    map[string]string
	proxies  []netip.Prefix
	log      *slog.Logger
	now      func() time.Time
}

// NewGateway serves files from dir whose extension is a key of types.
func NewGateway(tokens *token.Codec, limiter Limiter, dir string, types map[string]string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		tokens:   tokens,
		limiter:  limiter,
		dir:      dir,
		types:    types,
		log:      logger,
		now:      time.Now,
	}
}

// WithTrustedProxies honours X-Forwarded-For only on connections from these networks.
func (g *Gateway) WithTrustedProxies(proxies []netip.Prefix) *Gateway {
	g.proxies = proxies
	return g
}

// Handle streams fileName to the client after checking the method, the
// token, the client's rate and the path, in that order.
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request, fileName string) {
	if r.Method != http.MethodGet {
		g.reject(w, "bad_request", apperr.BadRequest("downloads only accept GET"))
		return
	}
	raw := r.URL.Query().Get("token")
	if fileName == "" || raw == "" {
		g.reject(w, "bad_request", apperr.BadRequest("file name and token are required"))
		return
	}

	claims, err := g.tokens.Decode(raw)
	if err != nil {
		g.log.Info("downloads.token_rejected", slog.String("file", fileName), slog.String("reason", err.Error()))
		g.reject(w, "token", apperr.Forbidden())
		return
	}
	if claims.File != fileName {
		g.log.Info("downloads.token_rejected", slog.String("file", fileName), slog.String("reason", "file mismatch"))
		g.reject(w, "token", apperr.Forbidden())
		return
	}

	ip := g.clientIP(r)
	allowed, seen, err := g.limiter.Allow(r.Context(), ip)
	if err != nil {
		g.log.Error("downloads.rate_check_failed", slog.String("client_ip", ip), slog.String("error", err.Error()))
		apperr.Write(w, apperr.Internal().Wrap(err))
		return
	}
	if !allowed {
		g.log.Info("downloads.rate_limited", slog.String("client_ip", ip), slog.Int("count", seen))
		g.reject(w, "rate_limited", apperr.RateLimited())
		return
	}

	path, contentType, err := resolvePath(g.dir, fileName, g.types)
	if err != nil {
		g.reject(w, "not_found", apperr.NotFound("file not found"))
		return
	}
	f, err := os.Open(path)
	if err != nil {
		g.reject(w, "not_found", apperr.NotFound("file not found"))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		g.reject(w, "not_found", apperr.NotFound("file not found"))
		return
	}

	recorded, err := g.limiter.Record(r.Context(), models.DownloadLogEntry{
		ExportID:     claims.ExportID,
		FileName:     fileName,
		FileSize:     info.Size(),
		ClientIP:     ip,
		UserAgent:    r.UserAgent(),
		DownloadedAt: g.now().UTC(),
	})
	if err != nil {
		// Unlogged downloads would escape the rate limit.
		g.log.Error("downloads.record_failed", slog.String("export_id", claims.ExportID), slog.String("error", err.Error()))
		apperr.Write(w, apperr.Internal().Wrap(err))
		return
	}
	if !recorded {
		g.log.Info("downloads.rate_limited", slog.String("client_ip", ip), slog.String("stage", "record"))
		g.reject(w, "rate_limited", apperr.RateLimited())
		return
	}

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": fileName}))
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(w, f, buf)
	telemetry.Downloads.Inc()
	if err != nil && !errors.Is(err, context.Canceled) {
		g.log.Warn("downloads.stream_interrupted",
			slog.String("export_id", claims.ExportID),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()))
		return
	}
	g.log.Info("downloads.served",
		slog.String("export_id", claims.ExportID),
		slog.String("file", fileName),
		slog.String("client_ip", ip),
		slog.Int64("bytes", n))
}

func (g *Gateway) reject(w http.ResponseWriter, reason string, err *apperr.Error) {
	telemetry.DownloadRejects.WithLabelValues(reason).Inc()
	apperr.Write(w, err)
}

// clientIP is the peer address, or the nearest untrusted hop of
// X-Forwarded-For when the peer is a trusted proxy.
func (g *Gateway) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !g.trusted(peer) {
		return host
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		if !g.trusted(addr) {
			return addr.Unmap().String()
		}
	}
	return host
}

func (g *Gateway) trusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range g.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
