package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyDigest     = "digest"
	KeyName       = "name"
	KeyKind       = "kind"
	KeyTier       = "tier"
	KeyRepo       = "repository"
	KeyURL        = "url"
	KeyState      = "state"
	KeyPhase      = "phase"
	KeyPath       = "path"
	KeyWorkerID   = "worker_id"
	KeyRequestID  = "request_id"
	KeyCandidates = "candidates"
	KeyEntries    = "entries"
	KeySize       = "size"
	KeyDurationMS = "duration_ms"
	KeyMethod     = "method"
	KeyStatus     = "status"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Digest(d string) slog.Attr       { return slog.String(KeyDigest, d) }
func Name(n string) slog.Attr         { return slog.String(KeyName, n) }
func Kind(k string) slog.Attr         { return slog.String(KeyKind, k) }
func Tier(t string) slog.Attr         { return slog.String(KeyTier, t) }
func Repository(r string) slog.Attr   { return slog.String(KeyRepo, r) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }
func Phase(p string) slog.Attr        { return slog.String(KeyPhase, p) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func WorkerID(id string) slog.Attr    { return slog.String(KeyWorkerID, id) }
func RequestID(id string) slog.Attr   { return slog.String(KeyRequestID, id) }
func Candidates(n int) slog.Attr      { return slog.Int(KeyCandidates, n) }
func Entries(n int) slog.Attr         { return slog.Int(KeyEntries, n) }
func Size(n int) slog.Attr            { return slog.Int(KeySize, n) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Method(m string) slog.Attr       { return slog.String(KeyMethod, m) }
func Status(code int) slog.Attr       { return slog.Int(KeyStatus, code) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
