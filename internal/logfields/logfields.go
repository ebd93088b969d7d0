package logfields

import "log/slog"

// Canonical log field names shared by both processes.
const (
	KeyPetID       = "pet_id"
	KeyBreakKind   = "break_kind"
	KeyBreakID     = "break_id"
	KeyWindPoints  = "wind_points"
	KeyThreshold   = "threshold_seconds"
	KeyRawSeconds  = "raw_seconds"
	KeySessionID   = "session_id"
	KeyCutoff      = "cutoff"
	KeyBackend     = "backend"
	KeyStoreKey    = "store_key"
	KeyDurationMin = "duration_minutes"
	KeyError       = "error"
)

func PetID(id string) slog.Attr { return slog.String(KeyPetID, id) }
func BreakKind(k string) slog.Attr { return slog.String(KeyBreakKind, k) }
func BreakID(id string) slog.Attr { return slog.String(KeyBreakID, id) }
func WindPoints(p float64) slog.Attr { return slog.Float64(KeyWindPoints, p) }
func Threshold(s int64) slog.Attr { return slog.Int64(KeyThreshold, s) }
func RawSeconds(s int64) slog.Attr { return slog.Int64(KeyRawSeconds, s) }
func SessionID(id string) slog.Attr { return slog.String(KeySessionID, id) }
func Cutoff(v string) slog.Attr { return slog.String(KeyCutoff, v) }
func Backend(name string) slog.Attr { return slog.String(KeyBackend, name) }
func StoreKey(k string) slog.Attr { return slog.String(KeyStoreKey, k) }
func DurationMinutes(m int) slog.Attr { return slog.Int(KeyDurationMin, m) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
