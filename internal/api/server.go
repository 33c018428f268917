// Package api serves the read path: aggregate queries over the relational
// store and a live websocket relay of the retained device-state stream. It is
// a consumer of the ingest pipeline's outputs, not part of the pipeline.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/fleetwatch/fleetwatch/internal/jsoncodec"
	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/payload"
	"github.com/fleetwatch/fleetwatch/internal/telemetry"
	"github.com/fleetwatch/fleetwatch/internal/transport"
)

const (
	defaultSeriesWindow = time.Hour
	defaultSeriesLimit  = 10000
	maxSeriesLimit      = 50000

	defaultRawLimit = 1000
	maxRawLimit     = 5000
)

// seriesColumns is the whitelist of selectable columns; anything else in the
// fields parameter is rejected rather than interpolated into SQL.
var seriesColumns = map[string]bool{
	"lat": true, "lon": true, "speed": true, "heading": true, "altitude": true,
	"cn0_avg": true, "sats_used": true,
	"imu_rms_x": true, "imu_rms_y": true, "imu_rms_z": true,
	"jerk_x": true, "jerk_y": true, "jerk_z": true,
}

// Server exposes the fleetwatch query API.
type Server struct {
	db             *sql.DB
	subscriber     message.Subscriber
	lastPattern    string
	log            logging.Logger
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewServer builds the API server. subscriber feeds the /live relay with the
// retained-state pattern; pass nil to disable the relay.
func NewServer(db *sql.DB, subscriber message.Subscriber, lastPattern string, allowedOrigins []string, log logging.Logger) *Server {
	s := &Server{
		db:             db,
		subscriber:     subscriber,
		lastPattern:    lastPattern,
		log:            log,
		allowedOrigins: allowedOrigins,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}
	return s
}

// Router returns the HTTP routes.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/devices/{deviceID}/series", s.handleSeries)
	r.Get("/devices/{deviceID}/raw", s.handleRaw)
	r.Get("/devices/{deviceID}/last", s.handleLast)
	r.Get("/live", s.handleLive)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type deviceStats struct {
	DeviceID    string    `json:"device_id"`
	LastTS      time.Time `json:"last_ts"`
	TotalPoints int64     `json:"total_points"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT device_id, MAX(ts) AS last_ts, COUNT(*) AS total_points
		FROM telemetry_flat
		GROUP BY device_id
		ORDER BY last_ts DESC`)
	if err != nil {
		s.serverError(w, "query stats", err)
		return
	}
	defer rows.Close()

	devices := make([]deviceStats, 0)
	var total int64
	for rows.Next() {
		var d deviceStats
		if err := rows.Scan(&d.DeviceID, &d.LastTS, &d.TotalPoints); err != nil {
			s.serverError(w, "scan stats", err)
			return
		}
		total += d.TotalPoints
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		s.serverError(w, "iterate stats", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices":         devices,
		"db_total_points": total,
	})
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	q := r.URL.Query()

	end := time.Now().UTC()
	if v := q.Get("end"); v != "" {
		t, err := parseTimeParam(v)
		if err != nil {
			http.Error(w, "invalid end", http.StatusBadRequest)
			return
		}
		end = t
	}
	start := end.Add(-defaultSeriesWindow)
	if v := q.Get("start"); v != "" {
		t, err := parseTimeParam(v)
		if err != nil {
			http.Error(w, "invalid start", http.StatusBadRequest)
			return
		}
		start = t
	}

	fields := []string{"lat", "lon", "speed"}
	if v := q.Get("fields"); v != "" {
		fields = nil
		for _, f := range strings.Split(v, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			if !seriesColumns[f] {
				http.Error(w, fmt.Sprintf("unknown field %q", f), http.StatusBadRequest)
				return
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			http.Error(w, "no fields requested", http.StatusBadRequest)
			return
		}
	}

	bucket := q.Get("bucket")
	if bucket == "" {
		bucket = "1s"
	}

	limit := defaultSeriesLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSeriesLimit {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	selects := make([]string, 0, len(fields))
	for _, f := range fields {
		selects = append(selects, fmt.Sprintf("avg(%s) AS %s", f, f))
	}

	// time_bucket requires a TimescaleDB hypertable, which the ingest side's
	// upsert contract already assumes.
	query := fmt.Sprintf(`
		SELECT time_bucket($1::interval, ts) AS bucket_ts, %s
		FROM telemetry_flat
		WHERE device_id = $2 AND ts BETWEEN $3 AND $4
		GROUP BY bucket_ts
		ORDER BY bucket_ts ASC
		LIMIT $5`, strings.Join(selects, ", "))

	rows, err := s.db.QueryContext(r.Context(), query, bucket, deviceID, start, end, limit)
	if err != nil {
		s.serverError(w, "query series", err)
		return
	}
	defer rows.Close()

	out := make([]map[string]any, 0)
	for rows.Next() {
		var ts time.Time
		values := make([]sql.NullFloat64, len(fields))
		dest := make([]any, 0, len(fields)+1)
		dest = append(dest, &ts)
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			s.serverError(w, "scan series", err)
			return
		}
		point := map[string]any{"ts": ts, "device_id": deviceID}
		for i, f := range fields {
			if values[i].Valid {
				point[f] = values[i].Float64
			} else {
				point[f] = nil
			}
		}
		out = append(out, point)
	}
	if err := rows.Err(); err != nil {
		s.serverError(w, "iterate series", err)
		return
	}

	writeJSON(w, http.StatusOK, out)
}

// handleRaw pages through a device's stored points in event-time order,
// returning the extracted columns alongside the verbatim payload. Paging is
// keyset based: pass the previous response's next_page_after_ts to continue.
func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	q := r.URL.Query()

	clauses := []string{"device_id = $1"}
	args := []any{deviceID}
	for _, p := range []struct {
		param string
		op    string
	}{
		{"from_ts", ">="},
		{"to_ts", "<="},
		{"page_after_ts", ">"},
	} {
		v := q.Get(p.param)
		if v == "" {
			continue
		}
		ts, err := parseTimeParam(v)
		if err != nil {
			http.Error(w, "invalid "+p.param, http.StatusBadRequest)
			return
		}
		args = append(args, ts)
		clauses = append(clauses, fmt.Sprintf("ts %s $%d", p.op, len(args)))
	}

	limit := defaultRawLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRawLimit {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT ts, lat, lon, speed, heading, altitude, cn0_avg, sats_used,
		       imu_rms_x, imu_rms_y, imu_rms_z, jerk_x, jerk_y, jerk_z,
		       status, payload
		FROM telemetry_flat
		WHERE %s
		ORDER BY ts ASC
		LIMIT $%d`, strings.Join(clauses, " AND "), len(args))

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		s.serverError(w, "query raw", err)
		return
	}
	defer rows.Close()

	points := make([]map[string]any, 0)
	for rows.Next() {
		var (
			ts         time.Time
			floats     [12]sql.NullFloat64
			satsUsed   sql.NullInt64
			status     sql.NullString
			rawPayload []byte
		)
		if err := rows.Scan(&ts,
			&floats[0], &floats[1], &floats[2], &floats[3], &floats[4], &floats[5],
			&satsUsed,
			&floats[6], &floats[7], &floats[8], &floats[9], &floats[10], &floats[11],
			&status, &rawPayload,
		); err != nil {
			s.serverError(w, "scan raw", err)
			return
		}

		var tree any
		if err := jsoncodec.Unmarshal(rawPayload, &tree); err != nil {
			tree = string(rawPayload)
		}

		point := map[string]any{
			"ts": ts,
			"gnss": map[string]any{
				"lat":       nullable(floats[0]),
				"lon":       nullable(floats[1]),
				"speed":     nullable(floats[2]),
				"heading":   nullable(floats[3]),
				"alt":       nullable(floats[4]),
				"cn0_avg":   nullable(floats[5]),
				"sats_used": nullableInt(satsUsed),
			},
			"imu": map[string]any{
				"rms_x":  nullable(floats[6]),
				"rms_y":  nullable(floats[7]),
				"rms_z":  nullable(floats[8]),
				"jerk_x": nullable(floats[9]),
				"jerk_y": nullable(floats[10]),
				"jerk_z": nullable(floats[11]),
			},
			"status":      nullableString(status),
			"raw_payload": tree,
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		s.serverError(w, "iterate raw", err)
		return
	}

	var nextPageAfter any
	if len(points) > 0 {
		nextPageAfter = points[len(points)-1]["ts"]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":          deviceID,
		"points":             points,
		"next_page_after_ts": nextPageAfter,
	})
}

func (s *Server) handleLast(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var (
		ts              time.Time
		lat, lon, speed sql.NullFloat64
		rawPayload      []byte
	)
	err := s.db.QueryRowContext(r.Context(), `
		SELECT ts, lat, lon, speed, payload
		FROM telemetry_flat
		WHERE device_id = $1
		ORDER BY ts DESC
		LIMIT 1`, deviceID).Scan(&ts, &lat, &lon, &speed, &rawPayload)
	if err == sql.ErrNoRows {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	if err != nil {
		s.serverError(w, "query last", err)
		return
	}

	var tree any
	if err := jsoncodec.Unmarshal(rawPayload, &tree); err != nil {
		tree = string(rawPayload)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ts":        ts,
		"device_id": deviceID,
		"lat":       nullable(lat),
		"lon":       nullable(lon),
		"speed":     nullable(speed),
		"payload":   tree,
	})
}

// handleLive upgrades to a websocket and relays the retained-state stream,
// optionally filtered to one device (matched by topic suffix or the payload's
// own device id).
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.subscriber == nil {
		http.Error(w, "live relay disabled", http.StatusServiceUnavailable)
		return
	}
	targetDevice := r.URL.Query().Get("device_id")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	messages, err := s.subscriber.Subscribe(ctx, s.lastPattern)
	if err != nil {
		s.serverError(w, "subscribe live", err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade", err, nil)
		return
	}
	defer conn.Close()

	// Reader goroutine: detect client disconnect and unblock the relay loop.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for msg := range messages {
		if !liveMessageMatches(msg, targetDevice) {
			msg.Ack()
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
			msg.Ack()
			return
		}
		msg.Ack()
	}
}

func liveMessageMatches(msg *message.Message, targetDevice string) bool {
	if targetDevice == "" {
		return true
	}
	topic := msg.Metadata.Get(transport.TopicMetadataKey)
	tree, _ := payload.Decode(msg.Payload)
	return telemetry.DeviceID(topic, tree) == targetDevice
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serverError(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, err, nil)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func parseTimeParam(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	return t.UTC(), err
}

func nullable(v sql.NullFloat64) any {
	if v.Valid {
		return v.Float64
	}
	return nil
}

func nullableInt(v sql.NullInt64) any {
	if v.Valid {
		return v.Int64
	}
	return nil
}

func nullableString(v sql.NullString) any {
	if v.Valid {
		return v.String
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
