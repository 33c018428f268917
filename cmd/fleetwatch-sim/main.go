// Command fleetwatch-sim publishes synthetic truck telemetry: a configurable
// fleet of trucks doing a random walk, each emitting a QoS-style telemetry
// message and a retained state message per tick. Useful for exercising the
// ingest pipeline without real devices.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/ids"
	"github.com/fleetwatch/fleetwatch/internal/jsoncodec"
	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fleetwatch-sim:", err)
		os.Exit(1)
	}
}

func run() error {
	trucks := flag.Int("trucks", 3, "number of simulated trucks")
	interval := flag.Duration("interval", time.Second, "time between ticks")
	flag.Parse()

	cfg := config.FromEnv()
	if err := cfg.ValidateBroker(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logging.Default()
	log.Info("starting simulator", logging.Fields{
		"trucks":   *trucks,
		"interval": interval.String(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bundle, err := transport.New(ctx, cfg, logging.NewWatermillAdapter(log))
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer bundle.Close()

	fleet := make([]*truck, *trucks)
	for i := range fleet {
		fleet[i] = newTruck(fmt.Sprintf("truck-%02d", i+1))
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, t := range fleet {
				if err := t.publish(bundle.Publisher); err != nil {
					log.Error("publish", err, logging.Fields{"device_id": t.id})
				}
			}
		}
	}
}

type truck struct {
	id      string
	lat     float64
	lon     float64
	speed   float64
	heading float64
	rng     *rand.Rand
}

func newTruck(id string) *truck {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(id))))
	return &truck{
		id:      id,
		lat:     52.52 + rng.Float64()*0.1,
		lon:     13.40 + rng.Float64()*0.1,
		speed:   40 + rng.Float64()*40,
		heading: rng.Float64() * 360,
		rng:     rng,
	}
}

func (t *truck) step() {
	t.heading = math.Mod(t.heading+t.rng.Float64()*20-10+360, 360)
	t.speed = clamp(t.speed+t.rng.Float64()*6-3, 0, 110)

	// Rough meters-per-degree conversion, fine for a toy walk.
	distance := t.speed / 3.6
	t.lat += distance * math.Cos(t.heading*math.Pi/180) / 111_000
	t.lon += distance * math.Sin(t.heading*math.Pi/180) / (111_000 * math.Cos(t.lat*math.Pi/180))
}

func (t *truck) payload() map[string]any {
	moving := t.speed > 1
	status := "idle"
	if moving {
		status = "moving"
	}
	vibration := 0.02 + t.speed/1000
	return map[string]any{
		"schema_version": 11,
		"device_id":      t.id,
		"ts":             time.Now().UTC().Format(time.RFC3339Nano),
		"status":         status,
		"gnss": map[string]any{
			"lat":      t.lat,
			"lon":      t.lon,
			"speed":    t.speed,
			"heading":  t.heading,
			"altitude": 34.0 + t.rng.Float64()*5,
			"cn0_avg":  38 + t.rng.Float64()*8,
			"num_sats": 8 + t.rng.Intn(6),
		},
		"imu": map[string]any{
			"acc": map[string]any{
				"x": map[string]any{"rms": vibration * (0.9 + t.rng.Float64()*0.2)},
				"y": map[string]any{"rms": vibration * (0.9 + t.rng.Float64()*0.2)},
				"z": map[string]any{"rms": vibration * (0.9 + t.rng.Float64()*0.2)},
			},
			"jerk": map[string]any{
				"x": map[string]any{"rms": vibration * 0.3 * t.rng.Float64()},
				"y": map[string]any{"rms": vibration * 0.3 * t.rng.Float64()},
				"z": map[string]any{"rms": vibration * 0.3 * t.rng.Float64()},
			},
		},
	}
}

func (t *truck) publish(pub message.Publisher) error {
	t.step()

	body, err := jsoncodec.Marshal(t.payload())
	if err != nil {
		return err
	}

	msg := message.NewMessage(ids.New(), body)
	if err := pub.Publish("telemetry/"+t.id, msg); err != nil {
		return err
	}

	last := message.NewMessage(ids.New(), body)
	last.Metadata.Set(transport.RetainedMetadataKey, "true")
	return pub.Publish("last/"+t.id, last)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
