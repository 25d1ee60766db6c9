package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DeviceSimulator publishes synthetic telemetry and status messages for a set
// of devices, for exercising the engine end to end against a real broker.
type DeviceSimulator struct {
	client      mqtt.Client
	topicPrefix string
	deviceIDs   []string
	interval    time.Duration
	basePowerW  float64
	spikeEvery  int
	verbose     bool

	tick int
}

type telemetryPayload struct {
	Power       float64 `json:"power"`
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	PowerFactor float64 `json:"power_factor"`
	Timestamp   float64 `json:"timestamp"`
}

type statusPayload struct {
	Status          string `json:"status"`
	PowerState      string `json:"power_state"`
	FirmwareVersion string `json:"firmware_version"`
}

// NewDeviceSimulator connects to the broker and prepares the simulator.
func NewDeviceSimulator(broker, topicPrefix string, deviceIDs []string, interval time.Duration, basePowerW float64, spikeEvery int, verbose bool) (*DeviceSimulator, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", broker)).
		SetClientID(fmt.Sprintf("device-sim-%d", time.Now().Unix())).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to broker %s: %v", broker, token.Error())
	}

	return &DeviceSimulator{
		client:      client,
		topicPrefix: topicPrefix,
		deviceIDs:   deviceIDs,
		interval:    interval,
		basePowerW:  basePowerW,
		spikeEvery:  spikeEvery,
		verbose:     verbose,
	}, nil
}

// Run publishes one status message per device, then cycles telemetry until
// the context is cancelled.
func (sim *DeviceSimulator) Run(ctx context.Context) error {
	log.Printf("🔌 Starting device simulator")
	log.Printf("   Topic prefix: %s", sim.topicPrefix)
	log.Printf("   Devices: %s", strings.Join(sim.deviceIDs, ", "))
	log.Printf("   Interval: %v", sim.interval)
	log.Printf("")

	for _, deviceID := range sim.deviceIDs {
		if err := sim.publishStatus(deviceID, "online"); err != nil {
			log.Printf("❌ Status publish failed for %s: %v", deviceID, err)
		}
	}

	ticker := time.NewTicker(sim.interval)
	defer ticker.Stop()

	sent := 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Printf("")
			log.Printf("🛑 Simulator stopped: %d messages in %v", sent, time.Since(startTime).Round(time.Second))
			return ctx.Err()

		case <-ticker.C:
			sim.tick++
			for _, deviceID := range sim.deviceIDs {
				if err := sim.publishTelemetry(deviceID); err != nil {
					log.Printf("❌ Telemetry publish failed for %s: %v", deviceID, err)
					continue
				}
				sent++
			}
			if !sim.verbose && sent%50 == 0 {
				log.Printf("📊 Sent %d telemetry messages", sent)
			}
		}
	}
}

// publishTelemetry emits one sample. Power follows a slow sine around the
// base level with noise, plus a periodic spike to trip threshold alerts.
func (sim *DeviceSimulator) publishTelemetry(deviceID string) error {
	power := sim.basePowerW * (1 + 0.2*math.Sin(float64(sim.tick)/10)) * (0.95 + 0.1*rand.Float64())
	if sim.spikeEvery > 0 && sim.tick%sim.spikeEvery == 0 {
		power *= 3
	}

	voltage := 230 + 5*rand.Float64()
	payload := telemetryPayload{
		Power:       math.Round(power*100) / 100,
		Voltage:     math.Round(voltage*10) / 10,
		Current:     math.Round(power/voltage*1000) / 1000,
		PowerFactor: 0.92,
		Timestamp:   float64(time.Now().Unix()),
	}

	topic := sim.topicPrefix + "telemetry/" + deviceID
	if err := sim.publish(topic, payload); err != nil {
		return err
	}
	if sim.verbose {
		log.Printf("📤 %s power=%.1fW", deviceID, payload.Power)
	}
	return nil
}

func (sim *DeviceSimulator) publishStatus(deviceID, status string) error {
	payload := statusPayload{
		Status:          status,
		PowerState:      "on",
		FirmwareVersion: "sim-1.0",
	}
	return sim.publish(sim.topicPrefix+"devices/"+deviceID, payload)
}

func (sim *DeviceSimulator) publish(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := sim.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		return fmt.Errorf("publish to %s: %v", topic, token.Error())
	}
	return nil
}

// Close marks devices offline and disconnects from the broker.
func (sim *DeviceSimulator) Close() {
	for _, deviceID := range sim.deviceIDs {
		if err := sim.publishStatus(deviceID, "offline"); err != nil {
			log.Printf("❌ Offline status publish failed for %s: %v", deviceID, err)
		}
	}
	sim.client.Disconnect(250)
}

func main() {
	var (
		broker      = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
		topicPrefix = flag.String("prefix", "smart-farm/", "Topic prefix the engine subscribes under")
		devices     = flag.String("devices", "pump-1,barn-light-1", "Comma-separated device IDs to simulate")
		interval    = flag.Duration("interval", 5*time.Second, "Interval between telemetry messages")
		basePower   = flag.Float64("power", 400, "Base power draw in watts")
		spikeEvery  = flag.Int("spike-every", 0, "Emit a 3x power spike every N ticks (0 disables)")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	deviceIDs := strings.Split(*devices, ",")
	for i := range deviceIDs {
		deviceIDs[i] = strings.TrimSpace(deviceIDs[i])
	}

	sim, err := NewDeviceSimulator(*broker, *topicPrefix, deviceIDs, *interval, *basePower, *spikeEvery, *verbose)
	if err != nil {
		log.Fatalf("❌ Failed to create simulator: %v", err)
	}
	defer sim.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("⚠️  Received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := sim.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("❌ Simulator error: %v", err)
	}
}
