package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"sensorhub/telemetry-broker/internal/model"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	deviceID := flag.Int64("device-id", 42, "Device identifier")
	sensors := flag.Int("sensors", 3, "Number of sensors reported per envelope")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published envelopes")
	baseValue := flag.Float64("base-value", 21.5, "Baseline sensor value to simulate")
	jitter := flag.Float64("jitter", 1.5, "Maximum random jitter applied to sensor values")
	watch := flag.Bool("watch", false, "Subscribe to the device channel and print delivered envelopes")

	flag.Parse()

	if *deviceID <= 0 || *sensors <= 0 {
		log.Fatal("device-id and sensors must be positive")
	}

	clientID := fmt.Sprintf("device-%d-simulator-%d", *deviceID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().
		AddBroker(*brokerAddr).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	if *watch {
		channel := model.ChannelName(*deviceID)
		token := client.Subscribe(channel, 0, func(_ mqtt.Client, msg mqtt.Message) {
			log.Printf("delivered on %s: %s", msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			log.Fatalf("failed to subscribe to %s: %v", channel, token.Error())
		}
		log.Printf("watching %s", channel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	topic := model.ReadingsTopic(*deviceID)
	publish := func() {
		readings := make([]model.SensorReading, *sensors)
		for i := range readings {
			readings[i] = model.SensorReading{
				SensorID: int64(i + 1),
				Value:    simulatedValue(*baseValue, *jitter),
			}
		}

		env, err := model.NewEnvelope(*deviceID, time.Now(), readings)
		if err != nil {
			log.Printf("failed to build envelope: %v", err)
			return
		}
		data, err := json.Marshal(env)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s readings=%d", topic, len(readings))
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

func simulatedValue(base, jitter float64) float64 {
	if jitter <= 0 {
		return base
	}
	v := base + (rand.Float64()*2-1)*jitter
	return float64(int64(v*100)) / 100
}
