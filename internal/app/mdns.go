package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_sensorhub._tcp"
	mdnsDomain      = "local."
	mdnsMaxLabel    = 63
)

// startMDNS advertises the MQTT listener so devices on the LAN can find it.
func (a *App) startMDNS(mqttPort int) error {
	if mqttPort <= 0 {
		return fmt.Errorf("invalid port %d", mqttPort)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "sensorhub"
	}

	instance := mdnsInstance(fmt.Sprintf("SensorHub Broker (%s)", hostname))
	txt := mdnsTXT(mqttPort, a.cfg.HTTPPort, mdnsHost(hostname))

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, mqttPort, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", mqttPort)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func mdnsTXT(mqttPort, httpPort int, host string) []string {
	fqdn := host
	if !strings.Contains(fqdn, ".") {
		fqdn += ".local"
	}
	return []string{
		fmt.Sprintf("mqtt_port=%d", mqttPort),
		fmt.Sprintf("http_port=%d", httpPort),
		"ws_path=/ws",
		"channel_prefix=devices.",
		"host=" + fqdn,
	}
}

func mdnsInstance(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	if cleaned == "" {
		cleaned = "SensorHub Broker"
	}
	return truncateRunes(cleaned, mdnsMaxLabel)
}

func mdnsHost(name string) string {
	cleaned := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(strings.TrimSpace(strings.ToLower(name)))
	if cleaned == "" {
		cleaned = "sensorhub"
	}
	return truncateRunes(cleaned, mdnsMaxLabel)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
