package wellknown

import (
	"bytes"
	"encoding/csv"
	"io"
	"log"
	"strconv"
	"strings"

	_ "embed"

	"packet-policy-engine/internal/model"
)

//go:embed well_known_ports.csv
var wellKnownPortsData string

type ServiceEntry struct {
	Protocol model.Protocol
	Port     uint16
}

var serviceRegistry map[string][]ServiceEntry

func init() {
	serviceRegistry = make(map[string][]ServiceEntry)
	reader := csv.NewReader(bytes.NewBufferString(wellKnownPortsData))
	reader.TrimLeadingSpace = true
	// Skip header
	if _, err := reader.Read(); err != nil {
		log.Fatalf("Failed to read header from embedded well_known_ports.csv: %v", err)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to parse embedded well_known_ports.csv: %v", err)
		}
		if len(record) < 3 {
			continue
		}

		port, err := strconv.ParseUint(record[0], 10, 16)
		if err != nil {
			continue
		}

		register(record[1], model.TCP, uint16(port))
		register(record[2], model.UDP, uint16(port))
	}
}

func register(name string, proto model.Protocol, port uint16) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" || name == "N/A" {
		return
	}
	entry := ServiceEntry{Protocol: proto, Port: port}
	serviceRegistry[name] = append(serviceRegistry[name], entry)
	// Common alias for DNS
	if name == "DOMAIN" {
		serviceRegistry["DNS"] = append(serviceRegistry["DNS"], entry)
	}
}

// GetService returns the ports and protocols registered for a well-known service name.
func GetService(name string) ([]ServiceEntry, bool) {
	entry, ok := serviceRegistry[strings.ToUpper(strings.TrimSpace(name))]
	return entry, ok
}

// Ports returns the ports a service name maps to for one protocol.
func Ports(name string, proto model.Protocol) []uint16 {
	entries, _ := GetService(name)
	var ports []uint16
	for _, e := range entries {
		if e.Protocol == proto {
			ports = append(ports, e.Port)
		}
	}
	return ports
}
