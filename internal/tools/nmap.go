package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mzaki/scanward/internal/proc"
)

// XML parsing structs for nmap -oX output (unexported - internal parsing details)
type nmapRun struct {
	XMLName xml.Name   `xml:"nmaprun"`
	Hosts   []nmapHost `xml:"host"`
}

type nmapHost struct {
	Addresses []nmapAddress `xml:"address"`
	Ports     nmapPorts     `xml:"ports"`
}

type nmapAddress struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
}

type nmapPorts struct {
	Ports []nmapPort `xml:"port"`
}

type nmapPort struct {
	Protocol string      `xml:"protocol,attr"`
	PortID   int         `xml:"portid,attr"`
	State    nmapState   `xml:"state"`
	Service  nmapService `xml:"service"`
}

type nmapState struct {
	State string `xml:"state,attr"`
}

type nmapService struct {
	Name    string `xml:"name,attr"`
	Product string `xml:"product,attr"`
	Version string `xml:"version,attr"`
}

// NmapResult represents the service fingerprint for a single IP:port pair
type NmapResult struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	State    string `json:"state"`
	Service  string `json:"service"`
	Version  string `json:"version"`
}

// NmapOptions tunes one nmap invocation
type NmapOptions struct {
	Binary  string
	Timeout time.Duration
}

// RunNmap fingerprints services on specific ports of a single IP. XML is
// written to stdout (-oX -) and parsed into flat results.
func RunNmap(ctx context.Context, r Runner, ip string, ports []int, o NmapOptions) ([]NmapResult, error) {
	if len(ports) == 0 {
		return []NmapResult{}, nil
	}

	binary := "nmap"
	if o.Binary != "" {
		binary = o.Binary
	}

	portStrings := make([]string, len(ports))
	for i, port := range ports {
		portStrings[i] = strconv.Itoa(port)
	}

	args := []string{
		binary,
		"-sV",
		"--version-intensity", "5",
		"-Pn",
		"-p", strings.Join(portStrings, ","),
		"-oX", "-",
		ip,
	}

	res, err := r.Run(ctx, proc.Spec{
		Argv:    args,
		Timeout: o.Timeout,
		Tag:     "nmap",
	})
	if res == nil {
		return nil, err
	}
	if err != nil && res.Stdout == "" {
		return nil, err
	}

	var nmapData nmapRun
	if xmlErr := xml.Unmarshal([]byte(res.Stdout), &nmapData); xmlErr != nil {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("failed to parse nmap XML: %w", xmlErr)
	}

	var results []NmapResult
	for _, host := range nmapData.Hosts {
		var hostIP string
		for _, addr := range host.Addresses {
			if addr.AddrType == "ipv4" {
				hostIP = addr.Addr
				break
			}
		}
		if hostIP == "" && len(host.Addresses) > 0 {
			hostIP = host.Addresses[0].Addr
		}

		for _, port := range host.Ports.Ports {
			result := NmapResult{
				IP:       hostIP,
				Port:     port.PortID,
				Protocol: port.Protocol,
				State:    port.State.State,
				Service:  port.Service.Name,
			}

			if port.Service.Product != "" {
				result.Version = strings.TrimSpace(port.Service.Product + " " + port.Service.Version)
			}

			results = append(results, result)
		}
	}

	return results, err
}
