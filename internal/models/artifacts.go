package models

// Subdomain is a hostname discovered within the scope of a scan.
// (ScanID, Hostname) is unique; re-discovery merges sources.
type Subdomain struct {
	ScanID       string   `json:"scan_id"`
	Hostname     string   `json:"hostname"`
	IPs          []string `json:"ips,omitempty"`
	Alive        bool     `json:"alive"`
	HTTPStatus   int      `json:"http_status,omitempty"`
	Title        string   `json:"title,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
	Sources      []string `json:"sources,omitempty"`
}

// Endpoint is a URL observed under a scan
type Endpoint struct {
	ScanID        string   `json:"scan_id"`
	URL           string   `json:"url"`
	Method        string   `json:"method,omitempty"`
	Status        int      `json:"status,omitempty"`
	ContentType   string   `json:"content_type,omitempty"`
	ContentLength int64    `json:"content_length,omitempty"`
	Params        []string `json:"params,omitempty"`
	PatternTags   []string `json:"pattern_tags,omitempty"`
	Source        string   `json:"source,omitempty"`
}

// Finding is a candidate vulnerability awaiting triage
type Finding struct {
	ScanID        string   `json:"scan_id"`
	Title         string   `json:"title"`
	Severity      Severity `json:"severity"`
	CVSS          float64  `json:"cvss,omitempty"`
	URL           string   `json:"url,omitempty"`
	Parameter     string   `json:"parameter,omitempty"`
	Evidence      string   `json:"evidence,omitempty"`
	Reproduction  []string `json:"reproduction,omitempty"`
	Tool          string   `json:"tool,omitempty"`
	TemplateID    string   `json:"template_id,omitempty"`
	FalsePositive bool     `json:"false_positive"`
	TriageNote    string   `json:"triage_note,omitempty"`
}

// Port is an open TCP/UDP port seen for an IP during a scan.
// (ScanID, IP, Port, Protocol) is unique.
type Port struct {
	ScanID   string    `json:"scan_id"`
	IP       string    `json:"ip"`
	Port     int       `json:"port"`
	Protocol string    `json:"protocol"`
	Service  string    `json:"service,omitempty"`
	Version  string    `json:"version,omitempty"`
	State    PortState `json:"state"`
}
