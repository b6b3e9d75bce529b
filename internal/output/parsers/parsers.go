// Package parsers ships the built-in tier-1 parsers for the standard tool
// set. Each parser is deterministic: same output bytes, same findings.
package parsers

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cyberred/cyberred/internal/models"
	"github.com/cyberred/cyberred/internal/output"
)

// Clock supplies timestamps for minted findings.
type Clock interface {
	NowISO() string
}

type wallClock struct{}

func (wallClock) NowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// RegisterAll installs every built-in parser on the processor.
func RegisterAll(p *output.Processor, clock Clock) {
	if clock == nil {
		clock = wallClock{}
	}
	p.RegisterParser("nmap", Nmap(clock))
	p.RegisterParser("nikto", Nikto(clock))
	p.RegisterParser("sqlmap", Sqlmap(clock))
	p.RegisterParser("ffuf", Ffuf(clock))
	p.RegisterParser("nuclei", Nuclei(clock))
}

func newFinding(clock Clock, findingType, severity, target, evidence, agentID, tool string) *models.Finding {
	return &models.Finding{
		ID:        uuid.New().String(),
		Type:      findingType,
		Severity:  severity,
		Target:    target,
		Evidence:  evidence,
		AgentID:   agentID,
		Timestamp: clock.NowISO(),
		Tool:      tool,
		Topic:     models.FindingTopic(target, findingType),
	}
}

// nmapRun mirrors the fields of -oX output the parser consumes.
type nmapRun struct {
	Hosts []struct {
		Addresses []struct {
			Addr string `xml:"addr,attr"`
		} `xml:"address"`
		Ports struct {
			Ports []struct {
				Protocol string `xml:"protocol,attr"`
				PortID   int    `xml:"portid,attr"`
				State    struct {
					State string `xml:"state,attr"`
				} `xml:"state"`
				Service struct {
					Name    string `xml:"name,attr"`
					Product string `xml:"product,attr"`
					Version string `xml:"version,attr"`
				} `xml:"service"`
			} `xml:"port"`
		} `xml:"ports"`
	} `xml:"host"`
}

var nmapLinePattern = regexp.MustCompile(`^(\d+)/(tcp|udp)\s+open\s+(\S+)\s*(.*)$`)

// Nmap parses -oX XML output, falling back to the normal-output port table.
// Open ports become open_port findings; partial output from failed runs is
// still mined.
func Nmap(clock Clock) output.ParseFunc {
	return func(stdout, stderr string, exitCode int, agentID, target, errorType string) ([]*models.Finding, error) {
		var findings []*models.Finding

		trimmed := strings.TrimSpace(stdout)
		if strings.HasPrefix(trimmed, "<?xml") || strings.Contains(trimmed, "<nmaprun") {
			var run nmapRun
			if err := xml.Unmarshal([]byte(trimmed), &run); err != nil {
				return nil, fmt.Errorf("nmap xml: %w", err)
			}
			for _, host := range run.Hosts {
				addr := target
				if len(host.Addresses) > 0 && host.Addresses[0].Addr != "" {
					addr = host.Addresses[0].Addr
				}
				for _, port := range host.Ports.Ports {
					if port.State.State != "open" {
						continue
					}
					service := port.Service.Name
					if port.Service.Product != "" {
						service = fmt.Sprintf("%s (%s %s)", service, port.Service.Product, port.Service.Version)
					}
					evidence := fmt.Sprintf("%d/%s open %s", port.PortID, port.Protocol, strings.TrimSpace(service))
					findings = append(findings, newFinding(clock, "open_port", "info", addr, evidence, agentID, "nmap"))
				}
			}
			return findings, nil
		}

		// Normal output: "22/tcp open ssh OpenSSH 8.2p1".
		for _, line := range strings.Split(stdout, "\n") {
			m := nmapLinePattern.FindStringSubmatch(strings.TrimSpace(line))
			if m == nil {
				continue
			}
			evidence := fmt.Sprintf("%s/%s open %s %s", m[1], m[2], m[3], strings.TrimSpace(m[4]))
			findings = append(findings, newFinding(clock, "open_port", "info", target, strings.TrimSpace(evidence), agentID, "nmap"))
		}
		if len(findings) == 0 && errorType == "" && !strings.Contains(stdout, "Nmap") {
			return nil, fmt.Errorf("nmap: unrecognized output")
		}
		return findings, nil
	}
}

var (
	niktoFindingPattern = regexp.MustCompile(`^\+ (.+)$`)
	niktoSkipPrefixes   = []string{"Target ", "Server:", "Start Time", "End Time", "SSL Info"}
)

// Nikto extracts "+ ..." finding lines, skipping the banner fields.
func Nikto(clock Clock) output.ParseFunc {
	return func(stdout, stderr string, exitCode int, agentID, target, errorType string) ([]*models.Finding, error) {
		var findings []*models.Finding
		for _, line := range strings.Split(stdout, "\n") {
			m := niktoFindingPattern.FindStringSubmatch(strings.TrimSpace(line))
			if m == nil {
				continue
			}
			body := m[1]
			skip := false
			for _, prefix := range niktoSkipPrefixes {
				if strings.HasPrefix(body, prefix) {
					skip = true
					break
				}
			}
			if skip {
				continue
			}
			severity := "info"
			if strings.Contains(body, "OSVDB") || strings.Contains(strings.ToLower(body), "vulnerable") {
				severity = "medium"
			}
			findings = append(findings, newFinding(clock, "web_finding", severity, target, body, agentID, "nikto"))
		}
		return findings, nil
	}
}

var (
	sqlmapVulnPhrases  = []string{"is vulnerable", "parameter is vulnerable", "identified the following injection"}
	sqlmapParamPattern = regexp.MustCompile(`Parameter: (\w+) \((.*?)\)`)
	sqlmapDBMSPattern  = regexp.MustCompile(`back-end DBMS: (.+)`)
)

// Sqlmap reports a sqli finding per injectable parameter, or one aggregate
// finding when injection is confirmed without parameter detail.
func Sqlmap(clock Clock) output.ParseFunc {
	return func(stdout, stderr string, exitCode int, agentID, target, errorType string) ([]*models.Finding, error) {
		lower := strings.ToLower(stdout)
		injectable := false
		for _, phrase := range sqlmapVulnPhrases {
			if strings.Contains(lower, phrase) {
				injectable = true
				break
			}
		}
		if !injectable {
			return nil, nil
		}

		dbms := ""
		if m := sqlmapDBMSPattern.FindStringSubmatch(stdout); m != nil {
			dbms = strings.TrimSpace(m[1])
		}

		params := sqlmapParamPattern.FindAllStringSubmatch(stdout, -1)
		if len(params) == 0 {
			evidence := "SQL injection confirmed"
			if dbms != "" {
				evidence += "; back-end DBMS: " + dbms
			}
			return []*models.Finding{newFinding(clock, "sqli", "critical", target, evidence, agentID, "sqlmap")}, nil
		}

		findings := make([]*models.Finding, 0, len(params))
		for _, m := range params {
			evidence := fmt.Sprintf("parameter %q injectable (%s)", m[1], m[2])
			if dbms != "" {
				evidence += "; back-end DBMS: " + dbms
			}
			findings = append(findings, newFinding(clock, "sqli", "critical", target, evidence, agentID, "sqlmap"))
		}
		return findings, nil
	}
}

var ffufLinePattern = regexp.MustCompile(`(.+?)\s+\[Status: (\d+), Size: (\d+), Words: (\d+), Lines: (\d+)`)

// Ffuf parses -of json output, falling back to line output.
func Ffuf(clock Clock) output.ParseFunc {
	return func(stdout, stderr string, exitCode int, agentID, target, errorType string) ([]*models.Finding, error) {
		var findings []*models.Finding

		trimmed := strings.TrimSpace(stdout)
		if strings.HasPrefix(trimmed, "{") {
			var doc struct {
				Results []struct {
					URL    string `json:"url"`
					Status int    `json:"status"`
					Length int    `json:"length"`
				} `json:"results"`
			}
			if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
				return nil, fmt.Errorf("ffuf json: %w", err)
			}
			for _, r := range doc.Results {
				evidence := fmt.Sprintf("%s [status %d, length %d]", r.URL, r.Status, r.Length)
				findings = append(findings, newFinding(clock, "content_discovery", "info", target, evidence, agentID, "ffuf"))
			}
			return findings, nil
		}

		for _, line := range strings.Split(stdout, "\n") {
			m := ffufLinePattern.FindStringSubmatch(strings.TrimSpace(line))
			if m == nil {
				continue
			}
			evidence := fmt.Sprintf("%s [status %s, size %s]", strings.TrimSpace(m[1]), m[2], m[3])
			findings = append(findings, newFinding(clock, "content_discovery", "info", target, evidence, agentID, "ffuf"))
		}
		return findings, nil
	}
}

// nucleiSeverities maps template severities onto the finding scale.
var nucleiSeverities = map[string]string{
	"critical": "critical",
	"high":     "high",
	"medium":   "medium",
	"low":      "low",
	"info":     "info",
	"unknown":  "info",
}

// Nuclei parses -jsonl output: one template match per line.
func Nuclei(clock Clock) output.ParseFunc {
	return func(stdout, stderr string, exitCode int, agentID, target, errorType string) ([]*models.Finding, error) {
		var findings []*models.Finding
		for _, line := range strings.Split(stdout, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "{") {
				continue
			}
			var entry struct {
				TemplateID string `json:"template-id"`
				Info       struct {
					Name     string `json:"name"`
					Severity string `json:"severity"`
				} `json:"info"`
				MatchedAt string `json:"matched-at"`
			}
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				// One bad line does not discard the rest.
				continue
			}
			if entry.TemplateID == "" {
				continue
			}
			severity, ok := nucleiSeverities[strings.ToLower(entry.Info.Severity)]
			if !ok {
				severity = "info"
			}
			evidence := fmt.Sprintf("%s (%s) matched at %s", entry.Info.Name, entry.TemplateID, entry.MatchedAt)
			findings = append(findings, newFinding(clock, "vuln_template", severity, target, evidence, agentID, "nuclei"))
		}
		return findings, nil
	}
}
