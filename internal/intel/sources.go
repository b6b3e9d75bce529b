package intel

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Doer is the HTTP surface sources need; *http.Client satisfies it and
// tests inject recorders.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient returns the client the shipped HTTP sources share.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// ----------------------------------------------------------------------------
// CISA KEV
// ----------------------------------------------------------------------------

// KEVFeedURL is the public Known Exploited Vulnerabilities catalog.
const KEVFeedURL = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"

// KEVSource matches the CISA KEV catalog by vendor/product keyword. KEV
// membership is the strongest exploitation signal and ranks first.
type KEVSource struct {
	HTTP    Doer
	FeedURL string
}

// NewKEVSource builds the source with the public feed URL.
func NewKEVSource(httpClient Doer) *KEVSource {
	return &KEVSource{HTTP: httpClient, FeedURL: KEVFeedURL}
}

func (s *KEVSource) Name() string { return "cisa_kev" }

type kevCatalog struct {
	Vulnerabilities []struct {
		CVEID            string `json:"cveID"`
		VendorProject    string `json:"vendorProject"`
		Product          string `json:"product"`
		ShortDescription string `json:"shortDescription"`
		KnownRansomware  string `json:"knownRansomwareCampaignUse"`
	} `json:"vulnerabilities"`
}

// Query downloads the catalog and matches entries whose vendor or product
// contains the service name.
func (s *KEVSource) Query(ctx context.Context, service, version string) ([]*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.FeedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kev feed: HTTP %d", resp.StatusCode)
	}

	var catalog kevCatalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("kev feed: %w", err)
	}

	needle := strings.ToLower(service)
	var results []*Result
	for _, v := range catalog.Vulnerabilities {
		if !strings.Contains(strings.ToLower(v.Product), needle) &&
			!strings.Contains(strings.ToLower(v.VendorProject), needle) {
			continue
		}
		results = append(results, &Result{
			Source:           s.Name(),
			CVEID:            v.CVEID,
			Severity:         "critical",
			ExploitAvailable: true,
			Confidence:       1.0,
			Priority:         PriorityKEV,
			Metadata: map[string]interface{}{
				"description": v.ShortDescription,
				"ransomware":  v.KnownRansomware,
			},
		})
	}
	return results, nil
}

func (s *KEVSource) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.FeedURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// ----------------------------------------------------------------------------
// NVD
// ----------------------------------------------------------------------------

// NVDBaseURL is the NVD CVE API 2.0 endpoint.
const NVDBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

// NVDSource queries the NVD CVE API by keyword. CVE severity maps onto the
// critical/high/medium priority bands.
type NVDSource struct {
	HTTP    Doer
	BaseURL string
	APIKey  string
}

// NewNVDSource builds the source with the public API endpoint.
func NewNVDSource(httpClient Doer, apiKey string) *NVDSource {
	return &NVDSource{HTTP: httpClient, BaseURL: NVDBaseURL, APIKey: apiKey}
}

func (s *NVDSource) Name() string { return "nvd" }

type nvdResponse struct {
	Vulnerabilities []struct {
		CVE struct {
			ID      string `json:"id"`
			Metrics struct {
				CVSS31 []struct {
					CVSSData struct {
						BaseSeverity string  `json:"baseSeverity"`
						BaseScore    float64 `json:"baseScore"`
					} `json:"cvssData"`
				} `json:"cvssMetricV31"`
			} `json:"metrics"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

func (s *NVDSource) Query(ctx context.Context, service, version string) ([]*Result, error) {
	keyword := service
	if version != "" {
		keyword += " " + version
	}
	u := s.BaseURL + "?keywordSearch=" + url.QueryEscape(keyword)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if s.APIKey != "" {
		req.Header.Set("apiKey", s.APIKey)
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nvd: HTTP %d", resp.StatusCode)
	}

	var decoded nvdResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("nvd: %w", err)
	}

	var results []*Result
	for _, v := range decoded.Vulnerabilities {
		severity := "medium"
		score := 0.0
		if len(v.CVE.Metrics.CVSS31) > 0 {
			severity = strings.ToLower(v.CVE.Metrics.CVSS31[0].CVSSData.BaseSeverity)
			score = v.CVE.Metrics.CVSS31[0].CVSSData.BaseScore
		}
		priority := PriorityMediumCVE
		switch severity {
		case "critical":
			priority = PriorityCriticalCVE
		case "high":
			priority = PriorityHighCVE
		case "medium", "low", "":
			severity = nonEmpty(severity, "medium")
		}
		if severity == "low" {
			// The scale below medium is not worth an agent's attention.
			continue
		}
		results = append(results, &Result{
			Source:     s.Name(),
			CVEID:      v.CVE.ID,
			Severity:   severity,
			Confidence: 0.8,
			Priority:   priority,
			Metadata:   map[string]interface{}{"cvss_score": score},
		})
	}
	return results, nil
}

func (s *NVDSource) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"?resultsPerPage=1", nil)
	if err != nil {
		return false
	}
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// ----------------------------------------------------------------------------
// Local index sources: Metasploit, Nuclei, ExploitDB
// ----------------------------------------------------------------------------

// indexEntry is one row of a local module index (metasploit / nuclei
// template index exported to JSON).
type indexEntry struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	CVEID    string `json:"cve_id"`
	Keywords string `json:"keywords"`
	Severity string `json:"severity"`
}

func matchIndex(entries []indexEntry, service, version string) []indexEntry {
	needle := strings.ToLower(service)
	var matched []indexEntry
	for _, e := range entries {
		haystack := strings.ToLower(e.Name + " " + e.Keywords + " " + e.Path)
		if strings.Contains(haystack, needle) {
			matched = append(matched, e)
		}
	}
	return matched
}

func loadIndex(path string) ([]indexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []indexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse index %s: %w", path, err)
	}
	return entries, nil
}

// MetasploitSource matches against a locally exported module index.
type MetasploitSource struct {
	IndexPath string
}

func (s *MetasploitSource) Name() string { return "metasploit" }

func (s *MetasploitSource) Query(ctx context.Context, service, version string) ([]*Result, error) {
	entries, err := loadIndex(s.IndexPath)
	if err != nil {
		return nil, err
	}
	var results []*Result
	for _, e := range matchIndex(entries, service, version) {
		results = append(results, &Result{
			Source:           s.Name(),
			CVEID:            e.CVEID,
			Severity:         nonEmpty(e.Severity, "high"),
			ExploitAvailable: true,
			ExploitPath:      e.Path,
			Confidence:       0.9,
			Priority:         PriorityMetasploit,
		})
	}
	return results, nil
}

func (s *MetasploitSource) HealthCheck(ctx context.Context) bool {
	_, err := os.Stat(s.IndexPath)
	return err == nil
}

// NucleiSource matches against a locally exported template index.
type NucleiSource struct {
	IndexPath string
}

func (s *NucleiSource) Name() string { return "nuclei" }

func (s *NucleiSource) Query(ctx context.Context, service, version string) ([]*Result, error) {
	entries, err := loadIndex(s.IndexPath)
	if err != nil {
		return nil, err
	}
	var results []*Result
	for _, e := range matchIndex(entries, service, version) {
		results = append(results, &Result{
			Source:           s.Name(),
			CVEID:            e.CVEID,
			Severity:         nonEmpty(e.Severity, "medium"),
			ExploitAvailable: false,
			ExploitPath:      e.Path,
			Confidence:       0.7,
			Priority:         PriorityNuclei,
		})
	}
	return results, nil
}

func (s *NucleiSource) HealthCheck(ctx context.Context) bool {
	_, err := os.Stat(s.IndexPath)
	return err == nil
}

// ExploitDBSource matches against the searchsploit files_exploits.csv
// shipped with the exploitdb package.
type ExploitDBSource struct {
	CSVPath string
}

func (s *ExploitDBSource) Name() string { return "exploitdb" }

func (s *ExploitDBSource) Query(ctx context.Context, service, version string) ([]*Result, error) {
	f, err := os.Open(s.CSVPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.CSVPath, err)
	}

	needle := strings.ToLower(service)
	var results []*Result
	for i, rec := range records {
		// Header: id,file,description,...
		if i == 0 || len(rec) < 3 {
			continue
		}
		if !strings.Contains(strings.ToLower(rec[2]), needle) {
			continue
		}
		results = append(results, &Result{
			Source:           s.Name(),
			Severity:         "high",
			ExploitAvailable: true,
			ExploitPath:      rec[1],
			Confidence:       0.6,
			Priority:         PriorityExploitDB,
			Metadata:         map[string]interface{}{"edb_id": rec[0], "description": rec[2]},
		})
	}
	return results, nil
}

func (s *ExploitDBSource) HealthCheck(ctx context.Context) bool {
	_, err := os.Stat(s.CSVPath)
	return err == nil
}
