package parsers

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberred/cyberred/internal/models"
	"github.com/cyberred/cyberred/internal/output"
)

type fixedClock struct{}

func (fixedClock) NowISO() string { return "2026-01-01T00:00:00Z" }

var agentID = uuid.New().String()

const nmapXML = `<?xml version="1.0"?>
<nmaprun>
  <host>
    <address addr="192.0.2.10" addrtype="ipv4"/>
    <ports>
      <port protocol="tcp" portid="22"><state state="open"/><service name="ssh" product="OpenSSH" version="8.2p1"/></port>
      <port protocol="tcp" portid="80"><state state="open"/><service name="http"/></port>
      <port protocol="tcp" portid="443"><state state="closed"/><service name="https"/></port>
    </ports>
  </host>
</nmaprun>`

func TestNmapXML(t *testing.T) {
	findings, err := Nmap(fixedClock{})(nmapXML, "", 0, agentID, "192.0.2.10", "")
	require.NoError(t, err)
	require.Len(t, findings, 2)

	f := findings[0]
	assert.Equal(t, "open_port", f.Type)
	assert.Equal(t, "192.0.2.10", f.Target)
	assert.Contains(t, f.Evidence, "22/tcp open ssh (OpenSSH 8.2p1)")
	assert.NoError(t, f.Validate())
	assert.Contains(t, findings[1].Evidence, "80/tcp")
}

func TestNmapNormalOutput(t *testing.T) {
	out := `Starting Nmap 7.94
PORT    STATE SERVICE VERSION
22/tcp  open  ssh     OpenSSH 8.2p1
3306/tcp open mysql
`
	findings, err := Nmap(fixedClock{})(out, "", 0, agentID, "192.0.2.10", "")
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Contains(t, findings[0].Evidence, "22/tcp open ssh")
}

func TestNmapPartialOutputFromFailedRun(t *testing.T) {
	// A timed-out run still surfaces whatever ports were printed.
	out := "22/tcp open ssh\n"
	findings, err := Nmap(fixedClock{})(out, "", -1, agentID, "192.0.2.10", models.ErrTimeout)
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

func TestNmapRejectsGarbage(t *testing.T) {
	_, err := Nmap(fixedClock{})("complete nonsense", "", 0, agentID, "192.0.2.10", "")
	assert.Error(t, err)
}

func TestNikto(t *testing.T) {
	out := `- Nikto v2.5.0
+ Target IP:          192.0.2.10
+ Target Port:        80
+ Server: Apache/2.4.49
+ OSVDB-3233: /icons/README: Apache default file found.
+ The anti-clickjacking X-Frame-Options header is not present.
`
	findings, err := Nikto(fixedClock{})(out, "", 0, agentID, "192.0.2.10", "")
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, "medium", findings[0].Severity)
	assert.Equal(t, "info", findings[1].Severity)
}

func TestSqlmapInjectableParameters(t *testing.T) {
	out := `sqlmap identified the following injection point(s):
---
Parameter: id (GET)
    Type: boolean-based blind
---
back-end DBMS: MySQL >= 5.6
`
	findings, err := Sqlmap(fixedClock{})(out, "", 0, agentID, "https://192.0.2.10/item", "")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, "sqli", f.Type)
	assert.Equal(t, "critical", f.Severity)
	assert.Contains(t, f.Evidence, `parameter "id"`)
	assert.Contains(t, f.Evidence, "MySQL")
}

func TestSqlmapCleanTarget(t *testing.T) {
	findings, err := Sqlmap(fixedClock{})("all tested parameters do not appear to be injectable", "", 0, agentID, "192.0.2.10", "")
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestFfufJSON(t *testing.T) {
	out := `{"results":[{"url":"https://192.0.2.10/admin","status":200,"length":1234},{"url":"https://192.0.2.10/backup","status":403,"length":0}]}`
	findings, err := Ffuf(fixedClock{})(out, "", 0, agentID, "192.0.2.10", "")
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, "content_discovery", findings[0].Type)
	assert.Contains(t, findings[0].Evidence, "/admin")
}

func TestFfufLineOutput(t *testing.T) {
	out := "admin                   [Status: 200, Size: 1234, Words: 56, Lines: 12]\n"
	findings, err := Ffuf(fixedClock{})(out, "", 0, agentID, "192.0.2.10", "")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].Evidence, "status 200")
}

func TestNucleiJSONL(t *testing.T) {
	out := `{"template-id":"CVE-2021-41773","info":{"name":"Apache Path Traversal","severity":"critical"},"matched-at":"https://192.0.2.10/cgi-bin"}
not json
{"template-id":"tech-detect","info":{"name":"Tech Detect","severity":"info"},"matched-at":"https://192.0.2.10"}
`
	findings, err := Nuclei(fixedClock{})(out, "", 0, agentID, "192.0.2.10", "")
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, "critical", findings[0].Severity)
	assert.Contains(t, findings[0].Evidence, "CVE-2021-41773")
	assert.Equal(t, "info", findings[1].Severity)
}

func TestRegisterAll(t *testing.T) {
	p := output.NewProcessor(nil, nil, output.Options{})
	RegisterAll(p, fixedClock{})
	assert.ElementsMatch(t, []string{"nmap", "nikto", "sqlmap", "ffuf", "nuclei"}, p.RegisteredParsers())
}
