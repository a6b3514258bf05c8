package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mzaki/scanward/internal/faults"
	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/proc"
)

func TestRunSubfinder(t *testing.T) {
	runner := stdoutRunner(`{"host":"api.example.com","source":"crtsh"}
{"host":"www.example.com","source":"alienvault"}`)

	results, err := RunSubfinder(context.Background(), runner, "example.com", SubfinderOptions{
		Threads: 50,
		Timeout: time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "api.example.com", results[0].Host)
	assert.Equal(t, "crtsh", results[0].Source)

	spec := runner.lastSpec(t)
	assert.Equal(t, []string{"subfinder", "-d", "example.com", "-all", "-silent", "-oJ", "-cs", "-t", "50"}, spec.Argv)
	assert.Equal(t, "subfinder", spec.Tag)
	assert.Equal(t, time.Minute, spec.Timeout)
}

func TestRunSubfinderPartialOutputWithError(t *testing.T) {
	runErr := faults.Errorf(faults.ToolExitNonZero, "proc.Run", "exit 2")
	runner := &fakeRunner{run: func(proc.Spec) (*proc.Result, error) {
		return &proc.Result{ExitCode: 2, Stdout: `{"host":"a.example.com","source":"crtsh"}`}, runErr
	}}

	results, err := RunSubfinder(context.Background(), runner, "example.com", SubfinderOptions{})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.ToolExitNonZero))
	require.Len(t, results, 1, "output seen before the failure must survive")
	assert.Equal(t, "a.example.com", results[0].Host)
}

func TestRunSubfinderSpawnFailure(t *testing.T) {
	runner := &fakeRunner{run: func(proc.Spec) (*proc.Result, error) {
		return nil, faults.Errorf(faults.ToolSpawnFailed, "proc.Run", "no such binary")
	}}

	results, err := RunSubfinder(context.Background(), runner, "example.com", SubfinderOptions{})
	require.Error(t, err)
	assert.Nil(t, results)
}

func TestRunAmassKeepsLeadingHostnameToken(t *testing.T) {
	runner := stdoutRunner(`mail.example.com
a.example.com (FQDN) --> a_record --> 10.0.0.1
The enumeration has finished
`)

	hosts, err := RunAmass(context.Background(), runner, "example.com", AmassOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"mail.example.com", "a.example.com"}, hosts)

	spec := runner.lastSpec(t)
	assert.Equal(t, []string{"amass", "enum", "-passive", "-d", "example.com", "-silent"}, spec.Argv)
}

func TestRunDnsx(t *testing.T) {
	runner := stdoutRunner(`{"host":"api.example.com","a":["10.0.0.5"],"aaaa":["::1"]}
{"host":"www.example.com","cname":["edge.cdn.net"]}`)

	results, err := RunDnsx(context.Background(), runner, []string{"api.example.com", "www.example.com", "dead.example.com"}, DnsxOptions{Threads: 25})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"10.0.0.5", "::1"}, results[0].IPs())
	assert.Empty(t, results[1].IPs())
	assert.Equal(t, []string{"edge.cdn.net"}, results[1].CNAME)

	spec := runner.lastSpec(t)
	assert.Equal(t, []byte("api.example.com\nwww.example.com\ndead.example.com\n"), spec.Stdin)
	assert.Contains(t, spec.Argv, "-cname")
	assert.Contains(t, spec.Argv, "-json")
}

func TestRunDnsxEmptyBatch(t *testing.T) {
	runner := &fakeRunner{}
	results, err := RunDnsx(context.Background(), runner, nil, DnsxOptions{})
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Zero(t, runner.calls())
}

func TestRunHttpx(t *testing.T) {
	runner := stdoutRunner(`{"url":"https://api.example.com","input":"api.example.com","status_code":200,"title":"API","tech":["nginx","Go"],"host":"10.0.0.5","port":"443","content_type":"application/json"}`)

	results, err := RunHttpx(context.Background(), runner, []string{"api.example.com"}, HttpxOptions{
		Threads:        10,
		RateLimit:      50,
		RequestTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "https://api.example.com", results[0].URL)
	assert.Equal(t, 200, results[0].StatusCode)
	assert.Equal(t, 443, results[0].PortNumber())
	assert.Equal(t, []string{"nginx", "Go"}, results[0].Technologies)

	spec := runner.lastSpec(t)
	assert.Contains(t, spec.Argv, "-tech-detect")
	assert.Contains(t, spec.Argv, "-rate-limit")
	assert.Contains(t, spec.Argv, "30")
	assert.Equal(t, []byte("api.example.com\n"), spec.Stdin)
}

func TestRunNaabuPortSelection(t *testing.T) {
	runner := stdoutRunner(`{"host":"api.example.com","ip":"10.0.0.5","port":443}`)

	results, err := RunNaabu(context.Background(), runner, []string{"api.example.com"}, NaabuOptions{
		Ports: []int{80, 443, 8080},
		Rate:  100,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 443, results[0].Port)

	spec := runner.lastSpec(t)
	assert.Contains(t, spec.Argv, "-port")
	assert.Contains(t, spec.Argv, "80,443,8080")
	assert.NotContains(t, spec.Argv, "-top-ports")

	_, err = RunNaabu(context.Background(), runner, []string{"api.example.com"}, NaabuOptions{})
	require.NoError(t, err)
	assert.Contains(t, runner.lastSpec(t).Argv, "-top-ports")
}

func TestRunNmapParsesServiceXML(t *testing.T) {
	xmlOut := `<?xml version="1.0"?>
<nmaprun>
  <host>
    <address addr="10.0.0.5" addrtype="ipv4"/>
    <address addr="aa:bb:cc" addrtype="mac"/>
    <ports>
      <port protocol="tcp" portid="443">
        <state state="open"/>
        <service name="https" product="nginx" version="1.25.3"/>
      </port>
      <port protocol="tcp" portid="22">
        <state state="filtered"/>
        <service name="ssh"/>
      </port>
    </ports>
  </host>
</nmaprun>`
	runner := stdoutRunner(xmlOut)

	results, err := RunNmap(context.Background(), runner, "10.0.0.5", []int{443, 22}, NmapOptions{Timeout: 5 * time.Minute})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "10.0.0.5", results[0].IP)
	assert.Equal(t, 443, results[0].Port)
	assert.Equal(t, "open", results[0].State)
	assert.Equal(t, "https", results[0].Service)
	assert.Equal(t, "nginx 1.25.3", results[0].Version)

	assert.Equal(t, "filtered", results[1].State)
	assert.Empty(t, results[1].Version)

	spec := runner.lastSpec(t)
	assert.Equal(t, []string{"nmap", "-sV", "--version-intensity", "5", "-Pn", "-p", "443,22", "-oX", "-", "10.0.0.5"}, spec.Argv)
}

func TestRunNmapNoPorts(t *testing.T) {
	runner := &fakeRunner{}
	results, err := RunNmap(context.Background(), runner, "10.0.0.5", nil, NmapOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, runner.calls())
}

func TestRunNmapBadXML(t *testing.T) {
	runner := stdoutRunner("not xml at all")

	_, err := RunNmap(context.Background(), runner, "10.0.0.5", []int{80}, NmapOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nmap XML")
}

func TestRunGauFiltersAndCaps(t *testing.T) {
	runner := stdoutRunner(`https://example.com/a?id=1
gau: provider wayback failed
http://example.com/b
https://example.com/c
`)

	urls, err := RunGau(context.Background(), runner, "example.com", GauOptions{Threads: 4, MaxURLs: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a?id=1", "http://example.com/b"}, urls)

	spec := runner.lastSpec(t)
	assert.Equal(t, []string{"gau", "--subs", "--threads", "4", "example.com"}, spec.Argv)
}

func TestRunFfuf(t *testing.T) {
	runner := stdoutRunner(`{"input":{"FUZZ":"admin"},"status":403,"length":128,"url":"https://example.com/admin","host":"example.com"}
{"input":{"FUZZ":"backup.zip"},"status":200,"length":1048576,"url":"https://example.com/backup.zip","host":"example.com"}`)

	results, err := RunFfuf(context.Background(), runner, "https://example.com", FfufOptions{
		Wordlist:  "/tmp/words.txt",
		RateLimit: 50,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "admin", results[0].Path())
	assert.Equal(t, 403, results[0].Status)
	assert.Equal(t, "https://example.com/backup.zip", results[1].URL)

	spec := runner.lastSpec(t)
	assert.Contains(t, spec.Argv, "https://example.com/FUZZ")
	assert.Contains(t, spec.Argv, "/tmp/words.txt")
	assert.Contains(t, spec.Argv, "200,301,302,403")
	assert.Contains(t, spec.Argv, "-json")
	assert.Contains(t, spec.Argv, "-s")
}

func TestRunNuclei(t *testing.T) {
	runner := stdoutRunner(`{"template-id":"CVE-2021-44228","info":{"name":"Log4j RCE","severity":"critical","classification":{"cvss-score":10}},"host":"https://api.example.com","matched-at":"https://api.example.com/login","curl-command":"curl -X POST ..."}`)

	results, err := RunNuclei(context.Background(), runner, []string{"https://api.example.com"}, NucleiOptions{
		Severities: []string{"critical", "high"},
		RateLimit:  50,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	finding := results[0].ToFinding("scan-1")
	assert.Equal(t, "scan-1", finding.ScanID)
	assert.Equal(t, "Log4j RCE", finding.Title)
	assert.Equal(t, models.SeverityCritical, finding.Severity)
	assert.Equal(t, 10.0, finding.CVSS)
	assert.Equal(t, "https://api.example.com/login", finding.URL)
	assert.Equal(t, "nuclei", finding.Tool)
	assert.Equal(t, []string{"curl -X POST ..."}, finding.Reproduction)

	spec := runner.lastSpec(t)
	assert.Contains(t, spec.Argv, "critical,high")
	assert.Contains(t, spec.Argv, "-rl")
	assert.Contains(t, spec.Argv, "50")
	assert.Equal(t, []byte("https://api.example.com\n"), spec.Stdin)
}

func TestRunNucleiDefaultsAndEmptyTargets(t *testing.T) {
	runner := &fakeRunner{}

	results, err := RunNuclei(context.Background(), runner, nil, NucleiOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, runner.calls())

	_, err = RunNuclei(context.Background(), runner, []string{"https://x.example.com"}, NucleiOptions{})
	require.NoError(t, err)
	spec := runner.lastSpec(t)
	assert.Contains(t, spec.Argv, "critical,high,medium")
}

func TestMapSeverity(t *testing.T) {
	assert.Equal(t, models.SeverityCritical, mapSeverity("critical"))
	assert.Equal(t, models.SeverityLow, mapSeverity("low"))
	assert.Equal(t, models.SeverityInfo, mapSeverity("unknown"))
	assert.Equal(t, models.SeverityInfo, mapSeverity(""))
}
