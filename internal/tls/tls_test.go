package tls

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_Disabled(t *testing.T) {
	cfg, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetup_Errors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]Config{
		"no source":     {Enabled: true},
		"bad version":   {Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.1"},
		"missing files": {Enabled: true, CertFile: filepath.Join(dir, "a.crt"), KeyFile: filepath.Join(dir, "a.key")},
		"no autogen":    {Enabled: true, Dir: filepath.Join(dir, "empty")},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Setup(c)
			assert.Error(t, err)
		})
	}
}

func TestSetup_AutoGenerateAndServe(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	cfg, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
	}
	if runtime.GOOS != "windows" {
		fi, err := os.Stat(filepath.Join(dir, tlsKey))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	}

	// a second Setup reuses the existing pair
	before, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	_, err = Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})}
	go func() { _ = srv.Serve(tls.NewListener(ln, cfg)) }()
	defer func() { _ = srv.Close() }()

	ca, err := os.ReadFile(filepath.Join(dir, tlsCaCrt))
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(ca))
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}}

	resp, err := client.Get("https://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

func TestSafeReadFile(t *testing.T) {
	dir := t.TempDir()
	inside := filepath.Join(dir, "x")
	require.NoError(t, os.WriteFile(inside, []byte("x"), 0o600))

	b, err := safeReadFile(dir, inside)
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))

	_, err = safeReadFile(filepath.Join(dir, "sub"), inside)
	assert.Error(t, err)
}

func TestParseTLSVersion(t *testing.T) {
	v, ok := parseTLSVersion("TLS1.2")
	assert.True(t, ok)
	assert.Equal(t, uint16(tls.VersionTLS12), v)
	_, ok = parseTLSVersion("")
	assert.False(t, ok)
	_, ok = parseTLSVersion("ssl3")
	assert.False(t, ok)
}
