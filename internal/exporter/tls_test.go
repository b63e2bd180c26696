package exporter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPExport_TLS(t *testing.T) {
	var gotAuth string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	exp, err := New(Config{
		Endpoint: srv.URL,
		Protocol: ProtocolHTTP,
		TLS:      &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		Headers:  map[string]string{"authorization": "Bearer tok"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer exp.Close()

	if err := exp.ExportTraces(context.Background(), testSpans(2)); err != nil {
		t.Fatalf("ExportTraces over TLS: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	// without the test CA the server certificate is untrusted
	untrusted, err := New(Config{Endpoint: srv.URL, Protocol: ProtocolHTTP})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer untrusted.Close()
	if err := untrusted.ExportTraces(context.Background(), testSpans(1)); err == nil {
		t.Error("export to an untrusted server succeeded")
	}
}

func TestClientTLS(t *testing.T) {
	if cfg := clientTLS(Config{}); cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("default MinVersion = %x", cfg.MinVersion)
	}
	custom := &tls.Config{ServerName: "collector.internal"}
	got := clientTLS(Config{TLS: custom})
	if got == custom || got.ServerName != "collector.internal" {
		t.Error("clientTLS should return a clone of the configured TLS settings")
	}
}
