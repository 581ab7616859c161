package netutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
)

func TestValidateURL(t *testing.T) {
	strict := DefaultConfig()
	loose := ClientConfig{AllowPrivateHosts: true, AllowHTTP: true}

	tests := []struct {
		name    string
		url     string
		cfg     ClientConfig
		wantErr bool
	}{
		{"https public", "https://hooks.example.com/policygate", strict, false},
		{"http blocked", "http://hooks.example.com/x", strict, true},
		{"http allowed", "http://hooks.example.com/x", loose, false},
		{"file scheme", "file:///etc/passwd", loose, true},
		{"localhost", "https://localhost/x", strict, true},
		{"sub.localhost", "https://api.localhost/x", strict, true},
		{"loopback ip", "https://127.0.0.1/x", strict, true},
		{"rfc1918", "https://10.1.2.3/x", strict, true},
		{"private allowed", "https://10.1.2.3/x", loose, false},
		{"ipv6 loopback", "https://[::1]/x", strict, true},
		{"no host", "https:///x", strict, true},
		{"empty", "", strict, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestIsPrivateOrReserved(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"203.0.114.50", false},
		{"2001:4860:4860::8888", false},
		{"100.63.255.255", false},
		{"127.0.0.1", true},
		{"::1", true},
		{"10.0.0.1", true},
		{"172.31.255.255", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"fe80::1", true},
		{"fd00::1", true},
		{"100.64.0.1", true},
		{"198.18.0.1", true},
		{"192.0.2.1", true},
		{"203.0.113.1", true},
		{"0.1.2.3", true},
		{"240.0.0.1", true},
		{"255.255.255.255", true},
		{"224.0.0.1", true},
		{"::ffff:10.0.0.1", true},
	}
	for _, tt := range tests {
		if got := IsPrivateOrReserved(netip.MustParseAddr(tt.ip)); got != tt.want {
			t.Errorf("IsPrivateOrReserved(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestNewClient_BlocksLoopbackAtDial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{AllowHTTP: true})
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL, nil)
	_, err := client.Do(req)
	if err == nil || !strings.Contains(err.Error(), "private or reserved") {
		t.Fatalf("expected loopback dial to be blocked, got %v", err)
	}

	allowed := NewClient(ClientConfig{AllowHTTP: true, AllowPrivateHosts: true})
	resp, err := allowed.Do(req.Clone(context.Background()))
	if err != nil {
		t.Fatalf("allowed client: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestNewClient_RedirectToPrivateBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data", http.StatusFound)
	}))
	defer srv.Close()

	// the test server is on loopback, so only the redirect policy is strict
	client := NewClient(ClientConfig{AllowHTTP: true, AllowPrivateHosts: true})
	client.CheckRedirect = NewClient(ClientConfig{AllowHTTP: true}).CheckRedirect
	resp, err := client.Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("redirect to metadata address was followed")
	}
	if !strings.Contains(err.Error(), "redirect blocked") {
		t.Errorf("err = %v", err)
	}
}
