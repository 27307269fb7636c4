package security

import (
	"errors"
	"net"
	"testing"
)

func TestValidateImageURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		strict  bool
		wantErr error
	}{
		{"dashscope result", "https://dashscope-result-sh.oss-cn-shanghai.aliyuncs.com/out.png", true, nil},
		{"openai blob", "https://oaidalleapiprodscus.blob.core.windows.net/image.png", true, nil},
		{"any https host when not strict", "https://example.com/image.png", false, nil},
		{"untrusted host in strict mode", "https://example.com/image.png", true, ErrUntrustedHost},
		{"suffix without dot is not trusted", "https://evilaliyuncs.com/x.png", true, ErrUntrustedHost},
		{"http rejected", "http://example.com/image.png", false, ErrInvalidScheme},
		{"file rejected", "file:///etc/passwd", false, ErrInvalidScheme},
		{"localhost", "https://localhost/image.png", false, ErrPrivateIP},
		{"loopback", "https://127.0.0.1/image.png", false, ErrPrivateIP},
		{"10/8", "https://10.0.0.1/image.png", false, ErrPrivateIP},
		{"172.16/12", "https://172.16.0.1/image.png", false, ErrPrivateIP},
		{"metadata endpoint", "https://169.254.169.254/latest", false, ErrPrivateIP},
		{"ipv6 loopback", "https://[::1]/image.png", false, ErrPrivateIP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateImageURL(tt.url, tt.strict)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateImageURL(%s) error = %v, want nil", tt.url, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateImageURL(%s) error = %v, want %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestAllowHosts(t *testing.T) {
	mu.Lock()
	saved := append([]string(nil), allowedHosts...)
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		allowedHosts = saved
		mu.Unlock()
	})

	const u = "https://cdn.example.org/a.png"
	if err := ValidateImageURL(u, true); !errors.Is(err, ErrUntrustedHost) {
		t.Fatalf("before AllowHosts error = %v", err)
	}
	AllowHosts(" Example.ORG ", "")
	if !isAllowedHost("cdn.example.org") {
		t.Error("subdomain of an added host not allowed")
	}
}

func TestSetSkipValidation(t *testing.T) {
	SetSkipValidation(true)
	defer SetSkipValidation(false)

	if err := ValidateImageURL("http://127.0.0.1:8080/x", true); err != nil {
		t.Errorf("ValidateImageURL() with skip error = %v", err)
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.255.255.255", true},
		{"172.31.255.255", true},
		{"192.168.0.1", true},
		{"169.254.169.254", true},
		{"0.0.0.0", true},
		{"100.64.0.1", true},
		{"192.0.2.1", true},
		{"198.18.0.1", true},
		{"198.51.100.1", true},
		{"203.0.113.1", true},
		{"224.0.0.1", true},
		{"240.0.0.1", true},
		{"::ffff:10.0.0.1", true},
		{"::1", true},
		{"fe80::1", true},
		{"fd00::1", true},
		{"8.8.8.8", false},
		{"47.88.1.1", false},
		{"2001:4860:4860::8888", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			if ip == nil {
				t.Fatalf("failed to parse IP: %s", tt.ip)
			}
			if got := isPrivateIP(ip); got != tt.private {
				t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.private)
			}
		})
	}
}
