package models

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Website is a scrape target. Created by the API layer; read-only to the worker.
type Website struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	URL       string         `json:"url" db:"url"`
	Name      string         `json:"name" db:"name"`
	Active    bool           `json:"active" db:"active"`
	ScrapeCfg *WebsiteConfig `json:"scrape_config" db:"scrape_config"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// WebsiteConfig holds optional per-site crawl settings.
type WebsiteConfig struct {
	Keywords   []string `json:"keywords" yaml:"keywords"`
	MaxDepth   int      `json:"max_depth" yaml:"max_depth"`
	Pagination bool     `json:"pagination" yaml:"pagination"`
	MaxPages   int      `json:"max_pages" yaml:"max_pages"`
}

// ValidateWebsiteURL checks the scheme and rejects SSRF-prone hosts:
// localhost, loopback, private ranges and link-local addresses.
func ValidateWebsiteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q (only http/https allowed)", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("host %q is not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("ip %s is in a blocked range", ip)
		}
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return true
	}
	return false
}
