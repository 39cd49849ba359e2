// Package config loads runtime configuration for the aviary bridge from
// environment variables. One flat struct, resolved once at startup.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// BridgeSection holds the provisioning settings for one bridge account
// (the dedicated PDS repository used to publish proxied content).
type BridgeSection struct {
	Enabled     bool
	Handle      string
	DisplayName string
	Description string
	AvatarURL   string
}

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Port      string
	Hostname  string
	PublicURL string
	Version   string

	PDSURL        string
	PDSHostname   string
	PDSAdminToken string

	DBLocation string

	FirehoseEnabled bool
	FirehoseCursor  int64

	MastodonBridge BridgeSection
	BlueskyBridge  BridgeSection

	ConstellationURL          string
	ConstellationPollInterval time.Duration
	AppViewURL                string

	// AllowPrivateAddress disables the SSRF guard on blob downloads.
	// Test-only; never enable in production.
	AllowPrivateAddress bool
}

// Load reads configuration from environment variables.
// Exits if required variables are missing or malformed.
func Load() *Config {
	hostname := os.Getenv("BRIDGE_HOSTNAME")
	if hostname == "" {
		hostname = os.Getenv("HOSTNAME")
	}
	if hostname == "" {
		fmt.Fprintln(os.Stderr, "ERROR: BRIDGE_HOSTNAME is not set!")
		fmt.Fprintln(os.Stderr, "Set it to the public hostname this bridge is served on.")
		os.Exit(1)
	}

	publicURL := getEnv("PUBLIC_URL", "https://"+hostname)
	if _, err := url.Parse(publicURL); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: invalid PUBLIC_URL: %v\n", err)
		os.Exit(1)
	}

	pdsURL := getEnv("PDS_URL", "http://localhost:3000")
	pdsHostname := os.Getenv("PDS_HOSTNAME")
	if pdsHostname == "" {
		if u, err := url.Parse(pdsURL); err == nil {
			pdsHostname = u.Hostname()
		}
	}

	return &Config{
		Port:      getEnv("PORT", "8080"),
		Hostname:  hostname,
		PublicURL: strings.TrimRight(publicURL, "/"),
		Version:   getEnv("VERSION", "dev"),

		PDSURL:        strings.TrimRight(pdsURL, "/"),
		PDSHostname:   pdsHostname,
		PDSAdminToken: os.Getenv("PDS_ADMIN_TOKEN"),

		DBLocation: getEnv("DB_LOCATION", "aviary.db"),

		FirehoseEnabled: getEnv("FIREHOSE_ENABLED", "true") != "false",
		FirehoseCursor:  parseInt64(os.Getenv("FIREHOSE_CURSOR"), 0),

		MastodonBridge: loadBridgeSection("MASTODON"),
		BlueskyBridge:  loadBridgeSection("BLUESKY"),

		ConstellationURL:          strings.TrimRight(os.Getenv("CONSTELLATION_URL"), "/"),
		ConstellationPollInterval: parseDuration(os.Getenv("CONSTELLATION_POLL_INTERVAL"), 60*time.Second),
		AppViewURL:                strings.TrimRight(getEnv("APPVIEW_URL", "https://public.api.bsky.app"), "/"),

		AllowPrivateAddress: os.Getenv("ALLOW_PRIVATE_ADDRESS") == "true",
	}
}

func loadBridgeSection(prefix string) BridgeSection {
	return BridgeSection{
		Enabled:     os.Getenv(prefix+"_BRIDGE_ENABLED") == "true",
		Handle:      os.Getenv(prefix + "_BRIDGE_HANDLE"),
		DisplayName: os.Getenv(prefix + "_BRIDGE_DISPLAY_NAME"),
		Description: os.Getenv(prefix + "_BRIDGE_DESCRIPTION"),
		AvatarURL:   os.Getenv(prefix + "_BRIDGE_AVATAR_URL"),
	}
}

// URL returns the parsed public URL.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.PublicURL)
	return u
}

// BaseURL constructs an absolute URL from a path.
func (c *Config) BaseURL(path string) string {
	return c.PublicURL + path
}

// FirehoseURL returns the WebSocket URL for com.atproto.sync.subscribeRepos,
// optionally resuming from a cursor.
func (c *Config) FirehoseURL(cursor int64) string {
	scheme := "ws"
	host := c.PDSURL
	if u, err := url.Parse(c.PDSURL); err == nil {
		if u.Scheme == "https" {
			scheme = "wss"
		}
		host = u.Host
	}
	raw := scheme + "://" + host + "/xrpc/com.atproto.sync.subscribeRepos"
	if cursor > 0 {
		raw += "?cursor=" + strconv.FormatInt(cursor, 10)
	}
	return raw
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseInt64(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	// Accept both Go duration strings ("90s") and bare seconds ("90").
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
