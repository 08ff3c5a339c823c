package main

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/ccvpn-oss/ccvpn/profile"
)

// fileConfig is the viper-bound shape of the on-disk daemon config
// (/etc/ccvpnd/config.yaml by default). Everything that makes sense to
// template into a profile per host lives here; secrets that shouldn't
// sit in a config file are picked up separately by envOverrides.
type fileConfig struct {
	ServerName     string   `mapstructure:"server_name"`
	LoginType      string   `mapstructure:"login_type"`
	UserName       string   `mapstructure:"user_name"`
	Password       string   `mapstructure:"password"`
	PasswordFactor int      `mapstructure:"password_factor"`
	CertType       string   `mapstructure:"cert_type"` // none | pkcs8 | pkcs12 | pkcs11
	CertPath       string   `mapstructure:"cert_path"`
	CertPassword   string   `mapstructure:"cert_password"`
	CertID         string   `mapstructure:"cert_id"`
	TransportType  string   `mapstructure:"transport_type"` // autodetect | xfrm | tcpt | udp
	TunnelType     string   `mapstructure:"tunnel_type"`     // ipsec | ssl
	DefaultRoute   bool     `mapstructure:"default_route"`
	NoRouting      bool     `mapstructure:"no_routing"`
	AddRoutes      []string `mapstructure:"add_routes"`
	IgnoreRoutes   []string `mapstructure:"ignore_routes"`

	NoDNS               bool     `mapstructure:"no_dns"`
	DNSServers          []string `mapstructure:"dns_servers"`
	IgnoreDNSServers    []string `mapstructure:"ignore_dns_servers"`
	SearchDomains       []string `mapstructure:"search_domains"`
	IgnoreSearchDomains []string `mapstructure:"ignore_search_domains"`
	SetRoutingDomains   bool     `mapstructure:"set_routing_domains"`

	NoKeepalive      bool     `mapstructure:"no_keepalive"`
	IgnoreServerCert bool     `mapstructure:"ignore_server_cert"`
	CACerts          []string `mapstructure:"ca_certs"`

	IKEPersist        bool `mapstructure:"ike_persist"`
	AutoConnect       bool `mapstructure:"auto_connect"`
	DisableIPv6       bool `mapstructure:"disable_ipv6"`
	MTU               int  `mapstructure:"mtu"`
	IPLeaseTimeSec    int  `mapstructure:"ip_lease_time_sec"`
	IKELifetimeSec    int  `mapstructure:"ike_lifetime_sec"`
	ESPLifetimeSec    int  `mapstructure:"esp_lifetime_sec"`
	PortKnock         bool `mapstructure:"port_knock"`
	NoKeychain        bool `mapstructure:"no_keychain"`

	SocketPath  string `mapstructure:"socket_path"`
	SessionPath string `mapstructure:"session_path"`
	LogLevel    string `mapstructure:"log_level"`
}

// envOverrides picks up the handful of values operators expect to be
// able to inject at process-start without touching the config file —
// chiefly the account password, which has no business sitting in a
// world-readable YAML file when systemd's EnvironmentFile= can hand it
// over instead.
type envOverrides struct {
	Password string `split_words:"true"`
	CertPassword string `envconfig:"CERT_PASSWORD" split_words:"true"`
}

// loadConfig reads the daemon's on-disk config (searching the usual
// three locations), applies CCVPND_-prefixed environment overrides on
// top via viper's AutomaticEnv, then layers the envconfig-sourced
// secrets that are deliberately kept out of viper's own env binding so
// they never get logged by a "dump effective config" debug path.
func loadConfig(configPath string) (*fileConfig, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/ccvpnd/")
		v.AddConfigPath("$HOME/.ccvpnd")
		v.AddConfigPath(".")
	}

	v.SetDefault("login_type", "vpn_Username_Password")
	v.SetDefault("cert_type", "none")
	v.SetDefault("transport_type", "autodetect")
	v.SetDefault("tunnel_type", "ipsec")
	v.SetDefault("mtu", profile.DefaultMTU)
	v.SetDefault("ip_lease_time_sec", int(profile.DefaultLeaseTime/time.Second))
	v.SetDefault("ike_lifetime_sec", int(profile.DefaultLeaseTime/time.Second))
	v.SetDefault("esp_lifetime_sec", int(profile.DefaultLeaseTime/time.Second))
	v.SetDefault("password_factor", 1)
	v.SetDefault("socket_path", "/run/ccvpnd.sock")
	v.SetDefault("session_path", "/var/lib/ccvpnd/ike.session")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("CCVPND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg fileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	var env envOverrides
	if err := envconfig.Process("ccvpnd", &env); err != nil {
		return nil, err
	}
	if env.Password != "" {
		cfg.Password = env.Password
	}
	if env.CertPassword != "" {
		cfg.CertPassword = env.CertPassword
	}

	return &cfg, nil
}

// toProfile maps the on-disk/env config shape onto the
// *profile.ConnectionProfile the controller actually consumes.
func (c *fileConfig) toProfile() *profile.ConnectionProfile {
	p := &profile.ConnectionProfile{
		ServerName:          c.ServerName,
		LoginType:           c.LoginType,
		UserName:            c.UserName,
		Password:            c.Password,
		PasswordFactor:      c.PasswordFactor,
		TransportType:       parseTransportType(c.TransportType),
		TunnelType:          parseTunnelType(c.TunnelType),
		DefaultRoute:        c.DefaultRoute,
		NoRouting:           c.NoRouting,
		AddRoutes:           c.AddRoutes,
		IgnoreRoutes:        c.IgnoreRoutes,
		NoDNS:               c.NoDNS,
		DNSServers:          c.DNSServers,
		IgnoreDNSServers:    c.IgnoreDNSServers,
		SearchDomains:       c.SearchDomains,
		IgnoreSearchDomains: c.IgnoreSearchDomains,
		SetRoutingDomains:   c.SetRoutingDomains,
		NoKeepalive:         c.NoKeepalive,
		IgnoreServerCert:    c.IgnoreServerCert,
		CACerts:             c.CACerts,
		IKEPersist:          c.IKEPersist,
		AutoConnect:         c.AutoConnect,
		DisableIPv6:         c.DisableIPv6,
		MTU:                 c.MTU,
		IPLeaseTime:         time.Duration(c.IPLeaseTimeSec) * time.Second,
		IKELifetime:         time.Duration(c.IKELifetimeSec) * time.Second,
		ESPLifetime:         time.Duration(c.ESPLifetimeSec) * time.Second,
		PortKnock:           c.PortKnock,
		NoKeychain:          c.NoKeychain,
	}
	p.Cert = profile.CertDescriptor{
		Type:     parseCertType(c.CertType),
		Path:     c.CertPath,
		Password: c.CertPassword,
		ID:       c.CertID,
	}
	return p
}

func parseCertType(s string) profile.CertType {
	switch s {
	case "pkcs8":
		return profile.CertPKCS8
	case "pkcs12":
		return profile.CertPKCS12
	case "pkcs11":
		return profile.CertPKCS11
	default:
		return profile.CertNone
	}
}

func parseTransportType(s string) profile.TransportType {
	switch s {
	case "xfrm":
		return profile.TransportXFRM
	case "tcpt":
		return profile.TransportTCPT
	case "udp":
		return profile.TransportUDP
	default:
		return profile.TransportAutodetect
	}
}

func parseTunnelType(s string) profile.TunnelType {
	if s == "ssl" {
		return profile.TunnelSSL
	}
	return profile.TunnelIPSec
}
