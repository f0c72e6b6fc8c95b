package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Artifact backends.
const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// Config holds runtime configuration for bootvaultd.
type Config struct {
	HTTP      HTTPConfig
	DB        DBConfig
	Artifacts ArtifactsConfig
	Boot      BootConfig
	Bus       BusConfig
	Telemetry TelemetryConfig
	DHCP      DHCPConfig
	TFTP      TFTPConfig
}

type HTTPConfig struct {
	Addr           string   `env:"HTTP_ADDR,default=:8080"`
	AdminToken     string   `env:"ADMIN_TOKEN"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`
	// BootRateLimit is boot requests per client IP per minute; -1 disables the limiter.
	BootRateLimit int `env:"BOOT_RATE_LIMIT,default=60"`
}

type DBConfig struct {
	Driver          string        `env:"DB_DRIVER,default=sqlite"`
	DSN             string        `env:"DB_DSN,default=bootvault.db"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=30m"`
	AutoMigrate     bool          `env:"DB_AUTO_MIGRATE,default=true"`
	LogQueries      bool          `env:"DB_LOG_QUERIES,default=false"`
}

type ArtifactsConfig struct {
	Backend    string        `env:"ARTIFACT_BACKEND,default=fs"`
	Dir        string        `env:"ARTIFACT_DIR,default=osfiles"`
	MaxSize    int64         `env:"ARTIFACT_MAX_SIZE,default=524288000"`
	PresignTTL time.Duration `env:"ARTIFACT_PRESIGN_TTL,default=15m"`

	S3Endpoint       string `env:"S3_ENDPOINT"`
	S3Region         string `env:"S3_REGION,default=us-east-1"`
	S3AccessKey      string `env:"S3_ACCESS_KEY"`
	S3SecretKey      string `env:"S3_SECRET_KEY"`
	S3Bucket         string `env:"S3_BUCKET"`
	S3Prefix         string `env:"S3_PREFIX,default=artifacts"`
	S3DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	S3ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
}

type BootConfig struct {
	// PublicURL is the base URL firmware uses to reach this server.
	PublicURL     string        `env:"BOOT_PUBLIC_URL,default=http://127.0.0.1:8080"`
	SecretKey     string        `env:"BOOT_SECRET_KEY"`
	AppendTimeout time.Duration `env:"BOOT_ATTEMPT_TIMEOUT,default=2s"`
}

type BusConfig struct {
	NATSURL string `env:"NATS_URL"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	LogFormat    string `env:"LOG_FORMAT,default=json"`
}

type DHCPConfig struct {
	Enabled       bool          `env:"PXE_ENABLE_DHCP,default=false"`
	InterfaceSpec string        `env:"PXE_DHCP_INTERFACE,default=auto"`
	RangeStart    net.IP        `env:"PXE_DHCP_RANGE_START"`
	RangeEnd      net.IP        `env:"PXE_DHCP_RANGE_END"`
	SubnetMask    net.IP        `env:"PXE_DHCP_SUBNET_MASK"`
	Router        net.IP        `env:"PXE_DHCP_ROUTER"`
	DNS           []string      `env:"PXE_DHCP_DNS"`
	LeaseTime     time.Duration `env:"PXE_DHCP_LEASE_TIME,default=24h"`
	ServerIP      net.IP        `env:"PXE_DHCP_SERVER_IP"`
	NextServer    net.IP        `env:"PXE_DHCP_NEXT_SERVER"`
	// BootFilename is handed to firmware that is not iPXE yet, normally an iPXE chainloader
	// served over TFTP.
	BootFilename string `env:"PXE_DHCP_BOOT_FILE,default=undionly.kpxe"`

	// Resolved by Validate.
	Interface  string
	DNSServers []net.IP
	Mask       net.IPMask
	// EntryURL is the boot entry script URL handed to iPXE clients. Set by Validate.
	EntryURL string
}

type TFTPConfig struct {
	Enabled bool          `env:"PXE_ENABLE_TFTP,default=false"`
	Address string        `env:"PXE_TFTP_ADDRESS,default=:69"`
	RootDir string        `env:"PXE_TFTP_ROOT,default=/var/lib/tftpboot"`
	Timeout time.Duration `env:"PXE_TFTP_TIMEOUT,default=5s"`
}

// Load returns a Config populated from environment variables and validated.
func Load(ctx context.Context) (Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom is Load with an explicit variable source.
func LoadFrom(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces cross-field rules and fills derived fields.
func (c *Config) Validate() error {
	var problems []error

	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DB.Driver))
	}
	if strings.TrimSpace(c.DB.DSN) == "" {
		problems = append(problems, errors.New("DB_DSN is required"))
	}

	if c.Artifacts.MaxSize <= 0 {
		problems = append(problems, errors.New("ARTIFACT_MAX_SIZE must be positive"))
	}
	switch c.Artifacts.Backend {
	case BackendFS:
		if strings.TrimSpace(c.Artifacts.Dir) == "" {
			problems = append(problems, errors.New("ARTIFACT_DIR is required for the fs backend"))
		}
	case BackendS3:
		if c.Artifacts.S3Endpoint == "" || c.Artifacts.S3Bucket == "" {
			problems = append(problems, errors.New("S3_ENDPOINT and S3_BUCKET are required for the s3 backend"))
		}
		if c.Artifacts.S3AccessKey == "" || c.Artifacts.S3SecretKey == "" {
			problems = append(problems, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required for the s3 backend"))
		}
	default:
		problems = append(problems, fmt.Errorf("ARTIFACT_BACKEND must be fs or s3, got %q", c.Artifacts.Backend))
	}

	publicURL, err := url.Parse(strings.TrimRight(c.Boot.PublicURL, "/"))
	if err != nil || publicURL.Scheme == "" || publicURL.Host == "" {
		problems = append(problems, fmt.Errorf("BOOT_PUBLIC_URL must be an absolute URL, got %q", c.Boot.PublicURL))
	} else {
		c.DHCP.EntryURL = publicURL.String() + "/boot/entry"
	}

	if c.DHCP.Enabled {
		if err := c.DHCP.validate(); err != nil {
			problems = append(problems, err)
		}
	}
	if c.TFTP.Enabled && c.TFTP.Timeout <= 0 {
		problems = append(problems, errors.New("PXE_TFTP_TIMEOUT must be positive"))
	}

	return errors.Join(problems...)
}

func (d *DHCPConfig) validate() error {
	if d.RangeStart == nil || d.RangeEnd == nil {
		return errors.New("PXE_DHCP_RANGE_START and PXE_DHCP_RANGE_END are required when DHCP is enabled")
	}
	if d.RangeStart.To4() == nil || d.RangeEnd.To4() == nil {
		return errors.New("PXE_DHCP range must be IPv4 addresses")
	}
	if compareIP(d.RangeStart, d.RangeEnd) > 0 {
		return errors.New("PXE_DHCP_RANGE_START must be <= PXE_DHCP_RANGE_END")
	}
	if d.ServerIP == nil {
		return errors.New("PXE_DHCP_SERVER_IP is required when DHCP is enabled")
	}
	if d.ServerIP.To4() == nil {
		return errors.New("PXE_DHCP_SERVER_IP must be an IPv4 address")
	}
	if d.LeaseTime <= 0 {
		return errors.New("PXE_DHCP_LEASE_TIME must be positive")
	}

	if d.SubnetMask != nil {
		if d.SubnetMask.To4() == nil {
			return fmt.Errorf("invalid PXE_DHCP_SUBNET_MASK: %q", d.SubnetMask)
		}
		d.Mask = net.IPMask(d.SubnetMask.To4())
	} else {
		d.Mask = d.RangeStart.DefaultMask()
	}
	if d.Router == nil {
		d.Router = d.ServerIP
	}

	d.DNSServers = d.DNSServers[:0]
	for _, s := range d.DNS {
		ip := net.ParseIP(strings.TrimSpace(s))
		if ip == nil {
			return fmt.Errorf("invalid DNS server %q", s)
		}
		d.DNSServers = append(d.DNSServers, ip)
	}

	iface, err := resolveDHCPInterface(d.InterfaceSpec, d.ServerIP)
	if err != nil {
		return err
	}
	d.Interface = iface
	return nil
}

func compareIP(a, b net.IP) int {
	aa := a.To4()
	bb := b.To4()
	if aa == nil || bb == nil {
		return strings.Compare(a.String(), b.String())
	}
	for i := range aa {
		if aa[i] < bb[i] {
			return -1
		}
		if aa[i] > bb[i] {
			return 1
		}
	}
	return 0
}

func resolveDHCPInterface(names string, serverIP net.IP) (string, error) {
	candidates := make([]string, 0)
	tryAuto := false
	for _, c := range strings.Split(names, ",") {
		name := strings.TrimSpace(c)
		switch {
		case name == "":
		case strings.EqualFold(name, "auto"):
			tryAuto = true
		default:
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		tryAuto = true
	}

	if tryAuto {
		if serverIP == nil {
			return "", errors.New("PXE_DHCP_INTERFACE=auto requires PXE_DHCP_SERVER_IP")
		}
		return interfaceByIP(serverIP)
	}

	for _, name := range candidates {
		if _, err := net.InterfaceByName(name); err == nil {
			return name, nil
		}
	}

	availableIfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("resolve PXE_DHCP_INTERFACE: candidates %q not found and unable to list interfaces: %w", candidates, err)
	}
	available := make([]string, 0, len(availableIfaces))
	for _, iface := range availableIfaces {
		available = append(available, iface.Name)
	}
	return "", fmt.Errorf("resolve PXE_DHCP_INTERFACE: none of the candidates %q are present on this host (available: %s)", candidates, strings.Join(available, ", "))
}

func interfaceByIP(ip net.IP) (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var candidate net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				candidate = v.IP
			case *net.IPAddr:
				candidate = v.IP
			}
			if candidate != nil && candidate.To4() != nil && candidate.Equal(ip) {
				return iface.Name, nil
			}
		}
	}
	return "", fmt.Errorf("no network interface found with address %s", ip)
}
