package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Credentials CredentialsConfig
	DNS         DNSConfig
	ACME        ACMEConfig
	Secrets     SecretsConfig
	Installer   InstallerConfig
	Probe       ProbeConfig
	Scheduler   SchedulerConfig
	Metrics     MetricsConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port            string
	Mode            string
	RateLimit       float64
	RateBurst       int
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
	AutoMigrate    bool
}

type RedisConfig struct {
	URL string
}

type AuthConfig struct {
	JWTSecret     string
	Issuer        string
	KeycloakURL   string
	KeycloakRealm string
}

type CredentialsConfig struct {
	EncryptionKey string
}

type DNSConfig struct {
	TTL              int64
	Resolver         string
	IPDiscoveryURL   string
	RequestTimeout   time.Duration
	LeaseTTL         time.Duration
	ReconcileOrphans bool
}

type ACMEConfig struct {
	DirectoryURL   string
	Email          string
	KeyType        string
	HTTP01Address  string
	WebrootPath    string
	RequestTimeout time.Duration
	StaleAfter     time.Duration
}

type SecretsConfig struct {
	Backend  string // fs or s3
	Dir      string
	Bucket   string
	Region   string
	Prefix   string
	Endpoint string
}

type InstallerConfig struct {
	NginxConfDir        string
	ApacheConfDir       string
	CertDir             string
	WebRoot             string
	NginxTestCommand    string
	NginxReloadCommand  string
	ApacheTestCommand   string
	ApacheReloadCommand string
	NginxContainer      string
	CommandTimeout      time.Duration
}

type ProbeConfig struct {
	Host            string
	Ports           []int
	SecurePorts     []int
	DialTimeout     time.Duration
	LivenessTimeout time.Duration
	CommandTimeout  time.Duration
	Workers         int
	Interval        time.Duration
}

type SchedulerConfig struct {
	WorkerCount       int
	ReconcileInterval time.Duration
	RecoverInterval   time.Duration
	JobTimeout        time.Duration
	QueueName         string
}

type MetricsConfig struct {
	RemoteWriteURL string
	TenantHeader   string
	TenantID       string
	BatchSize      int
	FlushInterval  time.Duration
	AuthToken      string
}

type LogConfig struct {
	Level       string
	Development bool
}

func Load() (*Config, error) {
	// .env is optional; real environment wins over it.
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("CERTIROUTE")
	viper.AutomaticEnv()

	setDefaults()

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if url := os.Getenv("KEYCLOAK_URL"); url != "" {
		cfg.Auth.KeycloakURL = url
	}
	if key := os.Getenv("CREDENTIALS_ENCRYPTION_KEY"); key != "" {
		cfg.Credentials.EncryptionKey = key
	}
	if email := os.Getenv("ACME_EMAIL"); email != "" {
		cfg.ACME.Email = email
	}
	if token := os.Getenv("METRICS_AUTH_TOKEN"); token != "" {
		cfg.Metrics.AuthToken = token
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.ratelimit", 10)
	viper.SetDefault("server.rateburst", 20)
	viper.SetDefault("server.shutdowntimeout", "30s")

	viper.SetDefault("database.maxconnections", 25)
	viper.SetDefault("database.maxidleconns", 5)
	viper.SetDefault("database.automigrate", true)

	viper.SetDefault("redis.url", "redis://localhost:6379/0")

	viper.SetDefault("auth.issuer", "certiroute")
	viper.SetDefault("auth.keycloakrealm", "certiroute")

	viper.SetDefault("dns.ttl", 300)
	viper.SetDefault("dns.resolver", "8.8.8.8:53")
	viper.SetDefault("dns.ipdiscoveryurl", "https://api.ipify.org?format=json")
	viper.SetDefault("dns.requesttimeout", "15s")
	viper.SetDefault("dns.leasettl", "2m")
	viper.SetDefault("dns.reconcileorphans", true)

	viper.SetDefault("acme.directoryurl", "https://acme-v02.api.letsencrypt.org/directory")
	viper.SetDefault("acme.keytype", "RSA2048")
	viper.SetDefault("acme.http01address", ":80")
	viper.SetDefault("acme.requesttimeout", "3m")
	viper.SetDefault("acme.staleafter", "15m")

	viper.SetDefault("secrets.backend", "fs")
	viper.SetDefault("secrets.dir", "./data/secrets")
	viper.SetDefault("secrets.prefix", "certiroute/")

	viper.SetDefault("installer.nginxconfdir", "/etc/nginx/conf.d")
	viper.SetDefault("installer.apacheconfdir", "/etc/apache2/sites-enabled")
	viper.SetDefault("installer.certdir", "/etc/ssl/certiroute")
	viper.SetDefault("installer.webroot", "/var/www/html")
	viper.SetDefault("installer.nginxtestcommand", "nginx -t")
	viper.SetDefault("installer.nginxreloadcommand", "nginx -s reload")
	viper.SetDefault("installer.apachetestcommand", "apachectl configtest")
	viper.SetDefault("installer.apachereloadcommand", "apachectl graceful")
	viper.SetDefault("installer.commandtimeout", "30s")

	viper.SetDefault("probe.host", "127.0.0.1")
	viper.SetDefault("probe.ports", []int{80, 443, 3000, 8000, 8080, 8443})
	viper.SetDefault("probe.secureports", []int{443, 8443})
	viper.SetDefault("probe.dialtimeout", "1s")
	viper.SetDefault("probe.livenesstimeout", "3s")
	viper.SetDefault("probe.commandtimeout", "5s")
	viper.SetDefault("probe.workers", 4)
	viper.SetDefault("probe.interval", "5m")

	viper.SetDefault("scheduler.workercount", 4)
	viper.SetDefault("scheduler.reconcileinterval", "10m")
	viper.SetDefault("scheduler.recoverinterval", "5m")
	viper.SetDefault("scheduler.jobtimeout", "1m")
	viper.SetDefault("scheduler.queuename", "certiroute:jobs")

	viper.SetDefault("metrics.tenantheader", "X-Scope-OrgID")
	viper.SetDefault("metrics.tenantid", "certiroute")
	viper.SetDefault("metrics.batchsize", 1000)
	viper.SetDefault("metrics.flushinterval", "30s")

	viper.SetDefault("log.level", "info")
}
