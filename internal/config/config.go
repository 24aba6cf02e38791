package config

import (
	"fmt"
	"net/url"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Database selects and addresses the listings/offers store.
type Database struct {
	Driver      string `envconfig:"DB_DRIVER" default:"mysql"`
	MySQLUser   string `envconfig:"MYSQL_USER" default:"user"`
	MySQLPwd    string `envconfig:"MYSQL_PWD" default:"password"`
	MySQLHost   string `envconfig:"MYSQL_HOST" default:"127.0.0.1:3306"`
	MySQLDB     string `envconfig:"MYSQL_DATABASE" default:"marketplace"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"market.db"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`
}

// DSN builds the data source name for the configured driver.
func (d Database) DSN() (string, error) {
	switch d.Driver {
	case DriverMySQL:
		// go-sql-driver/mysql: Config.FormatDSN escapes credentials and params.
		cfg := mysqldriver.NewConfig()
		cfg.User = d.MySQLUser
		cfg.Passwd = d.MySQLPwd
		cfg.Net = "tcp"
		cfg.Addr = d.MySQLHost
		cfg.DBName = d.MySQLDB
		cfg.ParseTime = true
		return cfg.FormatDSN(), nil
	case DriverSQLite:
		q := url.Values{}
		q.Add("_pragma", "foreign_keys(1)")
		q.Add("_pragma", "busy_timeout(5000)")
		return fmt.Sprintf("file:%s?%s", d.SQLitePath, q.Encode()), nil
	default:
		return "", errors.Errorf("unsupported DB_DRIVER %q", d.Driver)
	}
}

// API configures the marketplace REST service. Redis and Kafka are optional:
// leaving REDIS_ADDR or KAFKA_BROKERS empty disables the features built on them.
type API struct {
	Database

	HTTPAddr       string        `envconfig:"MARKETPLACE_HTTP_ADDR" default:":8080"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	RedisAddr      string        `envconfig:"REDIS_ADDR"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	KafkaBrokers   []string      `envconfig:"KAFKA_BROKERS"`
	KafkaTopic     string        `envconfig:"KAFKA_TOPIC" default:"marketplace.events"`
	KafkaGroupID   string        `envconfig:"KAFKA_GROUP_ID" default:"marketplace-projectors"`
}

// Catalog configures the catalog tool server.
type Catalog struct {
	HTTPAddr string `envconfig:"CATALOG_HTTP_ADDR" default:":8090"`
	BaseURL  string `envconfig:"CATALOG_BASE_URL" default:"http://localhost:8090"`
	File     string `envconfig:"CATALOG_FILE"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadAPI() (*API, error) {
	var cfg API
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "load api config")
	}
	if _, err := cfg.DSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func LoadCatalog() (*Catalog, error) {
	var cfg Catalog
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "load catalog config")
	}
	return &cfg, nil
}
