package conn

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
	defaultMaxOpenConns    = 8
)

// Option defines connection options for PostgreSQL.
type Option struct {
	Host            string            `yaml:"host"`
	Port            int               `yaml:"port"`
	User            string            `yaml:"user"`
	Password        string            `yaml:"password"`
	Database        string            `yaml:"database"`
	SSLMode         string            `yaml:"ssl_mode"`
	Params          map[string]string `yaml:"params"`
	ConnString      string            `yaml:"conn_string"`
	MaxOpenConns    int               `yaml:"max_open_conns"`
	MaxIdleConns    int               `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration     `yaml:"conn_max_lifetime"`
	Config          *gorm.Config      `yaml:"-"`
}

// Enabled reports whether enough is configured to attempt a connection.
func (opt Option) Enabled() bool {
	return opt.ConnString != "" || opt.Database != ""
}

// Client wraps a PostgreSQL connection pool.
type Client struct {
	opt Option
	db  *gorm.DB
}

// New creates a PostgreSQL client from the provided options.
func New(option Option) (*Client, error) {
	connString, err := option.dsn()
	if err != nil {
		return nil, err
	}

	config := option.Config
	if config == nil {
		config = &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, errors.Wrapf(err, "open postgres %s", option.redacted())
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql db")
	}
	maxOpen := option.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	if option.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(option.MaxIdleConns)
	}
	if option.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(option.ConnMaxLifetime)
	}

	return &Client{opt: option, db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Ping checks the pool can reach the server.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt Option) redacted() string {
	if opt.ConnString != "" {
		return "(conn string)"
	}
	return fmt.Sprintf("%s:%d/%s", opt.host(), opt.port(), opt.Database)
}

func (opt Option) host() string {
	if opt.Host == "" {
		return defaultPostgresHost
	}
	return opt.Host
}

func (opt Option) port() int {
	if opt.Port == 0 {
		return defaultPostgresPort
	}
	return opt.Port
}

func (opt Option) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}
	if opt.Database == "" {
		return "", errors.New("postgres: database is empty")
	}

	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", opt.host(), opt.port()),
		Path:   "/" + opt.Database,
	}

	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}
