// Package config loads process configuration from the environment, an
// optional .env file, and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
)

// Every key is read as PLACE_<NAME> first and <NAME> second.
const envPrefix = "place"

// maxRasterBytes bounds W*H*3 so a typo cannot allocate the whole machine.
const maxRasterBytes = 1 << 30

// Snapshot backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
	BackendRedis  = "redis"
)

type Server struct {
	Width        int    `envconfig:"WIDTH" default:"1000"`
	Height       int    `envconfig:"HEIGHT" default:"1000"`
	PlaceFile    string `envconfig:"PLACE_FILE" default:"place.png"`
	SaveInterval int    `envconfig:"SAVE_INTERVAL" default:"60"`
	Port         int    `envconfig:"PORT" default:"8080"`
	Address      string `envconfig:"ADDRESS"`

	SnapshotBackend    string `envconfig:"SNAPSHOT_BACKEND" default:"file"`
	SQLitePath         string `envconfig:"SQLITE_PATH" default:"place.sqlite3"`
	S3Bucket           string `envconfig:"S3_BUCKET"`
	S3Key              string `envconfig:"S3_KEY" default:"place.png"`
	S3Region           string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint         string `envconfig:"S3_ENDPOINT"`
	S3PathStyle        bool   `envconfig:"S3_PATH_STYLE"`
	AWSAccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY"`
	RedisURL           string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	RedisKey           string `envconfig:"REDIS_KEY" default:"place:snapshot"`

	MaxConnections   int `envconfig:"MAX_CONNECTIONS" default:"500000"`
	ConnectionsPerIP int `envconfig:"CONNECTIONS_PER_IP" default:"3"`
	PingInterval     int `envconfig:"PING_INTERVAL" default:"30"`
	SendQueue        int `envconfig:"SEND_QUEUE" default:"1024"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// LoadDotEnv loads the given files, or .env when none are given. Missing files
// are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// LoadServer reads the server configuration from the environment.
func LoadServer() (*Server, error) {
	c := new(Server)
	if err := envconfig.Process(envPrefix, c); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return c, nil
}

// AddFlags registers flags that override the values already loaded into c.
func (c *Server) AddFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.Width, "width", c.Width, "width of the canvas")
	fs.IntVar(&c.Height, "height", c.Height, "height of the canvas")
	fs.StringVar(&c.PlaceFile, "save-location", c.PlaceFile, "file to save the canvas to")
	fs.IntVar(&c.SaveInterval, "save-interval", c.SaveInterval, "interval to save the canvas (in seconds)")
	fs.IntVar(&c.Port, "port", c.Port, "port to listen on")
	fs.StringVar(&c.Address, "address", c.Address, "address to listen on, overrides --port")
	fs.StringVar(&c.SnapshotBackend, "snapshot-backend", c.SnapshotBackend, "snapshot storage: file, sqlite, s3 or redis")
	fs.StringVar(&c.SQLitePath, "sqlite-path", c.SQLitePath, "database file for the sqlite backend")
	fs.StringVar(&c.S3Bucket, "s3-bucket", c.S3Bucket, "bucket for the s3 backend")
	fs.StringVar(&c.S3Key, "s3-key", c.S3Key, "object key for the s3 backend")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "url for the redis backend")
	fs.IntVar(&c.MaxConnections, "connections", c.MaxConnections, "maximum number of connections")
	fs.IntVar(&c.ConnectionsPerIP, "connections-per-ip", c.ConnectionsPerIP, "maximum number of connections per IP")
	fs.IntVar(&c.PingInterval, "ping-interval", c.PingInterval, "interval to ping clients (in seconds)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text or json")
}

func (c *Server) Validate() error {
	var errs []error
	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, fmt.Errorf("canvas dimensions must be positive, got %dx%d", c.Width, c.Height))
	} else if int64(c.Width)*int64(c.Height)*3 > maxRasterBytes {
		errs = append(errs, fmt.Errorf("canvas %dx%d is too large", c.Width, c.Height))
	}
	if c.SaveInterval <= 0 {
		errs = append(errs, fmt.Errorf("save interval must be positive, got %d", c.SaveInterval))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("ping interval must be positive, got %d", c.PingInterval))
	}
	if c.SendQueue <= 0 {
		errs = append(errs, fmt.Errorf("send queue must be positive, got %d", c.SendQueue))
	}
	if c.Address == "" && (c.Port <= 0 || c.Port > 65535) {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	switch c.SnapshotBackend {
	case BackendFile:
		if c.PlaceFile == "" {
			errs = append(errs, errors.New("snapshot file path is empty"))
		}
	case BackendSQLite, BackendRedis:
	case BackendS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("s3 backend requires S3_BUCKET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown snapshot backend %q", c.SnapshotBackend))
	}
	return errors.Join(errs...)
}

func (c *Server) ListenAddress() string {
	if c.Address != "" {
		return c.Address
	}
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Server) SaveEvery() time.Duration {
	return time.Duration(c.SaveInterval) * time.Second
}

func (c *Server) PingEvery() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

type Client struct {
	ServerURL        string        `envconfig:"SERVER_URL" default:"http://127.0.0.1:8080"`
	ReconnectMin     time.Duration `envconfig:"RECONNECT_MIN" default:"250ms"`
	ReconnectMax     time.Duration `envconfig:"RECONNECT_MAX" default:"10s"`
	ReconnectRetries int           `envconfig:"RECONNECT_RETRIES" default:"10"`
	ZoomMin          float64       `envconfig:"ZOOM_MIN" default:"0.05"`
	ZoomMax          float64       `envconfig:"ZOOM_MAX" default:"64"`
	ViewWidth        int           `envconfig:"VIEW_WIDTH" default:"800"`
	ViewHeight       int           `envconfig:"VIEW_HEIGHT" default:"600"`
	Output           string        `envconfig:"OUTPUT" default:"view.png"`
	RenderInterval   time.Duration `envconfig:"RENDER_INTERVAL" default:"1s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

func LoadClient() (*Client, error) {
	c := new(Client)
	if err := envconfig.Process(envPrefix, c); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return c, nil
}

func (c *Client) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ServerURL, "server", c.ServerURL, "base url of the place server")
	fs.DurationVar(&c.ReconnectMin, "reconnect-min", c.ReconnectMin, "initial reconnect delay")
	fs.DurationVar(&c.ReconnectMax, "reconnect-max", c.ReconnectMax, "maximum reconnect delay")
	fs.IntVar(&c.ReconnectRetries, "reconnect-retries", c.ReconnectRetries, "failed reconnect cycles before giving up")
	fs.Float64Var(&c.ZoomMin, "zoom-min", c.ZoomMin, "smallest allowed zoom factor")
	fs.Float64Var(&c.ZoomMax, "zoom-max", c.ZoomMax, "largest allowed zoom factor")
	fs.IntVar(&c.ViewWidth, "view-width", c.ViewWidth, "rendered view width in pixels")
	fs.IntVar(&c.ViewHeight, "view-height", c.ViewHeight, "rendered view height in pixels")
	fs.StringVar(&c.Output, "output", c.Output, "file the rendered view is written to")
	fs.DurationVar(&c.RenderInterval, "render-interval", c.RenderInterval, "how often the view is rendered")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text or json")
}

func (c *Client) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server url is empty"))
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		errs = append(errs, fmt.Errorf("invalid reconnect delays %s..%s", c.ReconnectMin, c.ReconnectMax))
	}
	if c.ReconnectRetries < 1 {
		errs = append(errs, fmt.Errorf("reconnect retries must be at least 1, got %d", c.ReconnectRetries))
	}
	if c.ZoomMin <= 0 || c.ZoomMax < c.ZoomMin {
		errs = append(errs, fmt.Errorf("invalid zoom bounds %v..%v", c.ZoomMin, c.ZoomMax))
	}
	if c.ViewWidth <= 0 || c.ViewHeight <= 0 {
		errs = append(errs, fmt.Errorf("view dimensions must be positive, got %dx%d", c.ViewWidth, c.ViewHeight))
	}
	return errors.Join(errs...)
}
