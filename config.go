package xatm

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"pkt.systems/xatm/internal/config"
	"pkt.systems/xatm/internal/core"
	"pkt.systems/xatm/internal/message"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":7420"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultLog points the manager at the in-memory log when none is given.
	// Nothing survives a restart with it.
	DefaultLog = "mem://"
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes = 1 << 20
	// DefaultBatchLimit bounds the inbound messages handled between log syncs.
	DefaultBatchLimit = core.DefaultBatchLimit
	// DefaultInboundBuffer is the capacity of the manager's inbound queue.
	DefaultInboundBuffer = core.DefaultInboundBuffer
	// DefaultRollbackPolicy replies to rollback only once the log is durable.
	DefaultRollbackPolicy = "reply-after-log"
	// DefaultLogSegmentSize rolls disk log segments at this size.
	DefaultLogSegmentSize = int64(64 << 20)
	// DefaultLogRetryMaxAttempts bounds retries of transient object store
	// failures.
	DefaultLogRetryMaxAttempts = 6
	// DefaultLogRetryBaseDelay is the first backoff delay.
	DefaultLogRetryBaseDelay = 100 * time.Millisecond
	// DefaultLogRetryMaxDelay caps backoff delays.
	DefaultLogRetryMaxDelay = 5 * time.Second
	// DefaultLogRetryMultiplier grows the delay between attempts.
	DefaultLogRetryMultiplier = 2.0
	// DefaultSendTimeout bounds one delivery attempt to a resource instance.
	DefaultSendTimeout = 5 * time.Second
	// DefaultSendMaxAttempts bounds delivery attempts before the instance is
	// treated as failed.
	DefaultSendMaxAttempts = 3
	// DefaultProcessPollInterval is how often watched pids are checked.
	DefaultProcessPollInterval = 500 * time.Millisecond
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMaxConcurrentStreams caps HTTP/2 streams per connection.
	DefaultMaxConcurrentStreams = 1024
)

// Config captures the tunables of an xatm server.
type Config struct {
	Listen      string
	ListenProto string

	// Log is the transaction log URL: mem://, disk:///path,
	// s3://host[:port]/bucket[/prefix] or azure://account/container[/prefix].
	Log            string
	LogSegmentSize int64

	LogRetryMaxAttempts int
	LogRetryBaseDelay   time.Duration
	LogRetryMaxDelay    time.Duration
	LogRetryMultiplier  float64

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	S3Region          string

	AzureAccountKey string
	AzureSASToken   string
	AzureEndpoint   string

	// ResourceFile is a YAML resource configuration. When set it takes
	// precedence over Resources.
	ResourceFile   string
	WatchResources bool
	Resources      []message.ResourceConfig

	BatchLimit     int
	InboundBuffer  int
	RollbackPolicy string
	JSONMaxBytes   int64

	SendTimeout     time.Duration
	SendMaxAttempts int

	DisableProcessWatch bool
	ProcessPollInterval time.Duration
	// SignalInstances sends SIGTERM to local instances the pool retires.
	SignalInstances bool

	HTTP2MaxConcurrentStreams int
	ShutdownTimeout           time.Duration

	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
}

// Validate applies defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto %q must be tcp, tcp4, tcp6 or unix", c.ListenProto)
	}
	c.Log = strings.TrimSpace(c.Log)
	if c.Log == "" {
		c.Log = DefaultLog
	}
	u, err := url.Parse(c.Log)
	if err != nil {
		return fmt.Errorf("config: parse log URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "disk", "s3", "azure":
	default:
		return fmt.Errorf("config: log scheme %q not supported", u.Scheme)
	}
	if c.LogSegmentSize == 0 {
		c.LogSegmentSize = DefaultLogSegmentSize
	} else if c.LogSegmentSize < 4096 {
		return fmt.Errorf("config: log segment size must be >= 4096 bytes")
	}
	if c.LogRetryMaxAttempts == 0 {
		c.LogRetryMaxAttempts = DefaultLogRetryMaxAttempts
	} else if c.LogRetryMaxAttempts < 0 {
		return fmt.Errorf("config: log retry max attempts must be >= 0")
	}
	if c.LogRetryBaseDelay <= 0 {
		c.LogRetryBaseDelay = DefaultLogRetryBaseDelay
	}
	if c.LogRetryMaxDelay <= 0 {
		c.LogRetryMaxDelay = DefaultLogRetryMaxDelay
	}
	if c.LogRetryMaxDelay < c.LogRetryBaseDelay {
		return fmt.Errorf("config: log retry max delay must be >= base delay")
	}
	if c.LogRetryMultiplier == 0 {
		c.LogRetryMultiplier = DefaultLogRetryMultiplier
	} else if c.LogRetryMultiplier < 1 {
		return fmt.Errorf("config: log retry multiplier must be >= 1")
	}
	if c.ResourceFile == "" && c.WatchResources {
		return fmt.Errorf("config: watching resources requires a resource file")
	}
	if c.ResourceFile == "" {
		if err := config.Validate(c.Resources); err != nil {
			return fmt.Errorf("config: resources: %w", err)
		}
	}
	if c.BatchLimit == 0 {
		c.BatchLimit = DefaultBatchLimit
	} else if c.BatchLimit < 0 {
		return fmt.Errorf("config: batch limit must be >= 0")
	}
	if c.InboundBuffer == 0 {
		c.InboundBuffer = DefaultInboundBuffer
	} else if c.InboundBuffer < 0 {
		return fmt.Errorf("config: inbound buffer must be >= 0")
	}
	if c.RollbackPolicy == "" {
		c.RollbackPolicy = DefaultRollbackPolicy
	}
	if _, err := core.ParseRollbackPolicy(c.RollbackPolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.JSONMaxBytes == 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	} else if c.JSONMaxBytes < 0 {
		return fmt.Errorf("config: json max bytes must be >= 0")
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.SendMaxAttempts == 0 {
		c.SendMaxAttempts = DefaultSendMaxAttempts
	} else if c.SendMaxAttempts < 0 {
		return fmt.Errorf("config: send max attempts must be >= 0")
	}
	if c.ProcessPollInterval <= 0 {
		c.ProcessPollInterval = DefaultProcessPollInterval
	}
	if c.HTTP2MaxConcurrentStreams < 0 {
		return fmt.Errorf("config: http2 max concurrent streams must be >= 0")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// LoadResources returns the resource configuration: the parsed ResourceFile
// when set, Resources otherwise.
func (c Config) LoadResources() ([]message.ResourceConfig, error) {
	if c.ResourceFile == "" {
		return append([]message.ResourceConfig(nil), c.Resources...), nil
	}
	return config.Load(c.ResourceFile)
}
