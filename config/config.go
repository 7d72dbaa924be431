// Package config holds the knobs a channel or a server is built with.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mailru/easyjson/jlexer"
	"go.uber.org/multierr"

	"github.com/ozontech/rpccore/consts"
	"github.com/ozontech/rpccore/security"
)

type Keepalive struct {
	// Time between pings. Zero disables keepalive.
	Time    time.Duration
	Timeout time.Duration
}

type Config struct {
	// Security names the handshaker run on every new connection.
	Security string
	// QuotaSize is the memory budget of one channel or server in bytes.
	// Zero means the process default quota.
	QuotaSize      int64
	MaxRecvMsgSize int
	// InitialWindow is the receive window announced to the peer.
	InitialWindow   uint32
	SetupTimeout    time.Duration
	UserAgent       string
	ExecutorThreads int
	Keepalive       Keepalive
}

func Default() Config {
	return Config{
		Security:        security.InsecureName,
		MaxRecvMsgSize:  consts.DefaultMaxRecvMsgSize,
		InitialWindow:   consts.DefaultInitialWindowSize,
		SetupTimeout:    consts.DefaultTimeout,
		UserAgent:       "rpccore-go",
		ExecutorThreads: consts.DefaultExecutorThreads,
		Keepalive: Keepalive{
			Time:    consts.DefaultKeepaliveTime,
			Timeout: consts.DefaultKeepaliveTimeout,
		},
	}
}

const maxWindow = 1<<31 - 1

// Validate reports every invalid field. A keepalive time below the minimum
// is raised to it instead.
func (c *Config) Validate() error {
	var err error
	if c.Security == "" {
		err = multierr.Append(err, errors.New("security: empty handshaker name"))
	}
	if c.QuotaSize < 0 {
		err = multierr.Append(err, fmt.Errorf("quota_size: negative %d", c.QuotaSize))
	}
	if c.MaxRecvMsgSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("max_recv_msg_size: must be positive, got %d", c.MaxRecvMsgSize))
	}
	if c.InitialWindow < consts.DefaultInitialWindowSize || c.InitialWindow > maxWindow {
		err = multierr.Append(err, fmt.Errorf(
			"initial_window: %d out of [%d, %d]", c.InitialWindow, consts.DefaultInitialWindowSize, maxWindow,
		))
	}
	if c.SetupTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("setup_timeout: must be positive, got %s", c.SetupTimeout))
	}
	if c.ExecutorThreads <= 0 {
		err = multierr.Append(err, fmt.Errorf("executor_threads: must be positive, got %d", c.ExecutorThreads))
	}
	if c.Keepalive.Time < 0 || c.Keepalive.Timeout < 0 {
		err = multierr.Append(err, errors.New("keepalive: negative duration"))
	}
	if c.Keepalive.Time > 0 {
		if c.Keepalive.Time < consts.MinKeepaliveTime {
			c.Keepalive.Time = consts.MinKeepaliveTime
		}
		if c.Keepalive.Timeout == 0 {
			err = multierr.Append(err, errors.New("keepalive: timeout is required when time is set"))
		}
	}
	return err
}

// Load reads a JSON config file over the defaults.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	c, err := ParseJSON(b)
	if err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return c, nil
}

// ParseJSON decodes b over the defaults and validates the result. Sizes are
// numbers of bytes or strings like "4MiB"; durations are strings like "30s".
// Unknown keys are skipped.
func ParseJSON(b []byte) (Config, error) {
	c := Default()
	in := jlexer.Lexer{Data: b}

	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "security":
			c.Security = in.String()
		case "quota_size":
			c.QuotaSize = int64(readSize(&in, math.MaxInt64))
		case "max_recv_msg_size":
			c.MaxRecvMsgSize = int(readSize(&in, math.MaxInt32))
		case "initial_window":
			c.InitialWindow = uint32(readSize(&in, math.MaxUint32))
		case "setup_timeout":
			c.SetupTimeout = readDuration(&in)
		case "user_agent":
			c.UserAgent = in.String()
		case "executor_threads":
			c.ExecutorThreads = in.Int()
		case "keepalive":
			readKeepalive(&in, &c.Keepalive)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	in.Consumed()

	if err := in.Error(); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func readKeepalive(in *jlexer.Lexer, k *Keepalive) {
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		switch key {
		case "time":
			k.Time = readDuration(in)
		case "timeout":
			k.Timeout = readDuration(in)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
}

func readSize(in *jlexer.Lexer, max uint64) uint64 {
	var n uint64
	switch v := in.Interface().(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) {
			in.AddError(fmt.Errorf("size %v is not a whole number of bytes", v))
			return 0
		}
		n = uint64(v)
	case string:
		var err error
		if n, err = humanize.ParseBytes(v); err != nil {
			in.AddError(fmt.Errorf("size %q: %w", v, err))
			return 0
		}
	default:
		in.AddError(fmt.Errorf("size must be a number or a string, got %T", v))
		return 0
	}
	if n > max {
		in.AddError(fmt.Errorf("size %s is too large", humanize.IBytes(n)))
		return 0
	}
	return n
}

func readDuration(in *jlexer.Lexer) time.Duration {
	s := in.String()
	if !in.Ok() {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		in.AddError(err)
	}
	return d
}

func (c Config) String() string {
	return fmt.Sprintf(
		"security=%s quota=%s max_recv_msg=%s window=%s keepalive=%s/%s",
		c.Security,
		quotaString(c.QuotaSize),
		humanize.IBytes(uint64(c.MaxRecvMsgSize)),
		humanize.IBytes(uint64(c.InitialWindow)),
		c.Keepalive.Time, c.Keepalive.Timeout,
	)
}

func quotaString(n int64) string {
	if n == 0 {
		return "default"
	}
	return humanize.IBytes(uint64(n))
}
