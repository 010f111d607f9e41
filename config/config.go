// Package config holds nexrpc's runtime configuration, loaded by viper
// from a config file, environment variables, and command-line flags (in
// that ascending order of precedence) and bound into this struct via
// mapstructure tags.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// ProtocolListener configures one protocol's listen address; a protocol
// with an empty Addr is not started.
type ProtocolListener struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Config is the root configuration object for an nexrpc server process.
type Config struct {
	BaiduStd ProtocolListener `mapstructure:"baidu_std" yaml:"baidu_std"`
	Hulu     ProtocolListener `mapstructure:"hulu"      yaml:"hulu"`
	SoFa     ProtocolListener `mapstructure:"sofa"      yaml:"sofa"`
	NSHead   ProtocolListener `mapstructure:"nshead"    yaml:"nshead"`
	HTTP     ProtocolListener `mapstructure:"http"      yaml:"http"`
	GRPC     ProtocolListener `mapstructure:"grpc"      yaml:"grpc"`

	// DefaultCompress names a compression codec: "none", "snappy", "gzip",
	// or "zlib". It is loaded but not read by the server; dispatched
	// responses reuse the compression type of their request.
	DefaultCompress string `mapstructure:"default_compress" yaml:"default_compress"`

	// RequestTimeout bounds how long a single dispatched call may run when
	// its request carries no deadline of its own; a call that runs past it
	// gets an ErrorCodeNetwork ("deadline exceeded") response. The server
	// also uses it as each connection's read deadline.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// MaxBodyBytes records the body-size cap. It is loaded but not read by
	// the codecs, which enforce the fixed protocol.MaxBodySize limit.
	MaxBodyBytes int `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`

	Debug bool `mapstructure:"debug" yaml:"debug"`
}

// New returns a Config populated with the package defaults, before any
// file, environment, or flag overrides are layered on by Load.
func New() *Config {
	return &Config{
		BaiduStd:        ProtocolListener{Addr: ":1298"},
		Hulu:            ProtocolListener{Addr: ":8113"},
		SoFa:            ProtocolListener{Addr: ":12200"},
		NSHead:          ProtocolListener{Addr: ":8011"},
		HTTP:            ProtocolListener{Addr: ":8080"},
		GRPC:            ProtocolListener{Addr: ":8020"},
		DefaultCompress: "none",
		RequestTimeout:  10 * time.Second,
		MaxBodyBytes:    512 * 1024 * 1024,
	}
}

// Load reads configuration from v (already pointed at a config file,
// environment prefix, and bound flags by the caller) into a fresh
// Config seeded with defaults.
func Load(v *viper.Viper) (*Config, error) {
	cfg := New()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
