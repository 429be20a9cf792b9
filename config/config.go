/*
Package config implements a parser for L2TP control connection client
configuration represented in the TOML format: https://github.com/toml-lang/toml.

Please refer to the TOML repos for an in-depth description of the syntax.

The tunnel is called out in the configuration file using a named TOML
table.  The tunnel table contains configuration parameters for the
tunnel as key:value pairs.  Exactly one tunnel table may be present.

	# This is a tunnel instance named "t1"
	[tunnel.t1]

	# local optionally specifies the local address that the tunnel
	# should bind its socket to.  If unset the kernel picks the
	# address and port when the socket is connected.
	local = "0.0.0.0:60000"

	# peer specifies the address of the LNS that the tunnel should
	# connect its socket to.  It is required.
	peer = "192.0.2.1:1701"

	# tid specifies the local tunnel ID of the tunnel.
	# L2TPv2 tunnel IDs are 16 bit, and may be in the range 1 - 65535.
	# It is required.
	tid = 62719

	# host_name sets the host name the tunnel will advertise in the
	# Host Name AVP per RFC2661.
	# If unset the host's name will be queried and the returned value used.
	host_name = "basilbrush.local"

	# secret is the secret shared with the LNS, used to answer the
	# LNS's challenge.
	secret = "s3cret"

	# framing_caps sets the framing capabilites the tunnel will advertise
	# in the Framing Capabilites AVP per RFC2661.
	# The default is to advertise both sync and async framing.
	framing_caps = ["sync","async"]

	# rx_window_size, if set, is advertised to the LNS in the Receive
	# Window Size AVP.
	rx_window_size = 4

	# recv_timeout bounds how long we wait for the LNS to reply to
	# our SCCRQ.  By default we wait indefinitely.
	recv_timeout = 5000 # milliseconds

	# verify_protocol_version, if set, requires the LNS to advertise
	# protocol version 1 revision 0.  By default the LNS's protocol
	# version is not checked.
	verify_protocol_version = false

	# max_attempts sets how many times the handshake is attempted before
	# giving up.  A value of 0 retries forever.  The default is 1.
	max_attempts = 3

	# retry_interval sets how long to wait between handshake attempts.
	# The default is 1000ms.
	retry_interval = 1000 # milliseconds

	# The optional metrics table enables a Prometheus metrics endpoint.
	[metrics]

	# listen specifies the address the metrics HTTP server listens on.
	listen = "127.0.0.1:9101"
*/
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/katalix/go-l2tpcc/l2tp"
	"github.com/pelletier/go-toml"
)

const (
	defaultMaxAttempts   = 1
	defaultRetryInterval = time.Second
)

// Config contains L2TP configuration for the control connection client.
type Config struct {
	// The entire tree as a map as parsed from the TOML representation.
	// Apps may access this tree to handle their own config tables.
	Map map[string]interface{}
	// The tunnel defined in the configuration.
	Tunnel NamedTunnel
	// Metrics endpoint configuration.
	Metrics MetricsConfig
}

// NamedTunnel contains configuration for a tunnel instance.
type NamedTunnel struct {
	// The tunnel's name as specified in the config file.
	Name string
	// The local address to bind to, if any.
	Local string
	// The LNS address.
	Peer string
	// The handshake configuration.
	Handshake *l2tp.HandshakeConfig
	// The transport configuration.
	Transport l2tp.TransportConfig
	// How many times to attempt the handshake.  Zero means no limit.
	MaxAttempts uint
	// The delay between handshake attempts.
	RetryInterval time.Duration
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	// Listen is the address to serve metrics on.  If empty, metrics
	// are not served.
	Listen string
}

func toBool(v interface{}) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("supplied value could not be parsed as a bool")
}

// go-toml's ToMap function represents numbers as either uint64 or int64.
// So when we are converting numbers, we need to figure out which one it
// has picked and range check to ensure that the number from the config
// fits within the range of the destination type.
func toUint16(v interface{}) (uint16, error) {
	if b, ok := v.(int64); ok {
		if b < 0x0 || b > 0xffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint16(b), nil
	} else if b, ok := v.(uint64); ok {
		if b > 0xffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint16(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toUint32(v interface{}) (uint32, error) {
	if b, ok := v.(int64); ok {
		if b < 0x0 || b > 0xffffffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint32(b), nil
	} else if b, ok := v.(uint64); ok {
		if b > 0xffffffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint32(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

func toDurationMs(v interface{}) (time.Duration, error) {
	u, err := toUint32(v)
	return time.Duration(u) * time.Millisecond, err
}

func toTunnelID(v interface{}) (uint16, error) {
	u, err := toUint16(v)
	if err == nil && u == 0 {
		return 0, fmt.Errorf("tunnel ID must be in the range 1 - 65535")
	}
	return u, err
}

func toFramingCaps(v interface{}) (l2tp.FramingCapability, error) {
	var fc l2tp.FramingCapability

	// First ensure that the supplied value is actually an array
	caps, ok := v.([]interface{})
	if !ok {
		return 0, fmt.Errorf("expected array value")
	}

	// TOML arrays can be mixed type, so we have to check on a value-by-value
	// basis that the value in the array can be represented as a string.
	for _, c := range caps {
		cs, err := toString(c)
		if err != nil {
			return 0, err
		}
		switch cs {
		case "sync":
			fc |= l2tp.FramingCapSync
		case "async":
			fc |= l2tp.FramingCapAsync
		default:
			return 0, fmt.Errorf("expect 'sync' or 'async'")
		}
	}
	if fc == 0 {
		return 0, fmt.Errorf("at least one framing capability is required")
	}
	return fc, nil
}

func newTunnelConfig(name string, tcfg map[string]interface{}) (*NamedTunnel, error) {
	nt := &NamedTunnel{
		Name: name,
		Handshake: &l2tp.HandshakeConfig{
			FramingCaps: l2tp.FramingCapSync | l2tp.FramingCapAsync,
		},
		MaxAttempts:   defaultMaxAttempts,
		RetryInterval: defaultRetryInterval,
	}
	for k, v := range tcfg {
		var err error
		switch k {
		case "local":
			nt.Local, err = toString(v)
		case "peer":
			nt.Peer, err = toString(v)
		case "tid":
			nt.Handshake.TunnelID, err = toTunnelID(v)
		case "host_name":
			nt.Handshake.HostName, err = toString(v)
		case "secret":
			var s string
			s, err = toString(v)
			nt.Handshake.Secret = []byte(s)
		case "framing_caps":
			nt.Handshake.FramingCaps, err = toFramingCaps(v)
		case "rx_window_size":
			nt.Handshake.ReceiveWindowSize, err = toUint16(v)
		case "verify_protocol_version":
			nt.Handshake.VerifyProtocolVersion, err = toBool(v)
		case "recv_timeout":
			nt.Transport.RecvTimeout, err = toDurationMs(v)
		case "max_attempts":
			var u uint16
			u, err = toUint16(v)
			nt.MaxAttempts = uint(u)
		case "retry_interval":
			nt.RetryInterval, err = toDurationMs(v)
		default:
			return nil, fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}

	if nt.Peer == "" {
		return nil, errors.New("missing required parameter 'peer'")
	}
	if nt.Handshake.TunnelID == 0 {
		return nil, errors.New("missing required parameter 'tid'")
	}
	return nt, nil
}

func (cfg *Config) loadTunnel() error {
	var tunnels map[string]interface{}

	// Extract the tunnel map from the configuration tree
	if got, ok := cfg.Map["tunnel"]; ok {
		tunnels, ok = got.(map[string]interface{})
		if !ok {
			return fmt.Errorf("tunnel instances must be named, e.g. '[tunnel.mytunnel]'")
		}
	} else {
		return fmt.Errorf("no tunnel table present")
	}

	if len(tunnels) != 1 {
		return fmt.Errorf("expected exactly one tunnel instance, found %d", len(tunnels))
	}

	for name, got := range tunnels {
		tmap, ok := got.(map[string]interface{})
		if !ok {
			return fmt.Errorf("tunnel instances must be named, e.g. '[tunnel.mytunnel]'")
		}
		tcfg, err := newTunnelConfig(name, tmap)
		if err != nil {
			return fmt.Errorf("tunnel %v: %v", name, err)
		}
		cfg.Tunnel = *tcfg
	}
	return nil
}

func (cfg *Config) loadMetrics() error {
	got, ok := cfg.Map["metrics"]
	if !ok {
		return nil
	}
	mmap, ok := got.(map[string]interface{})
	if !ok {
		return fmt.Errorf("metrics must be a table, e.g. '[metrics]'")
	}
	for k, v := range mmap {
		var err error
		switch k {
		case "listen":
			cfg.Metrics.Listen, err = toString(v)
		default:
			return fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return nil
}

func newConfig(tree *toml.Tree) (*Config, error) {
	cfg := &Config{Map: tree.ToMap()}
	if err := cfg.loadTunnel(); err != nil {
		return nil, fmt.Errorf("failed to parse tunnel: %v", err)
	}
	if err := cfg.loadMetrics(); err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %v", err)
	}
	return cfg, nil
}

// LoadFile loads configuration from the specified file.
func LoadFile(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return newConfig(tree)
}

// LoadString loads configuration from the specified string.
func LoadString(content string) (*Config, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %v", err)
	}
	return newConfig(tree)
}
