// Package config holds the configuration file definition for sendmx.
//
// The configuration file is in "sconf" format by default, see
// https://pkg.go.dev/github.com/mjl-/sconf. Files ending in .yaml or .yml are
// parsed as YAML, with the same field names. Run "sendmx config describe" for an
// annotated example.
package config

import (
	"crypto"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mjl-/sconf"

	"github.com/mjl-/sendmx/dkim"
	"github.com/mjl-/sendmx/mlog"
)

// Defaults, applied by Load for fields that are not set.
const (
	DefaultSMTPPort     = 25
	DefaultDevHost      = "localhost"
	DefaultSelector     = "dkim"
	DefaultMaxParallel  = 8
	DefaultLogLevel     = "error"
	DefaultDKIMHashName = "sha256"
)

// Config is the parsed form of the configuration file.
type Config struct {
	DKIM               *DKIM             `sconf:"optional" yaml:"DKIM,omitempty" sconf-doc:"NOTE: In sconf format, indent with tabs. Comments must be on their own line. Do not escape or quote strings.\n\nIf set, messages are signed with DKIM before delivery. The signing domain is the domain of the From address."`
	DevHost            string            `sconf:"optional" yaml:"DevHost,omitempty" sconf-doc:"Host to deliver all messages to when DevPort is set. Default: localhost."`
	DevPort            int               `sconf:"optional" yaml:"DevPort,omitempty" sconf-doc:"If set, DNS is not used and all messages are delivered to DevHost on this port. For development and testing."`
	SMTPPort           int               `sconf:"optional" yaml:"SMTPPort,omitempty" sconf-doc:"Port to connect to on mail exchangers. Default: 25."`
	SMTPHost           string            `sconf:"optional" yaml:"SMTPHost,omitempty" sconf-doc:"Fallback host, tried after all MX hosts of a domain failed to connect."`
	RejectUnauthorized bool              `sconf:"optional" yaml:"RejectUnauthorized,omitempty" sconf-doc:"Verify TLS certificates of mail servers after STARTTLS. Many mail servers do not have a certificate for their MX host name, so this is off by default."`
	AutoEHLO           bool              `sconf:"optional" yaml:"AutoEHLO,omitempty" sconf-doc:"Always send EHLO, even if the greeting of the server does not mention ESMTP."`
	TLS                TLS               `sconf:"optional" yaml:"TLS,omitempty" sconf-doc:"STARTTLS settings."`
	Silent             bool              `sconf:"optional" yaml:"Silent,omitempty" sconf-doc:"Do not log at all."`
	LogLevel           string            `sconf:"optional" yaml:"LogLevel,omitempty" sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs SMTP protocol transcripts, tracedata also the message data. Default: error."`
	PackageLogLevels   map[string]string `sconf:"optional" yaml:"PackageLogLevels,omitempty" sconf-doc:"Overrides of log level per package, e.g. smtpclient, dns, dkim, mailer, deliverydb."`
	MaxParallel        int               `sconf:"optional" yaml:"MaxParallel,omitempty" sconf-doc:"Maximum number of domains delivered to concurrently. Default: 8."`
	DeliveryDB         string            `sconf:"optional" yaml:"DeliveryDB,omitempty" sconf-doc:"If set, path of a database file in which the outcome of each delivery is stored, see sendmx history. Relative to the directory of the config file."`
	MetricsTextfile    string            `sconf:"optional" yaml:"MetricsTextfile,omitempty" sconf-doc:"If set, prometheus metrics are written to this file after sending, in text format, e.g. for the node exporter textfile collector."`
}

// DKIM configures signing of outgoing messages.
type DKIM struct {
	PrivateKeyFile string   `yaml:"PrivateKeyFile" sconf-doc:"File with PEM-encoded private key, PKCS#8 or PKCS#1, of type rsa or ed25519. Generate one with sendmx dkim gened25519. Relative to the directory of the config file."`
	Selector       string   `sconf:"optional" yaml:"Selector,omitempty" sconf-doc:"Selector, the public key must be published in DNS at <selector>._domainkey.<domain>. Default: dkim."`
	Hash           string   `sconf:"optional" yaml:"Hash,omitempty" sconf-doc:"Hash algorithm, only sha256 is supported. Default: sha256."`
	Headers        []string `sconf:"optional" yaml:"Headers,omitempty" sconf-doc:"Message headers to sign. From is always signed. Default: From, To, Cc, Subject, Date, Message-ID, MIME-Version, Content-Type, Content-Transfer-Encoding."`

	Key crypto.Signer `sconf:"-" yaml:"-" json:"-"` // Parsed from PrivateKeyFile.
}

// TLS configures STARTTLS.
type TLS struct {
	Disabled bool   `sconf:"optional" yaml:"Disabled,omitempty" sconf-doc:"Do not use STARTTLS, even if the server announces it."`
	CertFile string `sconf:"optional" yaml:"CertFile,omitempty" sconf-doc:"File with PEM-encoded client certificate, presented if a server asks for one. Requires KeyFile."`
	KeyFile  string `sconf:"optional" yaml:"KeyFile,omitempty" sconf-doc:"File with PEM-encoded private key for CertFile."`

	Cert *tls.Certificate `sconf:"-" yaml:"-" json:"-"` // Parsed from CertFile and KeyFile.
}

// Load reads the config file at path, applies defaults and loads the referenced
// key and certificate files. Files are parsed as YAML if path ends with .yaml or
// .yml, and as sconf otherwise.
func Load(path string) (*Config, error) {
	var c Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &c); err != nil {
			return nil, fmt.Errorf("parsing yaml config file: %w", err)
		}
	default:
		if err := sconf.ParseFile(path, &c); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := c.Prepare(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &c, nil
}

// Prepare applies defaults, checks values and loads key and certificate files,
// with relative paths resolved against dir. All problems found are returned.
func (c *Config) Prepare(dir string) error {
	var errs []error
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.DevHost == "" {
		c.DevHost = DefaultDevHost
	}
	if c.SMTPPort == 0 {
		c.SMTPPort = DefaultSMTPPort
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.DevPort < 0 || c.DevPort > 65535 {
		addErrorf("invalid DevPort %d", c.DevPort)
	}
	if c.SMTPPort < 0 || c.SMTPPort > 65535 {
		addErrorf("invalid SMTPPort %d", c.SMTPPort)
	}
	if c.MaxParallel < 0 {
		addErrorf("invalid MaxParallel %d", c.MaxParallel)
	}
	if _, err := c.LogLevels(); err != nil {
		errs = append(errs, err)
	}

	if c.DKIM != nil {
		if c.DKIM.Selector == "" {
			c.DKIM.Selector = DefaultSelector
		}
		if c.DKIM.Hash == "" {
			c.DKIM.Hash = DefaultDKIMHashName
		} else if !strings.EqualFold(c.DKIM.Hash, "sha256") {
			addErrorf("dkim: unsupported hash %q, only sha256 is supported", c.DKIM.Hash)
		}
		if c.DKIM.PrivateKeyFile == "" {
			addErrorf("dkim: missing PrivateKeyFile")
		} else if buf, err := os.ReadFile(c.path(dir, c.DKIM.PrivateKeyFile)); err != nil {
			addErrorf("dkim: reading private key: %v", err)
		} else if key, err := dkim.ParseKey(buf); err != nil {
			addErrorf("dkim: parsing private key %s: %v", c.DKIM.PrivateKeyFile, err)
		} else {
			c.DKIM.Key = key
		}
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		addErrorf("tls: CertFile and KeyFile must both be set")
	} else if c.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.path(dir, c.TLS.CertFile), c.path(dir, c.TLS.KeyFile))
		if err != nil {
			addErrorf("tls: loading client certificate: %v", err)
		} else {
			c.TLS.Cert = &cert
		}
	}

	if c.DeliveryDB != "" {
		c.DeliveryDB = c.path(dir, c.DeliveryDB)
	}
	if c.MetricsTextfile != "" {
		c.MetricsTextfile = c.path(dir, c.MetricsTextfile)
	}
	return errors.Join(errs...)
}

// path returns p, made absolute against dir if it is relative.
func (c *Config) path(dir, p string) string {
	if filepath.IsAbs(p) || dir == "" {
		return p
	}
	return filepath.Join(dir, p)
}

// LogLevels returns the log level configuration for mlog.SetConfig. The empty
// key holds the default level.
func (c *Config) LogLevels() (map[string]slog.Level, error) {
	levels := map[string]slog.Level{}
	def := c.LogLevel
	if def == "" {
		def = DefaultLogLevel
	}
	level, ok := mlog.Levels[def]
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", def)
	}
	levels[""] = level
	for pkg, s := range c.PackageLogLevels {
		level, ok := mlog.Levels[s]
		if !ok {
			return nil, fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
		levels[pkg] = level
	}
	return levels, nil
}

// Example is the configuration printed by "sendmx config describe".
var Example = Config{
	DKIM: &DKIM{
		PrivateKeyFile: "dkim.pem",
		Selector:       DefaultSelector,
		Hash:           DefaultDKIMHashName,
		Headers:        []string{"From", "To", "Cc", "Subject", "Date", "Message-ID"},
	},
	SMTPPort:         DefaultSMTPPort,
	LogLevel:         "info",
	PackageLogLevels: map[string]string{"smtpclient": "trace"},
	MaxParallel:      DefaultMaxParallel,
	DeliveryDB:       "deliveries.db",
}
