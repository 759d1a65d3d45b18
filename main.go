package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strings"
	"syscall"

	"github.com/mjl-/sconf"

	"github.com/mjl-/sendmx/config"
	"github.com/mjl-/sendmx/deliverydb"
	"github.com/mjl-/sendmx/dkim"
	"github.com/mjl-/sendmx/dns"
	"github.com/mjl-/sendmx/mlog"
	"github.com/mjl-/sendmx/mxvar"
	"github.com/mjl-/sendmx/smtpclient"
)

const defaultConfigPath = "sendmx.conf"

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"send", cmdSend},
	{"mx", cmdMX},
	{"history", cmdHistory},
	{"dkim gened25519", cmdDKIMGened25519},
	{"dkim genrsa", cmdDKIMGenrsa},
	{"dkim txt", cmdDKIMTXT},
	{"dkim lookup", cmdDKIMLookup},
	{"dkim verify", cmdDKIMVerify},
	{"config describe", cmdConfigDescribe},
	{"config test", cmdConfigTest},
	{"version", cmdVersion},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, the command is run until it has
	// registered its flags, params and help, and this panic is caught.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("sendmx "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "sendmx " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) Usage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	matches := matchCommands(args)
	switch {
	case len(matches) == 0:
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	case len(matches) == 1 && len(matches[0].words) == len(args):
		m := matches[0]
		fmt.Print(m.makeUsage())
		if m.help != "" {
			fmt.Print("\n" + m.help + "\n")
		}
	default:
		for _, m := range matches {
			fmt.Printf("sendmx %s\n", strings.Join(m.words, " "))
			if synopsis, _, _ := strings.Cut(m.help, "\n"); synopsis != "" {
				fmt.Printf("\t%s\n", synopsis)
			}
		}
	}
}

// matchCommands returns the commands whose words start with prefix, gathered
// for their usage and help. An exact match is returned on its own.
func matchCommands(prefix []string) []cmd {
	var l []cmd
	for _, c := range cmds {
		if len(prefix) > len(c.words) || !slices.Equal(prefix, c.words[:len(prefix)]) {
			continue
		}
		c.gather()
		if len(c.words) == len(prefix) {
			return []cmd{c}
		}
		l = append(l, c)
	}
	return l
}

func usage(l []cmd) {
	var b strings.Builder
	b.WriteString("usage: sendmx [-config sendmx.conf] [-loglevel level] ...\n")
	for _, c := range l {
		c.gather()
		name := "sendmx " + strings.Join(c.words, " ")
		for _, params := range strings.Split(c.params, "\n") {
			b.WriteString("       " + strings.TrimSpace(name+" "+params) + "\n")
		}
	}
	fmt.Fprint(os.Stderr, b.String())
	os.Exit(2)
}

var configPath string
var loglevel string // If set, overrides the log level from the config file.

// loadConfig loads the configuration file and applies its log settings. A
// missing file at the default path results in the default configuration.
func loadConfig() *config.Config {
	c, err := config.Load(configPath)
	if err != nil && errors.Is(err, fs.ErrNotExist) && configPath == defaultConfigPath {
		c = &config.Config{}
		err = c.Prepare("")
	}
	xcheckf(err, "loading config")

	levels, err := c.LogLevels()
	xcheckf(err, "log levels")
	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		levels[""] = level
	}
	mlog.SetConfig(levels)
	if c.Silent {
		mlog.SetOutput(io.Discard)
	}
	return c
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("SENDMXCONF", defaultConfigPath), "configuration file in sconf format, or yaml if it ends with .yaml or .yml, defaults to $SENDMXCONF with a fallback to sendmx.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, overrides the default log level from the configuration file")

	var cpuprofile, memprofile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		mlog.SetConfig(map[string]slog.Level{"": level})
	}

	defer profile(cpuprofile, memprofile)()

	for _, c := range cmds {
		if len(args) < len(c.words) || !slices.Equal(c.words, args[:len(c.words)]) {
			continue
		}
		c.flag = flag.NewFlagSet("sendmx "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	// Show the commands of a group, e.g. for "sendmx dkim".
	var group []cmd
	for _, c := range cmds {
		if c.words[0] == args[0] {
			group = append(group, c)
		}
	}
	if len(group) > 0 {
		usage(group)
	}
	usage(cmds)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

// signalContext returns a context that is canceled on interrupt or terminate
// signals.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdMX(c *cmd) {
	c.params = "domain"
	c.help = `Print the mail servers tried for a domain, in order.

The MX records of the domain are looked up and sorted by preference. If a
fallback host is configured with SMTPHost, it is listed last.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	cfg := loadConfig()

	d, err := dns.ParseDomain(args[0])
	xcheckf(err, "parsing domain")

	ctx, cancel := signalContext()
	defer cancel()
	candidates, err := smtpclient.GatherMX(ctx, c.log.Logger, dns.StrictResolver{Pkg: "mx"}, d.ASCII, cfg.SMTPHost)
	xcheckf(err, "gathering mail exchangers")
	for _, mx := range candidates {
		if mx.Fallback {
			fmt.Printf("fallback %s\n", mx.Host)
		} else {
			fmt.Printf("%d %s\n", mx.Pref, mx.Host)
		}
	}
}

func cmdHistory(c *cmd) {
	c.params = "[-n count] [-domain domain] [-failed]"
	c.help = `List recorded deliveries, most recent first.

Deliveries are only recorded if DeliveryDB is set in the configuration file.
`
	var n int
	var domain string
	var failed bool
	c.flag.IntVar(&n, "n", 20, "maximum number of deliveries to list, 0 for all")
	c.flag.StringVar(&domain, "domain", "", "only list deliveries to this domain")
	c.flag.BoolVar(&failed, "failed", false, "only list failed deliveries")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	cfg := loadConfig()
	if cfg.DeliveryDB == "" {
		log.Fatalf("no DeliveryDB configured")
	}

	ctx := context.Background()
	db, err := deliverydb.Open(ctx, c.log.Logger, cfg.DeliveryDB)
	xcheckf(err, "open delivery database")
	defer db.Close()

	l, err := db.List(ctx, deliverydb.Filter{Domain: strings.ToLower(domain), Failed: failed, Limit: n})
	xcheckf(err, "listing deliveries")
	for _, d := range l {
		status := "ok"
		detail := d.Response
		if !d.Success {
			status = "failed"
			if d.Permanent {
				status = "failed-permanent"
			}
			detail = d.Error
		}
		fmt.Printf("%s %s %s %s host=%q rcpts=%s %s\n", d.Time.Format("2006-01-02T15:04:05"), status, d.Domain, d.MessageID, d.Host, strings.Join(d.Recipients, ","), detail)
	}
}

func cmdDKIMGened25519(c *cmd) {
	c.params = ">$selector._domainkey.$domain.ed25519.privatekey.pkcs8.pem"
	c.help = `Generate a new ed25519 key for use with DKIM.

Ed25519 keys are much smaller than RSA keys of comparable cryptographic
strength, but not all mail servers verify ed25519 signatures yet.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	buf, err := dkim.GenerateKey("ed25519")
	xcheckf(err, "making dkim ed25519 key")
	_, err = os.Stdout.Write(buf)
	xcheckf(err, "writing dkim ed25519 key")
}

func cmdDKIMGenrsa(c *cmd) {
	c.params = ">$selector._domainkey.$domain.rsa2048.privatekey.pkcs8.pem"
	c.help = `Generate a new 2048 bit RSA private key for use with DKIM.

The generated file is in PEM format.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	buf, err := dkim.GenerateKey("rsa")
	xcheckf(err, "making rsa private key")
	_, err = os.Stdout.Write(buf)
	xcheckf(err, "writing rsa private key")
}

func cmdDKIMTXT(c *cmd) {
	c.params = "<$selector._domainkey.$domain.key.pkcs8.pem"
	c.help = `Print a DKIM DNS TXT record with the public key derived from the private key read from stdin.

The DNS should be configured as a TXT record at $selector._domainkey.$domain.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	buf, err := io.ReadAll(os.Stdin)
	xcheckf(err, "reading private key from stdin")
	key, err := dkim.ParseKey(buf)
	xcheckf(err, "parsing dkim private key")
	r, err := dkim.NewRecord(key)
	xcheckf(err, "making record")
	record, err := r.ToTXT()
	xcheckf(err, "making record")

	// TXT strings are at most 255 bytes, long records are split.
	fmt.Print("<selector>._domainkey.<your.domain.> TXT ")
	for record != "" {
		s := record
		if len(s) > 100 {
			s, record = record[:100], record[100:]
		} else {
			record = ""
		}
		fmt.Printf(`"%s" `, s)
	}
	fmt.Println("")
}

func cmdDKIMLookup(c *cmd) {
	c.params = "selector domain"
	c.help = "Lookup and print the DKIM record for the selector at the domain."
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}

	status, record, txt, err := dkim.Lookup(context.Background(), c.log.Logger, dns.StrictResolver{Pkg: "dkim"}, args[0], args[1])
	if err != nil {
		fmt.Printf("error: %s\n", err)
	}
	if status != dkim.StatusNeutral {
		fmt.Printf("status: %s\n", status)
	}
	if txt != "" {
		fmt.Printf("TXT record: %s\n", txt)
	}
	if record != nil {
		fmt.Printf("Record:\n")
		pairs := []any{
			"version", record.Version,
			"hashes", record.Hashes,
			"keytype", record.Key,
			"notes", record.Notes,
			"services", record.Services,
			"flags", record.Flags,
		}
		for i := 0; i < len(pairs); i += 2 {
			fmt.Printf("\t%s: %v\n", pairs[i], pairs[i+1])
		}
	}
}

func cmdDKIMVerify(c *cmd) {
	c.params = "message"
	c.help = `Verify the DKIM signatures in a message and print the results.

Only signatures with relaxed canonicalization and sha256 hashes, as made by
sendmx, can be verified.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	buf, err := os.ReadFile(args[0])
	xcheckf(err, "reading message")
	results, err := dkim.Verify(context.Background(), c.log.Logger, dns.StrictResolver{Pkg: "dkim"}, buf)
	xcheckf(err, "dkim verify")
	if len(results) == 0 {
		fmt.Println("no dkim signatures")
	}
	for _, r := range results {
		var domain, selector string
		if r.Sig != nil {
			domain, selector = r.Sig.Domain, r.Sig.Selector
		}
		fmt.Printf("status %q, domain %q, selector %q, err %v\n", r.Status, domain, selector, r.Err)
	}
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">sendmx.conf"
	c.help = `Prints an annotated example configuration file.

The printed file is in sconf format. The same fields can be used in a YAML file.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	err := sconf.Describe(os.Stdout, &config.Example)
	xcheckf(err, "describe config")
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	_, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("%s", err)
	}
	fmt.Println("config OK")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this sendmx version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(mxvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}
