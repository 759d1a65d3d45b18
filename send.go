package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mjl-/sendmx/deliverydb"
	"github.com/mjl-/sendmx/mailer"
	"github.com/mjl-/sendmx/message"
)

func cmdSend(c *cmd) {
	c.params = "[-from address] [-subject subject] [-cc address] [-bcc address] [-raw] [recipient ...] <message"
	c.help = `Send a message read from stdin directly to the mail servers of the recipients.

Without -raw, stdin is the text of a plain text message, and headers are
composed from -from, -subject, the recipients and -cc. With -raw, stdin is a
complete message, including headers, and is sent as is. Only a DKIM-Signature
is added if DKIM is configured.

Recipients are grouped by domain, and each domain gets its own SMTP session.
One line is printed for each domain with the outcome. If delivery to any domain
failed, the exit status is 1.
`
	var from, subject, cc, bcc string
	var raw bool
	c.flag.StringVar(&from, "from", "", "from address, required")
	c.flag.StringVar(&subject, "subject", "", "subject of message, not used with -raw")
	c.flag.StringVar(&cc, "cc", "", "comma-separated cc addresses")
	c.flag.StringVar(&bcc, "bcc", "", "comma-separated bcc addresses, only added to the envelope")
	c.flag.BoolVar(&raw, "raw", false, "stdin is a complete message")
	args := c.Parse()
	if from == "" || (len(args) == 0 && cc == "" && bcc == "") {
		c.Usage()
	}
	cfg := loadConfig()

	buf, err := io.ReadAll(os.Stdin)
	xcheckf(err, "reading message from stdin")

	ctx, cancel := signalContext()
	defer cancel()

	var opts []mailer.Option
	var db *deliverydb.DB
	if cfg.DeliveryDB != "" {
		db, err = deliverydb.Open(ctx, c.log.Logger, cfg.DeliveryDB)
		xcheckf(err, "open delivery database")
		opts = append(opts, mailer.WithDeliveryDB(db))
	}
	sender := mailer.New(c.log.Logger, cfg, nil, opts...)

	var results []mailer.Result
	if raw {
		rcpts := append([]string{}, args...)
		for _, s := range []string{cc, bcc} {
			if s != "" {
				rcpts = append(rcpts, s)
			}
		}
		results, err = sender.SendRaw(ctx, from, rcpts, buf)
	} else {
		m := message.Mail{
			From:    from,
			To:      args,
			Subject: subject,
			Text:    string(buf),
		}
		if cc != "" {
			m.Cc = []string{cc}
		}
		if bcc != "" {
			m.Bcc = []string{bcc}
		}
		results, err = sender.Send(ctx, m)
	}
	if db != nil {
		c.log.Check(db.Close(), "closing delivery database")
	}
	if err != nil && len(results) == 0 {
		log.Fatalf("send: %s", err)
	}
	printResults(os.Stdout, results)

	if cfg.MetricsTextfile != "" {
		xcheckf(writeMetrics(cfg.MetricsTextfile), "writing metrics")
	}
	if err != nil {
		os.Exit(1)
	}
}

func printResults(w io.Writer, results []mailer.Result) {
	for _, r := range results {
		var tls string
		if r.TLS {
			tls = " tls"
		}
		if r.Err == nil {
			fmt.Fprintf(w, "%s: delivered to %s via %s%s: %s\n", r.Domain, strings.Join(r.Recipients, ", "), r.Host, tls, r.Response)
		} else {
			fmt.Fprintf(w, "%s: failed for %s: %s\n", r.Domain, strings.Join(r.Recipients, ", "), r.Err)
		}
	}
}
