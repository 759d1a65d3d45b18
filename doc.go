/*
Command sendmx sends email directly to the mail servers of the recipients,
without a relaying submission server.

  - Recipients are grouped by domain, with one SMTP session per domain.
  - Mail servers are found through MX records, with an optional fallback host.
  - Opportunistic STARTTLS, with optional certificate verification.
  - DKIM signing of outgoing messages, with ed25519 or RSA keys.
  - Optional database with the outcome of each delivery.

# Commands

	sendmx [-config sendmx.conf] [-loglevel level] ...
	sendmx send [-from address] [-subject subject] [-cc address] [-bcc address] [-raw] [recipient ...] <message
	sendmx mx domain
	sendmx history [-n count] [-domain domain] [-failed]
	sendmx dkim gened25519 >$selector._domainkey.$domain.ed25519.privatekey.pkcs8.pem
	sendmx dkim genrsa >$selector._domainkey.$domain.rsa2048.privatekey.pkcs8.pem
	sendmx dkim txt <$selector._domainkey.$domain.key.pkcs8.pem
	sendmx dkim lookup selector domain
	sendmx dkim verify message
	sendmx config describe >sendmx.conf
	sendmx config test
	sendmx version
	sendmx help [command ...]

The configuration file is read from the path in the -config flag, or the
SENDMXCONF environment variable, with a fallback to sendmx.conf. A file ending
in .yaml or .yml is parsed as YAML, others as sconf. Without a configuration
file at the default path, defaults are used: no DKIM signing, opportunistic
TLS without certificate verification, port 25.

# sendmx send

Send a message read from stdin directly to the mail servers of the recipients.

	usage: sendmx send [-from address] [-subject subject] [-cc address] [-bcc address] [-raw] [recipient ...] <message
	  -bcc string
	    	comma-separated bcc addresses, only added to the envelope
	  -cc string
	    	comma-separated cc addresses
	  -from string
	    	from address, required
	  -raw
	    	stdin is a complete message
	  -subject string
	    	subject of message, not used with -raw

Without -raw, stdin is the text of a plain text message, and headers are
composed from -from, -subject, the recipients and -cc. With -raw, stdin is a
complete message, including headers, and is sent as is. Only a DKIM-Signature
is added if DKIM is configured.

Recipients are grouped by domain, and each domain gets its own SMTP session.
One line is printed for each domain with the outcome. If delivery to any domain
failed, the exit status is 1.

# sendmx mx

Print the mail servers tried for a domain, in order.

	usage: sendmx mx domain

The MX records of the domain are looked up and sorted by preference. If a
fallback host is configured with SMTPHost, it is listed last.

# sendmx history

List recorded deliveries, most recent first.

	usage: sendmx history [-n count] [-domain domain] [-failed]
	  -domain string
	    	only list deliveries to this domain
	  -failed
	    	only list failed deliveries
	  -n int
	    	maximum number of deliveries to list, 0 for all (default 20)

Deliveries are only recorded if DeliveryDB is set in the configuration file.

# sendmx dkim gened25519

Generate a new ed25519 key for use with DKIM.

	usage: sendmx dkim gened25519 >$selector._domainkey.$domain.ed25519.privatekey.pkcs8.pem

Ed25519 keys are much smaller than RSA keys of comparable cryptographic
strength, but not all mail servers verify ed25519 signatures yet.

# sendmx dkim genrsa

Generate a new 2048 bit RSA private key for use with DKIM.

	usage: sendmx dkim genrsa >$selector._domainkey.$domain.rsa2048.privatekey.pkcs8.pem

The generated file is in PEM format.

# sendmx dkim txt

Print a DKIM DNS TXT record with the public key derived from the private key read from stdin.

	usage: sendmx dkim txt <$selector._domainkey.$domain.key.pkcs8.pem

The DNS should be configured as a TXT record at $selector._domainkey.$domain.

# sendmx dkim lookup

Lookup and print the DKIM record for the selector at the domain.

	usage: sendmx dkim lookup selector domain

# sendmx dkim verify

Verify the DKIM signatures in a message and print the results.

	usage: sendmx dkim verify message

Only signatures with relaxed canonicalization and sha256 hashes, as made by
sendmx, can be verified.

# sendmx config describe

Prints an annotated example configuration file.

	usage: sendmx config describe >sendmx.conf

The printed file is in sconf format. The same fields can be used in a YAML file.

# sendmx config test

Parses and validates the configuration file.

	usage: sendmx config test

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.

# sendmx version

Prints this sendmx version.

	usage: sendmx version

# sendmx help

Prints help about matching commands.

	usage: sendmx help [command ...]

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
*/
package main
