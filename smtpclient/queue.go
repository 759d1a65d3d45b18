package smtpclient

// CommandQueue holds the commands of an SMTP transaction, sent one at a time in
// response to positive replies: MAIL FROM, one RCPT TO per recipient, DATA,
// QUIT, and an empty end marker. The message data itself is sent in response to
// the 354 reply to DATA.
type CommandQueue []string

// NewCommandQueue returns the command queue for delivering to recipients.
func NewCommandQueue(from string, recipients []string) CommandQueue {
	q := make(CommandQueue, 0, len(recipients)+4)
	q = append(q, "MAIL FROM:<"+from+">")
	for _, rcpt := range recipients {
		q = append(q, "RCPT TO:<"+rcpt+">")
	}
	q = append(q, "DATA", "QUIT", "")
	return q
}
