package smtp

// Reply codes the client acts on. Codes of 400 and higher are failures, 5xx
// permanent.
const (
	C220ServiceReady            = 220
	C221Closing                 = 221
	C235AuthSuccess             = 235 // ../rfc/4954:573
	C250Completed               = 250
	C251UserNotLocalWillForward = 251
	C334ContinueAuth            = 334 // ../rfc/4954:187
	C354Continue                = 354
)

// IsPermanent returns whether code is a permanent negative completion reply.
func IsPermanent(code int) bool {
	return code >= 500 && code < 600
}
